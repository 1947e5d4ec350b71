// Package fanout serves the browser-facing WebSocket API: on accept it
// sends one fullSync snapshot, then forwards every subsequent delta from
// the state manager until the client disconnects or falls behind.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/obscore/internal/buildinfo"
	"github.com/nugget/obscore/internal/manager"
	"github.com/nugget/obscore/internal/obsstate"
	"github.com/nugget/obscore/internal/reachability"
)

// SchemaVersion is the outbound envelope's schemaVersion field.
const SchemaVersion = 1

// ErrClientCapExceeded names the client-cap condition. handleWS does not
// return it: a connection arriving at or past the configured client cap
// is accepted then immediately closed with a "busy" reason rather than
// refused at the TCP level.
var ErrClientCapExceeded = errors.New("fanout: client cap exceeded")

// Envelope is every outbound message's shape.
type Envelope struct {
	SchemaVersion int            `json:"schemaVersion"`
	Timestamp     string         `json:"timestamp"`
	UpdateKind    string         `json:"updateKind"`
	UpdateReason  string         `json:"updateReason"`
	Changed       *Changed       `json:"changed"`
	State         obsstate.State `json:"state"`
}

// Changed mirrors the manager.Update.Delta that produced this envelope.
type Changed struct {
	Path    string         `json:"path"`
	Summary string         `json:"summary"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Config configures a Server.
type Config struct {
	Address           string
	Port              int
	Manager           *manager.Manager
	Reachability      *reachability.Watcher // optional; nil omits upstream_reachable from /healthz
	ClientCap         int
	HeartbeatInterval time.Duration
	SendTimeout       time.Duration
	Logger            *slog.Logger
}

// Server accepts browser WebSocket connections on /ws and an HTTP
// /healthz.
type Server struct {
	cfg    Config
	logger *slog.Logger
	srv    *http.Server

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New constructs a Server. Call Start to begin serving.
func New(cfg Config) *Server {
	if cfg.ClientCap <= 0 {
		cfg.ClientCap = 100
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the server's HTTP handler (GET /ws, GET /healthz),
// independent of Start/ListenAndServe, so tests can drive it through
// httptest.NewServer without binding a real port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s.withLogging(mux)
}

// Start begins serving HTTP requests; blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler: s.Handler(),
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting fan-out server", "address", addr, "port", s.cfg.Port)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and closes all connected clients.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.mu.Unlock()
	return err
}

// ClientCount returns the number of currently connected browser clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.RuntimeInfo()
	if s.cfg.Reachability != nil {
		status := s.cfg.Reachability.Status()
		info["upstream_reachable"] = fmt.Sprintf("%v", status.Ready)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	if len(s.clients) >= s.cfg.ClientCap {
		s.mu.Unlock()
		s.logger.Info("rejecting connection, client cap reached", "cap", s.cfg.ClientCap)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "busy"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	c := newClient(conn, s.cfg.SendTimeout, s.logger)
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("browser client connected", "clients", s.ClientCount())
	s.serveClient(c)
}

func (s *Server) serveClient(c *client) {
	defer s.removeClient(c)

	unsubscribe := s.cfg.Manager.Subscribe(func(u manager.Update) {
		c.enqueue(envelopeFromUpdate(u))
	})
	defer unsubscribe()

	c.enqueue(fullSyncEnvelope(s.cfg.Manager.GetState()))

	go c.writePump()
	go s.heartbeatLoop(c)

	c.readPump() // blocks until the client disconnects or errors
}

func (s *Server) heartbeatLoop(c *client) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.enqueue(Envelope{
				SchemaVersion: SchemaVersion,
				Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
				UpdateKind:    "heartbeat",
				UpdateReason:  "heartbeat",
			})
		}
	}
}

func (s *Server) removeClient(c *client) {
	c.close()
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.logger.Info("browser client disconnected", "clients", s.ClientCount())
}

func fullSyncEnvelope(state obsstate.State) Envelope {
	return Envelope{
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		UpdateKind:    "fullSync",
		UpdateReason:  "initial-state",
		State:         state,
	}
}

func envelopeFromUpdate(u manager.Update) Envelope {
	var changed *Changed
	if u.Delta.Path != "" {
		changed = &Changed{Path: string(u.Delta.Path), Summary: u.Delta.Summary, Meta: u.Delta.Meta}
	}
	kind := string(u.Delta.Path)
	if kind == "" {
		kind = "events"
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		UpdateKind:    kind,
		UpdateReason:  u.Delta.Reason,
		Changed:       changed,
		State:         u.State,
	}
}
