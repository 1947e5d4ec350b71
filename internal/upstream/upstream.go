// Package upstream maintains a long-lived WebSocket connection to IC,
// normalizing and forwarding each inbound event to the state manager. It
// exclusively owns the upstream socket; callers interact only through the
// EventHandler callback passed at construction.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/obscore/internal/normalize"
)

const (
	// DialTimeout bounds the WebSocket handshake, per spec.md §6.
	DialTimeout = 10 * time.Second

	// HandshakeSendWindow is the expected upper bound on writing the
	// subscribe frame after socket-open; a slower write is logged as a
	// warning, not aborted.
	HandshakeSendWindow = 100 * time.Millisecond

	// PingInterval is how often the client sends a control-frame ping.
	PingInterval = 30 * time.Second

	// IdleTimeout is the longest the client waits without any inbound
	// frame (data or pong) before treating the connection as stale.
	IdleTimeout = 5 * time.Minute

	// BackoffBase is the starting reconnect delay.
	BackoffBase = 5 * time.Second

	// BackoffCap is the reconnect delay ceiling.
	BackoffCap = 60 * time.Second

	// FlapWindow is how recently an equipment connect/disconnect event
	// must have arrived for a subsequent socket close to use the
	// shortened reconnect delay instead of the normal backoff.
	FlapWindow = 2 * time.Second

	// FlapReconnectDelay is the shortened reconnect delay used when a
	// close follows closely on an equipment connect/disconnect burst.
	FlapReconnectDelay = 2 * time.Second
)

// EventHandler receives each successfully normalized event, in arrival
// order, from the client's single read loop.
type EventHandler func(normalize.Event)

// Config configures a Client.
type Config struct {
	// URL is the IC WebSocket endpoint, e.g. "ws://localhost:1888/v2/socket".
	URL string
	// SubscribeFrame is written verbatim as a text frame immediately
	// after the socket opens.
	SubscribeFrame string
	// Location resolves naive timestamps in inbound events.
	Location *time.Location
	OnEvent  EventHandler
	// OnMalformed is called (optionally) for frames that fail to
	// decode or normalize. May be nil.
	OnMalformed func(err error)
	Logger      *slog.Logger
}

// Client owns a single long-lived connection to IC and reconnects
// indefinitely on failure using exponential backoff.
type Client struct {
	cfg    Config
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	lastFrameAt atomic.Int64 // unix nanos
	lastFlapAt  atomic.Int64 // unix nanos of last equipment connect/disconnect event

	malformedCount atomic.Int64
}

// New constructs a Client. OnEvent must not be nil.
func New(cfg Config) *Client {
	if cfg.OnEvent == nil {
		panic("upstream: Config.OnEvent must not be nil")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: cfg.Logger}
}

// MalformedCount returns the number of frames dropped for failing to
// decode or normalize, since process start.
func (c *Client) MalformedCount() int64 {
	return c.malformedCount.Load()
}

// Run dials and consumes the upstream socket until ctx is cancelled,
// reconnecting indefinitely on any failure.
func (c *Client) Run(ctx context.Context) {
	delay := BackoffBase
	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		handshakeOK, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("upstream connection lost, reconnecting", "error", err)

		if handshakeOK {
			delay = BackoffBase
		}

		next := c.nextDelay(delay, start)
		delay = next.next
		if !sleepCtx(ctx, next.delay) {
			return
		}
	}
}

type reconnectDecision struct {
	delay time.Duration
	next  time.Duration // the backoff delay to use if this reconnect also fails
}

// nextDelay picks the reconnect delay: the flap-shortened 2s delay when a
// recent equipment connect/disconnect event closely preceded the close,
// otherwise the exponential backoff sequence. Run resets currentBackoff to
// BackoffBase before calling this whenever the prior connection completed
// its handshake, so a connection that dropped after serving successfully
// reconnects at the base delay instead of an already-climbed one.
func (c *Client) nextDelay(currentBackoff time.Duration, connectStart time.Time) reconnectDecision {
	flapNanos := c.lastFlapAt.Load()
	if flapNanos != 0 && time.Since(time.Unix(0, flapNanos)) < FlapWindow {
		return reconnectDecision{delay: FlapReconnectDelay, next: BackoffBase}
	}

	doubled := time.Duration(float64(currentBackoff) * 2)
	if doubled > BackoffCap {
		doubled = BackoffCap
	}
	return reconnectDecision{delay: currentBackoff, next: doubled}
}

// connectAndServe dials, handshakes, and serves one connection until it
// closes or ctx is cancelled. Returns whether the subscribe handshake
// completed (so Run knows whether to reset its backoff) and the error
// that ended the connection (ctx.Err() when ctx was cancelled).
func (c *Client) connectAndServe(ctx context.Context) (handshakeOK bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	if _, err := url.Parse(c.cfg.URL); err != nil {
		return false, fmt.Errorf("parse upstream url: %w", err)
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 16 * 1024,
	}

	conn, _, err := dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial upstream: %w", err)
	}

	handshakeStart := time.Now()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(c.cfg.SubscribeFrame)); err != nil {
		conn.Close()
		return false, fmt.Errorf("send subscribe frame: %w", err)
	}
	if elapsed := time.Since(handshakeStart); elapsed > HandshakeSendWindow {
		c.logger.Warn("subscribe frame send exceeded handshake window", "elapsed", elapsed)
	}

	c.logger.Info("connected to upstream", "url", c.cfg.URL)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.lastFrameAt.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		c.lastFrameAt.Store(time.Now().UnixNano())
		return nil
	})

	serveCtx, serveCancel := context.WithCancel(ctx)
	defer serveCancel()

	var wg sync.WaitGroup
	wg.Add(2)

	readErrCh := make(chan error, 1)
	go func() {
		defer wg.Done()
		readErrCh <- c.readLoop(conn)
	}()
	go func() {
		defer wg.Done()
		c.watchdog(serveCtx, conn)
	}()

	var readErr error
	select {
	case readErr = <-readErrCh:
	case <-ctx.Done():
		readErr = ctx.Err()
	}

	serveCancel()
	conn.Close()
	wg.Wait()

	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()

	return true, readErr
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.lastFrameAt.Store(time.Now().UnixNano())
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame []byte) {
	raw, err := normalize.DecodeRaw(frame)
	if err != nil {
		c.malformedCount.Add(1)
		c.logger.Debug("dropped malformed frame", "error", err)
		if c.cfg.OnMalformed != nil {
			c.cfg.OnMalformed(err)
		}
		return
	}

	evt, err := normalize.Normalize(raw, c.cfg.Location)
	if err != nil {
		c.malformedCount.Add(1)
		c.logger.Debug("dropped unnormalizable event", "kind", raw.Kind, "error", err)
		if c.cfg.OnMalformed != nil {
			c.cfg.OnMalformed(err)
		}
		return
	}

	if evt.Category == normalize.CategoryEquipment {
		upper := strings.ToUpper(evt.Kind)
		if strings.HasSuffix(upper, "-CONNECTED") || strings.HasSuffix(upper, "-DISCONNECTED") {
			c.lastFlapAt.Store(time.Now().UnixNano())
		}
	}

	c.cfg.OnEvent(evt)
}

// watchdog sends periodic pings and force-closes the connection if no
// frame (data or pong) has arrived within IdleTimeout.
func (c *Client) watchdog(ctx context.Context, conn *websocket.Conn) {
	pingTicker := time.NewTicker(PingInterval)
	defer pingTicker.Stop()
	staleTicker := time.NewTicker(IdleTimeout / 10)
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.logger.Debug("ping write failed", "error", err)
			}
		case <-staleTicker.C:
			last := time.Unix(0, c.lastFrameAt.Load())
			if time.Since(last) > IdleTimeout {
				c.logger.Warn("upstream connection idle beyond timeout, forcing reconnect", "idle", time.Since(last))
				conn.Close()
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
