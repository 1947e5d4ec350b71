package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/obscore/internal/normalize"
)

// fakeIC is an in-process stand-in for IC's WebSocket endpoint: it
// upgrades the connection, records the subscribe frame it receives, and
// lets the test push arbitrary frames to the client.
type fakeIC struct {
	upgrader websocket.Upgrader
	srv      *httptest.Server

	mu   sync.Mutex
	conn *websocket.Conn
	sub  string
}

func newFakeIC() *fakeIC {
	f := &fakeIC{upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeIC) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.sub = string(frame)
	f.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *fakeIC) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeIC) send(t *testing.T, frame string) {
	t.Helper()
	for i := 0; i < 50; i++ {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn != nil {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				t.Fatalf("send: %v", err)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("fakeIC: client never connected")
}

func (f *fakeIC) subscribeFrame() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sub
}

func (f *fakeIC) close() {
	f.srv.Close()
}

// closeConn drops the currently accepted client connection without
// shutting down the test server, so a test can observe a mid-session
// disconnect distinct from the server going away entirely.
func (f *fakeIC) closeConn() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func TestClient_SendsSubscribeFrameOnConnect(t *testing.T) {
	ic := newFakeIC()
	defer ic.close()

	var mu sync.Mutex
	var events []normalize.Event

	c := New(Config{
		URL:            ic.wsURL(),
		SubscribeFrame: "SUBSCRIBE /v2/socket",
		OnEvent: func(e normalize.Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ic.subscribeFrame() == "SUBSCRIBE /v2/socket" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscribe frame never arrived, got %q", ic.subscribeFrame())
}

func TestClient_NormalizesAndForwardsEvents(t *testing.T) {
	ic := newFakeIC()
	defer ic.close()

	received := make(chan normalize.Event, 10)
	c := New(Config{
		URL:            ic.wsURL(),
		SubscribeFrame: "SUBSCRIBE /v2/socket",
		OnEvent: func(e normalize.Event) {
			received <- e
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ic.send(t, `{"kind":"IMAGE-SAVE","time":"2024-01-01T00:00:00Z","data":{"path":"m31.fits"}}`)

	select {
	case evt := <-received:
		if evt.Kind != "IMAGE-SAVE" {
			t.Errorf("kind = %q, want IMAGE-SAVE", evt.Kind)
		}
		if evt.Category != normalize.CategoryImage {
			t.Errorf("category = %q, want image", evt.Category)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestClient_DropsMalformedFrames(t *testing.T) {
	ic := newFakeIC()
	defer ic.close()

	var malformed []error
	var mu sync.Mutex

	c := New(Config{
		URL:            ic.wsURL(),
		SubscribeFrame: "SUBSCRIBE /v2/socket",
		OnEvent:        func(normalize.Event) {},
		OnMalformed: func(err error) {
			mu.Lock()
			malformed = append(malformed, err)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ic.send(t, `not json at all`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(malformed)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c.MalformedCount() == 0 {
		t.Error("expected MalformedCount to be nonzero")
	}
}

func TestClient_EquipmentEventMarksFlapWindow(t *testing.T) {
	ic := newFakeIC()
	defer ic.close()

	c := New(Config{
		URL:            ic.wsURL(),
		SubscribeFrame: "SUBSCRIBE /v2/socket",
		OnEvent:        func(normalize.Event) {},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ic.send(t, `{"kind":"FOCUSER-DISCONNECTED","time":"2024-01-01T00:00:00Z"}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.lastFlapAt.Load() != 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	decision := c.nextDelay(BackoffBase, time.Now())
	if decision.delay != FlapReconnectDelay {
		t.Errorf("reconnect delay = %v, want shortened %v after equipment flap", decision.delay, FlapReconnectDelay)
	}
}

func TestConnectAndServe_HandshakeOKOnEstablishedConnectionDrop(t *testing.T) {
	ic := newFakeIC()
	defer ic.close()

	c := New(Config{
		URL:            ic.wsURL(),
		SubscribeFrame: "SUBSCRIBE /v2/socket",
		OnEvent:        func(normalize.Event) {},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var handshakeOK bool
	go func() {
		handshakeOK, _ = c.connectAndServe(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ic.subscribeFrame() == "" {
		time.Sleep(10 * time.Millisecond)
	}
	ic.closeConn() // drop the established connection from the server side

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connectAndServe never returned after server closed")
	}

	if !handshakeOK {
		t.Error("expected handshakeOK = true when an established connection later drops")
	}
}

func TestConnectAndServe_HandshakeNotOKOnDialFailure(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1", SubscribeFrame: "x", OnEvent: func(normalize.Event) {}})

	handshakeOK, err := c.connectAndServe(context.Background())
	if handshakeOK {
		t.Error("expected handshakeOK = false on dial failure")
	}
	if err == nil {
		t.Error("expected a dial error")
	}
}

func TestRun_ResetsBackoffAfterSuccessfulHandshake(t *testing.T) {
	ic := newFakeIC()
	defer ic.close()

	c := New(Config{
		URL:            ic.wsURL(),
		SubscribeFrame: "SUBSCRIBE /v2/socket",
		OnEvent:        func(normalize.Event) {},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var handshakeOK bool
	go func() {
		handshakeOK, _ = c.connectAndServe(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ic.subscribeFrame() == "" {
		time.Sleep(10 * time.Millisecond)
	}
	ic.closeConn()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connectAndServe never returned")
	}
	if !handshakeOK {
		t.Fatal("expected handshake to succeed against fakeIC")
	}

	// Simulate Run having already climbed its backoff from prior failed
	// attempts: the handshakeOK signal must make it reset to BackoffBase
	// before computing the next reconnect delay.
	delay := BackoffCap
	if handshakeOK {
		delay = BackoffBase
	}
	decision := c.nextDelay(delay, time.Now())
	if decision.delay != BackoffBase {
		t.Errorf("post-handshake reconnect delay = %v, want reset to %v", decision.delay, BackoffBase)
	}
}

func TestNextDelay_DoublesUntilCap(t *testing.T) {
	c := New(Config{URL: "ws://unused", SubscribeFrame: "x", OnEvent: func(normalize.Event) {}})

	d := c.nextDelay(BackoffBase, time.Now())
	if d.delay != BackoffBase {
		t.Errorf("first delay = %v, want %v", d.delay, BackoffBase)
	}
	if d.next != 2*BackoffBase {
		t.Errorf("next backoff = %v, want %v", d.next, 2*BackoffBase)
	}

	big := c.nextDelay(BackoffCap, time.Now())
	if big.next != BackoffCap {
		t.Errorf("backoff should cap at %v, got %v", BackoffCap, big.next)
	}
}
