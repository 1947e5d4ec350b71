// Package httpkit provides shared HTTP client construction for obscore's
// one outbound HTTP call: the seeder's fetch of IC's event-history
// endpoint. It enforces consistent dial/TLS/response timeouts and a
// small idle-connection pool, the same shape the teacher's own httpkit
// package builds for its outbound calls — minus the macOS ARP-race retry
// transport, which has no LAN-dialing scenario to apply to here (this
// client talks to a single local IC instance, not a roaming LAN target).
package httpkit

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nugget/obscore/internal/buildinfo"
)

// Default timeouts and connection pool limits for the shared transport.
const (
	// DefaultDialTimeout is the maximum time to establish a TCP connection,
	// matching spec.md §6's 10s connect timeout for the history fetch.
	DefaultDialTimeout = 10 * time.Second

	DefaultKeepAlive = 30 * time.Second

	DefaultTLSHandshakeTimeout = 10 * time.Second

	DefaultResponseHeader = 15 * time.Second

	DefaultIdleConnTimeout = 90 * time.Second

	DefaultMaxIdleConns = 10

	DefaultMaxIdleConnsPerHost = 5

	// DefaultReadTimeout is the overall request timeout, matching
	// spec.md §6's 30s read timeout for GET /event-history.
	DefaultReadTimeout = 30 * time.Second
)

// ClientOption configures a client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout   time.Duration
	userAgent string
	transport *http.Transport
}

// WithTimeout overrides the overall request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// NewTransport creates an http.Transport with sensible defaults for a
// single long-lived local/LAN target.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
	}
}

// NewClient builds an *http.Client with the shared transport and a
// User-Agent roundtripper.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		timeout:   DefaultReadTimeout,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(cfg)
	}

	t := cfg.transport
	if t == nil {
		t = NewTransport()
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: &userAgentTransport{base: t, ua: cfg.userAgent},
	}
}

// userAgentTransport injects the User-Agent header on every request
// unless one is already set.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose reads up to limit bytes from rc and closes it, returning
// the connection to the pool for reuse.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}
