// Package reachability watches a single upstream HTTP endpoint's health,
// independent of the upstream WebSocket client's own liveness tracking.
// It exists to drive `meta.upstream = "degraded"` without tearing down the
// WebSocket connection: the two signals are deliberately separate (SPEC_FULL
// §8, "Supplemented property").
//
// Narrowed from the teacher's connwatch.Manager, which watches several
// named services at once; this system names exactly one upstream, so the
// multi-service registry collapses to a single Watcher.
package reachability

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether IC is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls the startup retry schedule and background poll cadence.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoff mirrors the teacher's connwatch defaults: 2s startup
// delay doubling to a 60s cap over 10 attempts, then 60s background polls.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// Config configures a Watcher.
type Config struct {
	Probe   ProbeFunc
	Backoff Backoff
	// OnReady/OnDown fire on a ready/not-ready transition, in their own
	// goroutine. OnDown also fires once when every startup attempt has
	// failed. Either may be nil.
	OnReady func()
	OnDown  func(err error)
	Logger  *slog.Logger
}

// Status is the current reachability snapshot, safe to expose on /healthz.
type Status struct {
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"lastCheck"`
	LastError string    `json:"lastError,omitempty"`
}

// Watcher tracks IC's HTTP reachability in a background goroutine.
type Watcher struct {
	cfg    Config
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Watch applies defaults to zero-value Backoff fields and starts a
// Watcher running until ctx is cancelled or Stop is called.
func Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Probe == nil {
		panic("reachability: Config.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := DefaultBackoff()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = d.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = d.MaxDelay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = d.Multiplier
	}
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = d.MaxRetries
	}
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = d.PollInterval
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = d.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{cfg: cfg, cancel: cancel, done: make(chan struct{})}
	go w.run(watchCtx)
	return w
}

// IsReady reports whether IC was reachable as of the last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current reachability snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Ready: w.ready.Load(), LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.cfg.Backoff
	logger := w.cfg.Logger
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.recordResult(err)

		if err == nil {
			w.ready.Store(true)
			logger.Info("upstream reachable", "after_attempts", attempt)
			if w.cfg.OnReady != nil {
				go w.cfg.OnReady()
			}
			break
		}

		if attempt == cfg.MaxRetries {
			logger.Info("upstream unreachable at startup, entering background polling",
				"attempts", attempt, "error", err)
			if w.cfg.OnDown != nil {
				go w.cfg.OnDown(err)
			}
			break
		}

		logger.Debug("upstream probe failed, retrying",
			"attempt", attempt, "next_delay", delay.String(), "error", err)

		if !sleepCtx(ctx, delay) {
			return
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			w.recordResult(err)
			wasReady := w.ready.Load()

			switch {
			case wasReady && err != nil:
				w.ready.Store(false)
				logger.Info("upstream became unreachable", "error", err)
				if w.cfg.OnDown != nil {
					go w.cfg.OnDown(err)
				}
			case !wasReady && err == nil:
				w.ready.Store(true)
				logger.Info("upstream recovered")
				if w.cfg.OnReady != nil {
					go w.cfg.OnReady()
				}
			}
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	timeout := w.cfg.Backoff.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return w.cfg.Probe(probeCtx)
}

func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
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
