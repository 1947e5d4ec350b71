package reachability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWatch_BecomesReadyOnSuccessfulProbe(t *testing.T) {
	var onReadyCalled atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := Watch(ctx, Config{
		Probe: func(context.Context) error { return nil },
		Backoff: Backoff{
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   2,
			MaxRetries:   1,
			PollInterval: 50 * time.Millisecond,
			ProbeTimeout: 50 * time.Millisecond,
		},
		OnReady: func() { onReadyCalled.Store(true) },
	})
	defer w.Stop()

	waitFor(t, time.Second, w.IsReady)
	waitFor(t, time.Second, onReadyCalled.Load)

	status := w.Status()
	if !status.Ready {
		t.Error("expected Status().Ready = true")
	}
	if status.LastError != "" {
		t.Errorf("LastError = %q, want empty", status.LastError)
	}
}

func TestWatch_RetriesThenEntersBackgroundPolling(t *testing.T) {
	var attempts atomic.Int32
	probeErr := errors.New("connection refused")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := Watch(ctx, Config{
		Probe: func(context.Context) error {
			attempts.Add(1)
			return probeErr
		},
		Backoff: Backoff{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
			MaxRetries:   3,
			PollInterval: 10 * time.Millisecond,
			ProbeTimeout: 50 * time.Millisecond,
		},
	})
	defer w.Stop()

	waitFor(t, time.Second, func() bool { return attempts.Load() >= 3 })

	if w.IsReady() {
		t.Error("expected IsReady() = false after every probe fails")
	}
	status := w.Status()
	if status.LastError == "" {
		t.Error("expected Status().LastError to be populated")
	}

	// Background polling continues past MaxRetries attempts.
	waitFor(t, time.Second, func() bool { return attempts.Load() > 3 })
}

func TestWatch_RecoversAfterBackgroundPoll(t *testing.T) {
	var failFirst atomic.Bool
	failFirst.Store(true)
	var onDownCalled, onReadyCalled atomic.Bool

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := Watch(ctx, Config{
		Probe: func(context.Context) error {
			if failFirst.Load() {
				return errors.New("down")
			}
			return nil
		},
		Backoff: Backoff{
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   2,
			MaxRetries:   1,
			PollInterval: 5 * time.Millisecond,
			ProbeTimeout: 50 * time.Millisecond,
		},
		OnDown:  func(error) { onDownCalled.Store(true) },
		OnReady: func() { onReadyCalled.Store(true) },
	})
	defer w.Stop()

	waitFor(t, time.Second, func() bool { return !w.IsReady() })

	failFirst.Store(false)
	waitFor(t, time.Second, w.IsReady)
	waitFor(t, time.Second, onReadyCalled.Load)
}

func TestStop_HaltsBackgroundPolling(t *testing.T) {
	var attempts atomic.Int32

	w := Watch(context.Background(), Config{
		Probe: func(context.Context) error {
			attempts.Add(1)
			return nil
		},
		Backoff: Backoff{
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   2,
			MaxRetries:   1,
			PollInterval: 5 * time.Millisecond,
			ProbeTimeout: 50 * time.Millisecond,
		},
	})

	waitFor(t, time.Second, w.IsReady)
	w.Stop()

	afterStop := attempts.Load()
	time.Sleep(50 * time.Millisecond)
	if attempts.Load() > afterStop+1 {
		t.Errorf("probe kept running after Stop: %d attempts after stop vs %d at stop", attempts.Load(), afterStop)
	}
}

func TestWatch_PanicsWithoutProbe(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic when Config.Probe is nil")
		}
	}()
	Watch(context.Background(), Config{})
}
