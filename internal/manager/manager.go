// Package manager owns the single authoritative UnifiedState. It is the
// only component that calls obsstate.Reduce, serializing every apply
// through one mutex so reducer transitions stay totally ordered, and it
// bridges that single stream of deltas out to any number of subscribers
// without letting a slow subscriber back up the writer — the same
// non-blocking-publish shape as the teacher's events.Bus, adapted from a
// channel-subscribe idiom to the callback-subscribe contract this system
// needs.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/obscore/internal/normalize"
	"github.com/nugget/obscore/internal/obsstate"
	"github.com/nugget/obscore/internal/seed"
	"github.com/nugget/obscore/internal/store"
)

// ErrSeederUnavailable is returned by Reset when IC history is
// unreachable and there is no persisted state to fall back to.
var ErrSeederUnavailable = errors.New("manager: seeder unavailable and no persisted state")

// Update is delivered to every subscriber after each apply: the delta
// that was just produced, and a defensive copy of the resulting state.
type Update struct {
	Delta obsstate.Delta
	State obsstate.State
}

// SubscriberFunc receives updates in the order the writer produced them.
type SubscriberFunc func(Update)

// subscriberBufSize is the per-subscriber channel depth the forwarding
// goroutine drains from; a full channel means a slow subscriber, so the
// update is dropped for it rather than blocking Apply.
const subscriberBufSize = 64

// Manager is the single writer for UnifiedState.
type Manager struct {
	mu    sync.Mutex
	state obsstate.State

	st     *store.Store
	seeder *seed.Seeder
	expiry time.Duration
	logger *slog.Logger

	subMu sync.RWMutex
	subs  map[chan Update]context.CancelFunc
}

// New constructs a Manager with the given initial state (typically the
// result of seeding at startup).
func New(initial obsstate.State, st *store.Store, seeder *seed.Seeder, targetExpiry time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		state:  initial,
		st:     st,
		seeder: seeder,
		expiry: targetExpiry,
		logger: logger,
		subs:   make(map[chan Update]context.CancelFunc),
	}
}

// Apply normalizes nothing itself (the caller already normalized evt via
// C1); it reduces evt against the current state, persists the event and
// the resulting state, and publishes the update to subscribers. Calls
// are mutually exclusive, so reducer transitions are totally ordered.
func (m *Manager) Apply(evt normalize.Event) Update {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	newState, delta := obsstate.Reduce(m.state, evt, now)
	m.state = newState

	m.persist(evt, newState)

	update := Update{Delta: delta, State: newState.Clone()}
	m.publish(update)
	return update
}

// Housekeep runs obsstate.Housekeep against the current state (clearing
// a stale target past expiry) and, if it produced a change, persists and
// publishes it exactly like Apply does.
func (m *Manager) Housekeep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newState, delta := obsstate.Housekeep(m.state, now, m.expiry)
	if delta == nil {
		return
	}
	m.state = newState
	m.persistState(newState)

	update := Update{Delta: *delta, State: newState.Clone()}
	m.publish(update)
}

// SetUpstreamStatus records the upstream reachability watcher's current
// reachable/unreachable signal into UnifiedState.Meta.Upstream and
// publishes the change, per spec.md §7's UpstreamUnreachable row
// ("mark meta.upstream=\"degraded\" in state") — a no-op if the state
// already reflects the requested status.
func (m *Manager) SetUpstreamStatus(degraded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := ""
	if degraded {
		want = "degraded"
	}
	if m.state.Meta.Upstream == want {
		return
	}
	m.state.Meta.Upstream = want
	m.persistState(m.state)

	reason := "upstream-recovered"
	if degraded {
		reason = "upstream-degraded"
	}
	update := Update{Delta: obsstate.Delta{Path: obsstate.DeltaMeta, Reason: reason}, State: m.state.Clone()}
	m.publish(update)
}

func (m *Manager) persist(evt normalize.Event, newState obsstate.State) {
	if m.st == nil {
		return
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		m.logger.Warn("failed to marshal event for persistence", "error", err)
	} else if err := m.st.AppendEvent(evt.Kind, evt.TimeUTC, string(raw)); err != nil {
		m.logger.Warn("failed to persist event", "error", err)
	}
	m.persistState(newState)
}

func (m *Manager) persistState(newState obsstate.State) {
	if m.st == nil {
		return
	}
	stateJSON, err := json.Marshal(newState)
	if err != nil {
		m.logger.Warn("failed to marshal state for persistence", "error", err)
		return
	}
	if err := m.st.SaveState(string(stateJSON)); err != nil {
		m.logger.Warn("failed to persist state", "error", err)
	}
}

// GetState returns an immutable snapshot of the current state, safe to
// serialize concurrently with further Apply calls.
func (m *Manager) GetState() obsstate.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Subscribe registers fn to be invoked for every future update, in
// order, on its own forwarding goroutine. The returned unsubscribe
// closure stops delivery and releases the subscription; it is
// idempotent and safe to call more than once.
func (m *Manager) Subscribe(fn SubscriberFunc) (unsubscribe func()) {
	ch := make(chan Update, subscriberBufSize)
	ctx, cancel := context.WithCancel(context.Background())

	m.subMu.Lock()
	m.subs[ch] = cancel
	m.subMu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-ch:
				if !ok {
					return
				}
				fn(u)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			if c, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				c()
				close(ch)
			}
			m.subMu.Unlock()
		})
	}
}

// publish fans update out to every subscriber's channel without
// blocking; a subscriber whose channel is full misses this update
// rather than stalling the writer.
func (m *Manager) publish(update Update) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- update:
		default:
			m.logger.Warn("subscriber channel full, dropping update", "path", update.Delta.Path)
		}
	}
}

// Reset clears in-memory and persisted state, then re-seeds from IC
// history. Fails with ErrSeederUnavailable if the history fetch fails,
// since Reset has already truncated the store and an unseeded empty
// state would silently discard everything with no way back.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st != nil {
		if err := m.st.Reset(); err != nil {
			return fmt.Errorf("manager: reset store: %w", err)
		}
	}

	if m.seeder == nil {
		m.state = obsstate.Empty()
		m.persistState(m.state)
		update := Update{Delta: obsstate.Delta{Path: obsstate.DeltaFullSync, Reason: "reset"}, State: m.state.Clone()}
		m.publish(update)
		return nil
	}

	newState, result := m.seeder.Run(ctx, obsstate.Empty())
	if result.FetchFailed {
		return ErrSeederUnavailable
	}

	m.state = newState
	m.persistState(newState)

	update := Update{Delta: obsstate.Delta{Path: obsstate.DeltaFullSync, Reason: "reset"}, State: newState.Clone()}
	m.publish(update)
	return nil
}
