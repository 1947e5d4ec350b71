// Package seed fetches IC's event history on startup and replays it
// through the normalizer and reducer before the live upstream client
// begins consuming events, so the aggregator comes up warm instead of
// empty after a restart.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/obscore/internal/httpkit"
	"github.com/nugget/obscore/internal/normalize"
	"github.com/nugget/obscore/internal/obsstate"
)

// DefaultMaxBytes bounds the history response body, mirroring the
// fetcher's body-size guard in the teacher's httpkit-based clients.
const DefaultMaxBytes int64 = 32 * 1024 * 1024

// rawEvent is the on-wire shape of a single /event-history entry. It
// reuses the same tolerant field names normalize.DecodeRaw accepts.
type rawEvent struct {
	Event string         `json:"Event"`
	Type  string         `json:"Type"`
	Kind  string         `json:"kind"`
	Time  string         `json:"Time"`
	Time2 string         `json:"time"`
	Data  map[string]any `json:"Data"`
	Data2 map[string]any `json:"data"`
}

// Result summarizes what a Run call accomplished, for the startup log
// line spec.md §4.5 requires.
type Result struct {
	EventsProcessed int
	IsActive        bool
	TargetName      string
	FetchFailed     bool
}

// Seeder fetches and replays IC's event history into a fresh State.
type Seeder struct {
	client     *http.Client
	historyURL string
	location   *time.Location
	logger     *slog.Logger
}

// New constructs a Seeder.
func New(historyURL string, location *time.Location, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{
		client:     httpkit.NewClient(httpkit.WithTimeout(httpkit.DefaultReadTimeout)),
		historyURL: historyURL,
		location:   location,
		logger:     logger,
	}
}

// Run fetches history, folds every event it can normalize through
// reducer in arrival order, and returns the resulting state alongside a
// Result summary. If the fetch fails, it returns fallback unchanged with
// Result.FetchFailed set — callers should proceed with whatever
// store.LoadState() already returned rather than treating this as fatal.
func (s *Seeder) Run(ctx context.Context, fallback obsstate.State) (obsstate.State, Result) {
	raws, err := s.fetchHistory(ctx)
	if err != nil {
		s.logger.Warn("event history fetch failed, continuing with persisted state", "error", err)
		return fallback, Result{FetchFailed: true}
	}

	state := fallback
	processed := 0
	now := time.Now()

	for _, re := range raws {
		kind := firstNonEmpty(re.Kind, re.Event, re.Type)
		tstr := firstNonEmpty(re.Time, re.Time2)
		data := re.Data
		if data == nil {
			data = re.Data2
		}

		evt, err := normalize.Normalize(normalize.Raw{Kind: kind, Time: tstr, Payload: data}, s.location)
		if err != nil {
			s.logger.Debug("dropping malformed history event", "error", err)
			continue
		}

		var delta obsstate.Delta
		state, delta = obsstate.Reduce(state, evt, now)
		_ = delta
		processed++
	}

	result := Result{
		EventsProcessed: processed,
		IsActive:        state.CurrentSession.IsActive == obsstate.True,
		TargetName:      state.CurrentSession.Target.TargetName,
	}

	s.logger.Info("seeded state from event history",
		"events_processed", result.EventsProcessed,
		"session_active", result.IsActive,
		"target", result.TargetName,
	)

	return state, result
}

func (s *Seeder) fetchHistory(ctx context.Context) ([]rawEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.historyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("seed: build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("seed: fetch history: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, DefaultMaxBytes)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("seed: history endpoint returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("seed: read history body: %w", err)
	}

	return decodeHistory(body)
}

// decodeHistory accepts IC's documented `{"Response": [...]}` envelope,
// falling back to a bare array for leniency.
func decodeHistory(body []byte) ([]rawEvent, error) {
	var envelope struct {
		Response []rawEvent `json:"Response"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Response != nil {
		return envelope.Response, nil
	}

	var raws []rawEvent
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("seed: decode history JSON: %w", err)
	}
	return raws, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
