package obsstate

import (
	"encoding/json"
	"time"
)

// wireState is State's on-wire shape: the public fields verbatim, plus
// the reducer's private bookkeeping under an underscore-prefixed name so
// a persisted state survives a restart with its watermark, dedup set and
// activity-classification flags intact (spec.md §8: "loadState(saveState(s))
// == s"). Browser clients only ever see [State] marshaled through the
// fan-out envelope, which uses the same MarshalJSON — the leading
// underscore keys are there for the store round-trip, not for display,
// matching the teacher's practice of giving persistence-only fields an
// unexported Go name and a deliberately unlovely wire name.
type wireState struct {
	CurrentSession Session       `json:"currentSession"`
	Equipment      []Equipment   `json:"equipment"`
	RecentEvents   []RecentEvent `json:"recentEvents"`
	Safety         Safety        `json:"safety"`
	Meta           Meta          `json:"meta"`

	Watermark       time.Time `json:"_watermark"`
	Seen            []string  `json:"_seen"` // oldest-first, mirrors seenOrder
	AutofocusActive bool      `json:"_autofocusActive"`
	LastMountKind   string    `json:"_lastMountKind"`
	LastRotatorKind string    `json:"_lastRotatorKind"`
}

// MarshalJSON serializes the full state including reducer bookkeeping,
// used by internal/store.SaveState and internal/fanout's envelope.
func (s State) MarshalJSON() ([]byte, error) {
	w := wireState{
		CurrentSession:  s.CurrentSession,
		Equipment:       s.Equipment,
		RecentEvents:    s.RecentEvents,
		Safety:          s.Safety,
		Meta:            s.Meta,
		Watermark:       s.watermark,
		AutofocusActive: s.autofocusActive,
		LastMountKind:   s.lastMountKind,
		LastRotatorKind: s.lastRotatorKind,
	}
	w.Seen = append([]string(nil), s.seenOrder...)
	return json.Marshal(w)
}

// UnmarshalJSON restores a state previously produced by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.CurrentSession = w.CurrentSession
	s.Equipment = w.Equipment
	s.RecentEvents = w.RecentEvents
	s.Safety = w.Safety
	s.Meta = w.Meta
	s.watermark = w.Watermark
	s.autofocusActive = w.AutofocusActive
	s.lastMountKind = w.LastMountKind
	s.lastRotatorKind = w.LastRotatorKind
	s.seen = make(map[string]struct{}, len(w.Seen))
	s.seenOrder = append([]string(nil), w.Seen...)
	for _, k := range w.Seen {
		s.seen[k] = struct{}{}
	}
	return nil
}
