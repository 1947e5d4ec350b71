// Package normalize turns a raw upstream IC event into a canonical
// [Event] the reducer can consume: a UTC timestamp, a derived category,
// and a stable idempotency key. It never touches timezones again once an
// event leaves this package — that is the one and only edge where zoned
// or naive timestamps get resolved.
package normalize

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Category groups normalized events for the reducer's dispatch.
type Category string

const (
	CategoryGuiding   Category = "guiding"
	CategorySession   Category = "session"
	CategoryEquipment Category = "equipment"
	CategoryImage     Category = "image"
	CategoryStack     Category = "stack"
	CategorySafety    Category = "safety"
	CategoryOther     Category = "other"
)

// ErrMalformedEvent is returned (wrapped) when a raw event is missing a
// kind or carries an unparseable timestamp. Malformed events are logged
// and dropped by the caller; they never reach the reducer.
var ErrMalformedEvent = errors.New("normalize: malformed event")

// Raw is the upstream wire shape. The three field-name variants named in
// spec.md §6 (Event|Type|kind, Time) are folded into Kind/Time by the
// decoder in [DecodeRaw]; Raw itself only carries the already-resolved
// names so the rest of the package has one shape to reason about.
type Raw struct {
	Kind    string
	Time    string // ISO-8601, zoned or naive
	Payload map[string]any
}

// wireFrame is the tolerant on-wire decode target: IC emits any of
// Event/Type/kind for the event name and Time for the timestamp,
// depending on version. Accepting all three mirrors the field-name
// tolerance the teacher's Home Assistant client applies to HA's own
// inconsistent message shapes.
type wireFrame struct {
	Event string         `json:"Event"`
	Type  string         `json:"Type"`
	Kind  string         `json:"kind"`
	Time  string         `json:"Time"`
	Time2 string         `json:"time"`
	Data  map[string]any `json:"Data"`
	Data2 map[string]any `json:"data"`
}

// DecodeRaw parses a JSON frame from the upstream socket into a [Raw]
// event, tolerating the Event|Type|kind and Time|time field-name variants
// spec.md §6 allows. It does not validate the result — that happens in
// [Normalize].
func DecodeRaw(frame []byte) (Raw, error) {
	var w wireFrame
	if err := json.Unmarshal(frame, &w); err != nil {
		return Raw{}, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedEvent, err)
	}

	kind := firstNonEmpty(w.Kind, w.Event, w.Type)
	t := firstNonEmpty(w.Time, w.Time2)
	data := w.Data
	if data == nil {
		data = w.Data2
	}

	return Raw{Kind: kind, Time: t, Payload: data}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Event is the canonical normalized event the reducer consumes.
type Event struct {
	IdempotencyKey string
	TimeUTC        time.Time
	Category       Category
	Kind           string
	Payload        map[string]any
}

// Normalize converts a [Raw] event into a canonical [Event]. loc resolves
// naive (no offset) timestamps; it is the IANA zone configured as IC_TZ.
// Returns a wrapped [ErrMalformedEvent] if Kind is empty or Time cannot be
// parsed.
func Normalize(raw Raw, loc *time.Location) (Event, error) {
	if raw.Kind == "" {
		return Event{}, fmt.Errorf("%w: missing kind", ErrMalformedEvent)
	}
	if raw.Time == "" {
		return Event{}, fmt.Errorf("%w: missing time", ErrMalformedEvent)
	}

	ts, err := parseTime(raw.Time, loc)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	evt := Event{
		TimeUTC:  ts.UTC(),
		Category: categorize(raw.Kind),
		Kind:     raw.Kind,
		Payload:  raw.Payload,
	}
	key, err := idempotencyKey(evt)
	if err != nil {
		return Event{}, fmt.Errorf("%w: hashing payload: %v", ErrMalformedEvent, err)
	}
	evt.IdempotencyKey = key
	return evt, nil
}

// parseTime accepts an offset-bearing RFC3339 string as-is; a naive
// (no-offset) string is interpreted in loc, per spec.md §4.1.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	// Try formats that carry an explicit offset first.
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	// Naive formats: interpret in the configured zone.
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

// categorize derives a [Category] from kind by prefix/suffix, following
// spec.md §4.1's dispatch table, with the equipment suffixes extended by
// -TRACKING, -EXPOSING, -MOVING, -SLEWING and -PARKED.
func categorize(kind string) Category {
	upper := strings.ToUpper(kind)

	switch {
	case strings.HasPrefix(upper, "GUIDER-"):
		return CategoryGuiding
	case strings.HasPrefix(upper, "IMAGE-"):
		return CategoryImage
	case strings.HasPrefix(upper, "STACK-"):
		return CategoryStack
	case strings.HasPrefix(upper, "TS-"),
		strings.HasPrefix(upper, "SEQUENCE-"),
		strings.HasPrefix(upper, "AUTOFOCUS-"):
		return CategorySession
	case strings.HasPrefix(upper, "SAFETY-"),
		upper == "FLAT-LIGHT-TOGGLED",
		upper == "ERROR-PLATESOLVE":
		return CategorySafety
	case strings.HasSuffix(upper, "-CONNECTED"),
		strings.HasSuffix(upper, "-DISCONNECTED"),
		strings.HasSuffix(upper, "-CHANGED"),
		strings.HasSuffix(upper, "-MOVED"),
		strings.HasSuffix(upper, "-HOMED"),
		strings.HasSuffix(upper, "-TRACKING"),
		strings.HasSuffix(upper, "-EXPOSING"),
		strings.HasSuffix(upper, "-MOVING"),
		strings.HasSuffix(upper, "-SLEWING"),
		strings.HasSuffix(upper, "-PARKED"):
		return CategoryEquipment
	default:
		return CategoryOther
	}
}

// idempotencyKey hashes kind|timeUTC|canonical-payload with blake2b-256.
// The payload is marshaled with sorted map keys so that two JSON objects
// differing only in key order hash identically.
func idempotencyKey(evt Event) (string, error) {
	canon, err := canonicalJSON(evt.Payload)
	if err != nil {
		return "", err
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(h, "%s|%d|", evt.Kind, evt.TimeUTC.UnixNano())
	h.Write(canon)
	sum := h.Sum(nil)
	return fmt.Sprintf("%x", sum), nil
}

// canonicalJSON marshals v with map keys sorted so equivalent payloads
// always produce the same byte sequence. encoding/json already sorts
// map[string]any keys during Marshal; this helper exists to make that
// guarantee explicit and to centralize the one spot payload hashing
// touches encoding.
func canonicalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]any, len(v))
	for _, k := range keys {
		ordered[k] = v[k]
	}
	return json.Marshal(ordered)
}

// EqualKey reports whether two idempotency keys match in constant time.
// The reducer's duplicate short-circuit does not call it; it looks keys
// up in its own set.
func EqualKey(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
