package obsstate

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/obscore/internal/normalize"
)

// DeltaPath names the state subtree a [Delta] touched, per spec.md §4.7's
// message envelope `updateKind`.
type DeltaPath string

const (
	DeltaFullSync  DeltaPath = "fullSync"
	DeltaSession   DeltaPath = "session"
	DeltaEquipment DeltaPath = "equipment"
	DeltaImage     DeltaPath = "image"
	DeltaStack     DeltaPath = "stack"
	DeltaSafety    DeltaPath = "safety"
	DeltaEvents    DeltaPath = "events"
	DeltaMeta      DeltaPath = "meta"
)

// Delta describes what changed in a single [Reduce] call.
type Delta struct {
	Path    DeltaPath
	Reason  string
	Summary string
	Meta    map[string]any
}

// RecentEventsCap bounds the in-state recent-events ring (spec.md §3: N=50).
const RecentEventsCap = 50

// SeenCap bounds the idempotency key set, evicted FIFO once exceeded. Set
// to match store.RingCap, the persisted event ring's size, since a replay
// can never need to dedupe against a key older than what the ring (and
// thus a seeder re-fetch) could possibly resupply.
const SeenCap = 500

// TargetExpiry is the default staleness window for the target-expiry
// safeguard (spec.md §4.2, §9: configurable, empirically 8h).
const TargetExpiry = 8 * time.Hour

// Reduce is the pure, total reducer: `(state, event) -> (state', delta)`.
// It never reads the wall clock. The now parameter is accepted but not
// read; target expiry is handled separately by [Housekeep]. Callers that
// merely fold a live or historical event stream can pass the event's own
// TimeUTC as now.
func Reduce(s State, evt normalize.Event, now time.Time) (State, Delta) {
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}

	// Idempotency short-circuit: an event already folded (e.g. a seeder
	// replay racing a live arrival) updates nothing. spec.md §9.
	if _, dup := s.seen[evt.IdempotencyKey]; dup {
		return s, Delta{Path: DeltaEvents, Reason: "duplicate-event"}
	}
	s.seen[evt.IdempotencyKey] = struct{}{}
	s.seenOrder = append(s.seenOrder, evt.IdempotencyKey)
	if len(s.seenOrder) > SeenCap {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, oldest)
	}

	if evt.TimeUTC.After(s.watermark) {
		s.watermark = evt.TimeUTC
	}
	// isLive: the event is not older than the current watermark. A
	// chronologically-earlier event arriving late (replay racing live
	// traffic) still updates history/ring but must not regress
	// "latest change" projections (spec.md §4.2, §8).
	isLive := !evt.TimeUTC.Before(s.watermark)

	var delta Delta
	switch evt.Category {
	case normalize.CategorySession:
		s, delta = reduceSession(s, evt, isLive)
	case normalize.CategoryEquipment:
		s, delta = reduceEquipment(s, evt, isLive)
	case normalize.CategoryGuiding:
		s, delta = reduceGuiding(s, evt, isLive)
	case normalize.CategoryImage:
		s, delta = reduceImage(s, evt, isLive)
	case normalize.CategoryStack:
		s, delta = reduceStack(s, evt)
	case normalize.CategorySafety:
		s, delta = reduceSafety(s, evt)
	default:
		delta = Delta{Path: DeltaEvents, Reason: "other-event"}
	}

	s = pushRecentEvent(s, evt, delta)
	return s, delta
}

// Housekeep runs the periodic checks that need wall-clock time: the
// 8-hour target-expiry safeguard. It is not part of Reduce because
// spec.md requires the reducer proper to be clock-free; the orchestrator
// calls Housekeep on a ticker, passing the real now.
func Housekeep(s State, now time.Time, expiry time.Duration) (State, *Delta) {
	if expiry <= 0 {
		expiry = TargetExpiry
	}
	if !s.CurrentSession.Target.Set {
		return s, nil
	}
	if now.Sub(s.CurrentSession.Target.StartedAt) <= expiry {
		return s, nil
	}

	s.CurrentSession.Target = Target{}
	s.CurrentSession.IsActive = False
	d := Delta{Path: DeltaSession, Reason: "target-expired", Summary: "target cleared: stale stream"}
	return s, &d
}

// --- session category (TS-*, SEQUENCE-*, AUTOFOCUS-*) ---

func reduceSession(s State, evt normalize.Event, isLive bool) (State, Delta) {
	upper := strings.ToUpper(evt.Kind)

	switch {
	case upper == "SEQUENCE-STARTING", upper == "TS-NEWTARGETSTART" && s.CurrentSession.IsActive != True, upper == "TS-TARGETSTART" && s.CurrentSession.IsActive != True:
		if s.CurrentSession.IsActive != True {
			s.CurrentSession.IsActive = True
			s.CurrentSession.StartedAt = evt.TimeUTC
		}
	}

	switch upper {
	case "SEQUENCE-STARTING":
		return s, Delta{Path: DeltaSession, Reason: "session-started", Summary: "sequence starting"}

	case "SEQUENCE-STOPPED", "SEQUENCE-COMPLETED", "SEQUENCE-FINISHED":
		s.CurrentSession.IsActive = False
		return s, Delta{Path: DeltaSession, Reason: "session-ended", Summary: "sequence finished"}

	case "TS-NEWTARGETSTART", "TS-TARGETSTART":
		s.CurrentSession.Target = buildTarget(evt)
		return s, Delta{Path: DeltaSession, Reason: "target-changed", Summary: fmt.Sprintf("target changed to %s", s.CurrentSession.Target.TargetName)}

	case "AUTOFOCUS-START":
		s.autofocusActive = true
		return s, Delta{Path: DeltaSession, Reason: "autofocus-started", Summary: "autofocus running"}

	case "AUTOFOCUS-FINISHED":
		s.autofocusActive = false
		return s, Delta{Path: DeltaSession, Reason: "autofocus-finished", Summary: "autofocus complete"}

	default:
		return s, Delta{Path: DeltaSession, Reason: "session-event", Summary: evt.Kind}
	}
}

func buildTarget(evt normalize.Event) Target {
	t := Target{Set: true, StartedAt: evt.TimeUTC, Details: evt.Payload}

	if v, ok := evt.Payload["projectName"].(string); ok {
		t.ProjectName = v
	}
	if v, ok := evt.Payload["targetName"].(string); ok {
		t.TargetName = v
	}
	if v, ok := numberField(evt.Payload, "raDeg"); ok {
		t.RADeg = v
	}
	if v, ok := numberField(evt.Payload, "decDeg"); ok {
		t.DecDeg = v
	}
	if v, ok := numberField(evt.Payload, "panelIndex"); ok {
		t.PanelIndex = int(v)
	}
	if v, ok := numberField(evt.Payload, "rotationDeg"); ok {
		t.RotationDeg = v
	}
	return t
}

func numberField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// --- equipment category (<DEV>-CONNECTED|DISCONNECTED|CHANGED|...) ---

func reduceEquipment(s State, evt normalize.Event, isLive bool) (State, Delta) {
	typ, sub := splitEquipmentKind(evt.Kind)
	id := stringField(evt.Payload, "id")
	if id == "" {
		id = string(typ) // fall back to a per-type singleton when IC omits an id
	}

	idx := s.equipmentIndex(typ, id)
	var entry Equipment
	if idx >= 0 {
		entry = s.Equipment[idx]
	} else {
		entry = Equipment{ID: id, Type: typ}
	}

	name := stringField(evt.Payload, "name")
	if name != "" {
		entry.Name = name
	}
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}
	for k, v := range evt.Payload {
		entry.Details[k] = v
	}

	reason := "equipment-changed"
	switch sub {
	case "CONNECTED":
		entry.Connected = true
		reason = "equipment-connected"
	case "DISCONNECTED":
		entry.Connected = false
		entry.Status = "disconnected"
		reason = "equipment-disconnected"
	case "EXPOSING":
		entry.Status = "exposing"
	case "TRACKING":
		entry.Status = "tracking"
	case "SLEWING":
		entry.Status = "slewing"
	case "HOMED":
		entry.Status = "parked"
	case "MOVING":
		entry.Status = "moving"
	case "CHANGED":
		entry.Status = "changing"
	}

	// lastChange always advances for an event the watermark says is live;
	// a late historical arrival still merges Details but must not regress
	// the timestamp used for "latest change" projections (spec.md §4.2).
	if isLive || entry.LastChange.IsZero() {
		entry.LastChange = evt.TimeUTC
	}

	if idx >= 0 {
		s.Equipment[idx] = entry
	} else {
		s.Equipment = append(s.Equipment, entry)
	}

	if typ == EquipMount && isLive {
		if sub == "SLEWING" || sub == "HOMED" {
			s.lastMountKind = fmt.Sprintf("MOUNT-%s", sub)
		} else if sub == "TRACKING" || sub == "CONNECTED" {
			s.lastMountKind = ""
		}
	}
	if typ == EquipRotator && isLive {
		if sub == "MOVING" {
			s.lastRotatorKind = evt.Kind
		} else {
			s.lastRotatorKind = ""
		}
	}

	// FILTERWHEEL-CHANGED also updates imaging.currentFilter, even on a
	// no-op change (same filter), which still refreshes lastChange above
	// (spec.md §4.2).
	if typ == EquipFilterWheel && sub == "CHANGED" {
		if f := stringField(evt.Payload, "filter"); f != "" {
			s.CurrentSession.Imaging.CurrentFilter = f
		}
	}

	return s, Delta{
		Path:    DeltaEquipment,
		Reason:  reason,
		Summary: fmt.Sprintf("%s %s: %s", typ, id, reason),
		Meta:    map[string]any{"type": string(typ), "id": id},
	}
}

// splitEquipmentKind splits a kind like "FOCUSER-DISCONNECTED" into
// (EquipFocuser, "DISCONNECTED").
func splitEquipmentKind(kind string) (EquipmentType, string) {
	upper := strings.ToUpper(kind)
	idx := strings.LastIndex(upper, "-")
	if idx < 0 {
		return EquipmentType(strings.ToLower(upper)), ""
	}
	devicePart, sub := upper[:idx], upper[idx+1:]
	return equipmentTypeFromDevice(devicePart), sub
}

func equipmentTypeFromDevice(device string) EquipmentType {
	switch device {
	case "MOUNT":
		return EquipMount
	case "CAMERA":
		return EquipCamera
	case "FILTERWHEEL":
		return EquipFilterWheel
	case "FOCUSER":
		return EquipFocuser
	case "GUIDER":
		return EquipGuider
	case "ROTATOR":
		return EquipRotator
	case "SWITCH":
		return EquipSwitch
	case "FLATPANEL", "FLAT":
		return EquipFlatPanel
	case "WEATHER":
		return EquipWeather
	case "DOME":
		return EquipDome
	case "SAFETYMONITOR", "SAFETY":
		return EquipSafetyMonitor
	default:
		return EquipmentType(strings.ToLower(device))
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// --- guiding category (GUIDER-*) ---

func reduceGuiding(s State, evt normalize.Event, isLive bool) (State, Delta) {
	upper := strings.ToUpper(evt.Kind)

	switch upper {
	case "GUIDER-START":
		s.CurrentSession.Guiding.IsGuiding = true
		s.CurrentSession.Guiding.Since = evt.TimeUTC
		s.clearPlatesolveAlert()
		return s, Delta{Path: DeltaSession, Reason: "guiding-started", Summary: "guiding started"}

	case "GUIDER-STOP", "GUIDER-DISCONNECTED":
		s.CurrentSession.Guiding.IsGuiding = false
		return s, Delta{Path: DeltaSession, Reason: "guiding-stopped", Summary: "guiding stopped"}

	case "GUIDER-RMS":
		if v, ok := numberField(evt.Payload, "total"); ok {
			s.CurrentSession.Guiding.LastRmsTotal = v
		}
		if v, ok := numberField(evt.Payload, "ra"); ok {
			s.CurrentSession.Guiding.LastRmsRa = v
		}
		if v, ok := numberField(evt.Payload, "dec"); ok {
			s.CurrentSession.Guiding.LastRmsDec = v
		}
		s.CurrentSession.Guiding.LastUpdate = evt.TimeUTC
		return s, Delta{Path: DeltaSession, Reason: "guiding-rms", Summary: "guiding RMS updated"}

	default:
		return s, Delta{Path: DeltaSession, Reason: "guiding-event", Summary: evt.Kind}
	}
}

// --- image category (IMAGE-*) ---

func reduceImage(s State, evt normalize.Event, isLive bool) (State, Delta) {
	upper := strings.ToUpper(evt.Kind)
	if upper != "IMAGE-SAVE" {
		return s, Delta{Path: DeltaImage, Reason: "image-event", Summary: evt.Kind}
	}

	path := stringField(evt.Payload, "filePath")
	last := s.CurrentSession.Imaging.LastImage
	// imaging.lastImage.at is monotonically non-decreasing within a
	// session (spec.md §3 invariant): a late/out-of-order save never
	// rewinds the recorded time.
	at := evt.TimeUTC
	if last != nil && last.At.After(at) {
		at = last.At
	}
	s.CurrentSession.Imaging.LastImage = &LastImage{At: at, FilePath: path}

	if frameType := stringField(evt.Payload, "frameType"); strings.EqualFold(frameType, string(FrameLight)) {
		s.clearPlatesolveAlert()
	}

	meta := map[string]any{}
	for _, k := range []string{"hfr", "stars", "temperature", "exposure", "filter", "frameType"} {
		if v, ok := evt.Payload[k]; ok {
			meta[k] = v
		}
	}

	return s, Delta{Path: DeltaImage, Reason: "image-saved", Summary: fmt.Sprintf("image saved: %s", path), Meta: meta}
}

// --- stack category (STACK-*) ---

func reduceStack(s State, evt normalize.Event) (State, Delta) {
	return s, Delta{Path: DeltaStack, Reason: "stack-updated", Summary: "stack updated"}
}

// --- safety category (SAFETY-*, FLAT-LIGHT-TOGGLED, ERROR-PLATESOLVE) ---

func reduceSafety(s State, evt normalize.Event) (State, Delta) {
	upper := strings.ToUpper(evt.Kind)

	switch upper {
	case "SAFETY-CHANGED":
		s.Safety.LastCheck = evt.TimeUTC
		s.Safety.Details = evt.Payload
		if v, ok := evt.Payload["isSafe"].(bool); ok {
			if v {
				s.Safety.IsSafe = True
			} else {
				s.Safety.IsSafe = False
			}
		}
		return s, Delta{Path: DeltaSafety, Reason: "safety-changed", Summary: "safety status changed"}

	case "ERROR-PLATESOLVE":
		s.Safety.Alerts = append(s.Safety.Alerts, SafetyAlert{
			Kind:     "platesolve-error",
			RaisedAt: evt.TimeUTC,
			Message:  "plate solve failed",
		})
		return s, Delta{Path: DeltaSafety, Reason: "platesolve-error", Summary: "plate solve error"}

	case "FLAT-LIGHT-TOGGLED":
		return s, Delta{Path: DeltaSafety, Reason: "flat-light-toggled", Summary: "flat panel light toggled"}

	default:
		return s, Delta{Path: DeltaSafety, Reason: "safety-event", Summary: evt.Kind}
	}
}

// clearPlatesolveAlert drops any sticky platesolve alert, called on the
// next successful LIGHT-frame save or guiding start (spec.md §4.2).
func (s *State) clearPlatesolveAlert() {
	if len(s.Safety.Alerts) == 0 {
		return
	}
	kept := s.Safety.Alerts[:0]
	for _, a := range s.Safety.Alerts {
		if a.Kind != "platesolve-error" {
			kept = append(kept, a)
		}
	}
	s.Safety.Alerts = kept
}

// pushRecentEvent prepends evt to the in-state ring and truncates to
// RecentEventsCap, newest-first (spec.md §3, §4.2, §8).
func pushRecentEvent(s State, evt normalize.Event, delta Delta) State {
	re := RecentEvent{
		Time:    evt.TimeUTC,
		Type:    evt.Kind,
		Summary: delta.Summary,
		Meta:    delta.Meta,
	}
	s.RecentEvents = append([]RecentEvent{re}, s.RecentEvents...)
	if len(s.RecentEvents) > RecentEventsCap {
		s.RecentEvents = s.RecentEvents[:RecentEventsCap]
	}
	return s
}
