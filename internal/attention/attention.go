// Package attention implements the attention tracker (spec component
// C6): it aggregates per-(sensor, attribute, observer) view/hover/focus
// signals, pin state, and battery reports into a coarse per-sensor
// attention level, and publishes changes on the bus.
package attention

import (
	"sync"
	"time"

	"github.com/nugget/sensorhub/internal/bus"
)

// Level is the derived attention level for a sensor.
type Level string

const (
	LevelNone   Level = "none"
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Battery is the observer-reported battery state, used to downgrade the
// attention level under low-power conditions.
type Battery string

const (
	BatteryNormal   Battery = "normal"
	BatteryLow      Battery = "low"
	BatteryCritical Battery = "critical"
)

// EvictAfter is the idle window after which an observer record with no
// active signals and no heartbeat is evicted (spec.md §3: >= 60s).
const EvictAfter = 60 * time.Second

// observerKey identifies a single AttentionRecord.
type observerKey struct {
	sensorID   string
	observerID string
}

// record is the per-(sensor_id, observer_id) AttentionRecord.
type record struct {
	views   map[string]struct{}
	hovers  map[string]struct{}
	focuses map[string]struct{}
	pinned  bool
	battery Battery
	lastHB  time.Time
}

func newRecord() *record {
	return &record{
		views:   make(map[string]struct{}),
		hovers:  make(map[string]struct{}),
		focuses: make(map[string]struct{}),
		battery: BatteryNormal,
	}
}

func (r *record) empty() bool {
	return len(r.views) == 0 && len(r.hovers) == 0 && len(r.focuses) == 0 && !r.pinned
}

// Tracker owns AttentionRecords and the derived per-sensor level cache.
// The cache is written by recompute, which runs on the goroutine of
// whichever signal call or Tick triggered it, under levelMu; readers
// take levelMu's read lock, so reads never contend with each other and
// only briefly with a writer.
type Tracker struct {
	bus *bus.Bus
	now func() time.Time

	mu      sync.Mutex
	records map[observerKey]*record

	levelMu sync.RWMutex
	levels  map[string]Level // sensor_id -> current level

	// anyViewCount counts the view registrations held across *all*
	// sensors; nonzero means some observer views some sensor, which is
	// what rule 4's "low" case checks.
	anyViewCount int
}

// New creates a Tracker that publishes level changes on b.
func New(b *bus.Bus) *Tracker {
	return &Tracker{
		bus:     b,
		now:     time.Now,
		records: make(map[observerKey]*record),
		levels:  make(map[string]Level),
	}
}

func (t *Tracker) recordFor(sensorID, observerID string) *record {
	key := observerKey{sensorID, observerID}
	r, ok := t.records[key]
	if !ok {
		r = newRecord()
		t.records[key] = r
	}
	return r
}

// RegisterView adds a view signal for (sensorID, attributeID, observerID)
// and recomputes the sensor's attention level.
func (t *Tracker) RegisterView(sensorID, attributeID, observerID string) {
	t.mu.Lock()
	r := t.recordFor(sensorID, observerID)
	if _, had := r.views[attributeID]; !had {
		t.anyViewCount++
	}
	r.views[attributeID] = struct{}{}
	r.lastHB = t.now()
	t.mu.Unlock()
	t.recompute(sensorID)
}

// UnregisterView removes a view signal and recomputes.
func (t *Tracker) UnregisterView(sensorID, attributeID, observerID string) {
	t.mu.Lock()
	r := t.recordFor(sensorID, observerID)
	if _, had := r.views[attributeID]; had {
		delete(r.views, attributeID)
		t.anyViewCount--
	}
	t.evictIfEmptyLocked(sensorID, observerID, r)
	t.mu.Unlock()
	t.recompute(sensorID)
}

// RegisterHover adds a hover signal and recomputes.
func (t *Tracker) RegisterHover(sensorID, attributeID, observerID string) {
	t.mu.Lock()
	r := t.recordFor(sensorID, observerID)
	r.hovers[attributeID] = struct{}{}
	r.lastHB = t.now()
	t.mu.Unlock()
	t.recompute(sensorID)
}

// UnregisterHover removes a hover signal and recomputes.
func (t *Tracker) UnregisterHover(sensorID, attributeID, observerID string) {
	t.mu.Lock()
	r := t.recordFor(sensorID, observerID)
	delete(r.hovers, attributeID)
	t.evictIfEmptyLocked(sensorID, observerID, r)
	t.mu.Unlock()
	t.recompute(sensorID)
}

// RegisterFocus adds a focus signal and recomputes.
func (t *Tracker) RegisterFocus(sensorID, attributeID, observerID string) {
	t.mu.Lock()
	r := t.recordFor(sensorID, observerID)
	r.focuses[attributeID] = struct{}{}
	r.lastHB = t.now()
	t.mu.Unlock()
	t.recompute(sensorID)
}

// UnregisterFocus removes a focus signal and recomputes.
func (t *Tracker) UnregisterFocus(sensorID, attributeID, observerID string) {
	t.mu.Lock()
	r := t.recordFor(sensorID, observerID)
	delete(r.focuses, attributeID)
	t.evictIfEmptyLocked(sensorID, observerID, r)
	t.mu.Unlock()
	t.recompute(sensorID)
}

// PinSensor forces attention level to high for sensorID until Unpin.
func (t *Tracker) PinSensor(sensorID, observerID string) {
	t.mu.Lock()
	r := t.recordFor(sensorID, observerID)
	r.pinned = true
	r.lastHB = t.now()
	t.mu.Unlock()
	t.recompute(sensorID)
}

// UnpinSensor clears a previously-set pin.
func (t *Tracker) UnpinSensor(sensorID, observerID string) {
	t.mu.Lock()
	r := t.recordFor(sensorID, observerID)
	r.pinned = false
	t.evictIfEmptyLocked(sensorID, observerID, r)
	t.mu.Unlock()
	t.recompute(sensorID)
}

// ReportBattery updates an observer's battery state across every sensor
// record it holds. Battery affects the downgrade rule (spec.md §4.6
// rule 5), so every sensor this observer is viewing must recompute.
func (t *Tracker) ReportBattery(observerID string, level Battery) {
	t.mu.Lock()
	affected := make([]string, 0, 4)
	for key, r := range t.records {
		if key.observerID == observerID {
			r.battery = level
			affected = append(affected, key.sensorID)
		}
	}
	t.mu.Unlock()

	for _, sid := range affected {
		t.recompute(sid)
	}
}

// Heartbeat refreshes the liveness timestamp for observerID across all
// of its sensor records, preventing eviction.
func (t *Tracker) Heartbeat(observerID string) {
	t.mu.Lock()
	now := t.now()
	for key, r := range t.records {
		if key.observerID == observerID {
			r.lastHB = now
		}
	}
	t.mu.Unlock()
}

// evictIfEmptyLocked removes r from records if it has no signals, is not
// pinned, and has no recent heartbeat. Must be called with t.mu held.
func (t *Tracker) evictIfEmptyLocked(sensorID, observerID string, r *record) {
	if r.empty() && t.now().Sub(r.lastHB) >= EvictAfter {
		delete(t.records, observerKey{sensorID, observerID})
	}
}

// Tick runs the periodic 1s eviction sweep and recomputes every sensor
// with a live record, per spec.md §4.6 ("on every signal and on a 1s
// tick"). Call this from a time.Ticker loop.
func (t *Tracker) Tick() {
	t.mu.Lock()
	now := t.now()
	sensors := make(map[string]struct{})
	for key, r := range t.records {
		sensors[key.sensorID] = struct{}{}
		if r.empty() && now.Sub(r.lastHB) >= EvictAfter {
			delete(t.records, key)
		}
	}
	t.mu.Unlock()

	for sid := range sensors {
		t.recompute(sid)
	}
}

// GetSensorAttentionLevel reads the cached level for sensorID. Read-heavy
// callers (the backpressure dispatcher) use this instead of recomputing.
func (t *Tracker) GetSensorAttentionLevel(sensorID string) Level {
	t.levelMu.RLock()
	lvl, ok := t.levels[sensorID]
	t.levelMu.RUnlock()
	if ok {
		return lvl
	}
	// A sensor never signalled has no pin, focus, hover, or view of its
	// own, so only rule 4's "another sensor is viewed" case can apply.
	t.mu.Lock()
	anyViewAnywhere := t.anyViewCount > 0
	t.mu.Unlock()
	return deriveLevel(false, 0, 0, anyViewAnywhere)
}

// recompute derives sensorID's attention level per spec.md §4.6 rules
// 1-5 and publishes AttentionChanged on "attention:"+sensorID if it
// changed.
func (t *Tracker) recompute(sensorID string) {
	t.mu.Lock()
	var anyPinned bool
	focusedOrHovered := make(map[string]struct{})
	viewed := make(map[string]struct{})
	allViewersLow := true
	anyViewerCritical := false
	hasAnyViewer := false

	for key, r := range t.records {
		if key.sensorID != sensorID {
			continue
		}
		if r.pinned {
			anyPinned = true
		}
		if len(r.focuses) > 0 || len(r.hovers) > 0 {
			focusedOrHovered[key.observerID] = struct{}{}
		}
		if len(r.views) > 0 {
			viewed[key.observerID] = struct{}{}
			hasAnyViewer = true
			if r.battery == BatteryCritical {
				anyViewerCritical = true
			}
			if r.battery != BatteryLow {
				allViewersLow = false
			}
		}
	}
	anyViewAnywhere := t.anyViewCount > 0
	t.mu.Unlock()

	level := deriveLevel(anyPinned, len(focusedOrHovered), len(viewed), anyViewAnywhere)

	if !anyPinned && hasAnyViewer {
		if anyViewerCritical {
			level = downgrade(level, 2)
		} else if allViewersLow {
			level = downgrade(level, 1)
		}
	}

	t.levelMu.Lock()
	prev, had := t.levels[sensorID]
	t.levels[sensorID] = level
	t.levelMu.Unlock()

	if !had || prev != level {
		t.bus.Publish("attention:"+sensorID, "AttentionChanged", Changed{SensorID: sensorID, Level: level})
	}
}

// deriveLevel implements spec.md §4.6 rules 1-4 (before the battery
// downgrade in rule 5).
func deriveLevel(pinned bool, focusedCount, viewedCount int, anyViewAnywhere bool) Level {
	switch {
	case pinned:
		return LevelHigh
	case focusedCount >= 1 && viewedCount >= 1:
		return LevelHigh
	case viewedCount >= 1:
		return LevelMedium
	case viewedCount == 0 && anyViewAnywhere:
		return LevelLow
	default:
		return LevelNone
	}
}

var order = []Level{LevelNone, LevelLow, LevelMedium, LevelHigh}

// downgrade steps a level down by n, clamped at LevelNone.
func downgrade(l Level, n int) Level {
	idx := 0
	for i, v := range order {
		if v == l {
			idx = i
			break
		}
	}
	idx -= n
	if idx < 0 {
		idx = 0
	}
	return order[idx]
}

// Changed is the payload published on "attention:"+sensor_id.
type Changed struct {
	SensorID string
	Level    Level
}
