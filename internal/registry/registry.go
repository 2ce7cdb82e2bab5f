// Package registry implements the sensor registry & supervisor (spec
// component C5): locate-or-create actors by sensor_id, refcount sessions
// against them, and restart crashed actors, modeled on the ambient
// stack's two-phase connection watcher applied per-actor-crash instead
// of per-network-probe. A crashed actor is replaced at once on every
// crash; there is no delay or backoff between restarts, only the
// poison window once the restart budget is spent.
package registry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/nugget/sensorhub/internal/bus"
	"github.com/nugget/sensorhub/internal/clock"
	"github.com/nugget/sensorhub/internal/protoerr"
	"github.com/nugget/sensorhub/internal/sensor"
	"github.com/nugget/sensorhub/internal/store"
	"github.com/nugget/sensorhub/internal/vocab"
)

// GraceDelay is the minimum coalescing window between a session's last
// release and actual actor teardown, per spec.md §4.5 ("≥ 50 ms").
const GraceDelay = 50 * time.Millisecond

// RestartWindow/MaxRestarts/PoisonDuration implement the crash-restart
// policy named in spec.md §4.5 and SPEC_FULL.md §4.5: 5 restarts inside
// a rolling 10s window trips the poison state for 30s.
const (
	RestartWindow  = 10 * time.Second
	MaxRestarts    = 5
	PoisonDuration = 30 * time.Second
)

// entry tracks one sensor_id's actor, its session refcount, and its
// crash-restart bookkeeping.
type entry struct {
	mu sync.Mutex

	actor    *sensor.Actor
	meta     sensor.Meta
	refcount int

	graceTimer *time.Timer

	restarts      []time.Time // rolling window, oldest first
	poisonedUntil time.Time
}

// Registry owns the sensor_id -> actor map and the collaborators every
// newly created actor needs.
type Registry struct {
	bus   *bus.Bus
	store *store.Store
	vocab *vocab.AttributeSet
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*entry

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an empty Registry. b/st/vs/clk are shared by every actor
// this registry creates.
func New(b *bus.Bus, st *store.Store, vs *vocab.AttributeSet, clk clock.Clock) *Registry {
	return &Registry{
		bus:     b,
		store:   st,
		vocab:   vs,
		clock:   clk,
		entries: make(map[string]*entry),
		rng:     rand.New(rand.NewSource(1)),
	}
}

// LocateOrCreate returns the existing actor for sensorID, or starts a new
// one, per spec.md §4.5. Concurrent calls with the same id are
// serialized by the registry's lock, so they all observe the same handle
// (P6). Returns protoerr.ActorPoisonedErr if sensorID is currently
// poisoned after exhausting its restart budget.
func (r *Registry) LocateOrCreate(sensorID string, meta sensor.Meta) (*sensor.Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sensorID]
	if ok {
		e.mu.Lock()
		poisoned := r.clock.Now().Before(e.poisonedUntil)
		if poisoned {
			e.mu.Unlock()
			return nil, protoerr.ActorPoisonedErr(sensorID)
		}
		if e.graceTimer != nil {
			e.graceTimer.Stop()
			e.graceTimer = nil
		}
		e.refcount++
		actor := e.actor
		e.mu.Unlock()
		return actor, nil
	}

	e = &entry{meta: meta, refcount: 1}
	e.actor = r.startActor(sensorID, e)
	r.entries[sensorID] = e
	return e.actor, nil
}

// Locate returns the current actor for sensorID without creating one, or
// false if none is registered.
func (r *Registry) Locate(sensorID string) (*sensor.Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sensorID]
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	actor := e.actor
	e.mu.Unlock()
	return actor, true
}

// Release decrements sensorID's session refcount. When it reaches zero
// and "data:"+sensorID has no subscribers, teardown is scheduled after
// GraceDelay to coalesce a fast reconnect (spec.md §4.5, §8 scenario 6).
func (r *Registry) Release(sensorID string, _sessionID string) {
	r.mu.Lock()
	e, ok := r.entries[sensorID]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.refcount > 0 {
		e.refcount--
	}
	shouldSchedule := e.refcount == 0 && r.bus.SubscriberCount("data:"+sensorID) == 0
	if shouldSchedule {
		if e.graceTimer != nil {
			e.graceTimer.Stop()
		}
		e.graceTimer = time.AfterFunc(GraceDelay, func() { r.maybeTerminate(sensorID) })
	}
	e.mu.Unlock()
}

// maybeTerminate runs after the grace delay; it re-checks refcount and
// subscriber count (a reconnect or a new observer may have arrived
// during the grace window) before actually tearing the actor down.
func (r *Registry) maybeTerminate(sensorID string) {
	r.mu.Lock()
	e, ok := r.entries[sensorID]
	if !ok {
		r.mu.Unlock()
		return
	}

	e.mu.Lock()
	stillIdle := e.refcount == 0 && r.bus.SubscriberCount("data:"+sensorID) == 0
	var actor *sensor.Actor
	if stillIdle {
		actor = e.actor
		delete(r.entries, sensorID)
	}
	e.mu.Unlock()
	r.mu.Unlock()

	if actor != nil {
		actor.Terminate()
	}
}

// startActor creates an actor wired to call r.onCrash(sensorID, e) on a
// panic, closing over e so repeated crashes share one entry's restart
// bookkeeping.
func (r *Registry) startActor(sensorID string, e *entry) *sensor.Actor {
	return sensor.New(sensorID, e.meta, r.bus, r.store, r.vocab, r.clock, func(err error) {
		r.onCrash(sensorID, e, err)
	})
}

// onCrash applies the restart/poison policy from spec.md §4.5: restart
// with empty state immediately, unless this id has crashed MaxRestarts
// times inside RestartWindow, in which case it is poisoned for
// PoisonDuration instead.
func (r *Registry) onCrash(sensorID string, e *entry, _ error) {
	e.mu.Lock()
	now := r.clock.Now()
	e.restarts = pruneOlderThan(e.restarts, now, RestartWindow)
	e.restarts = append(e.restarts, now)

	if len(e.restarts) > MaxRestarts {
		e.poisonedUntil = now.Add(PoisonDuration)
		e.restarts = nil
		e.mu.Unlock()
		return
	}

	newActor := sensor.New(sensorID, e.meta, r.bus, r.store, r.vocab, r.clock, func(err error) {
		r.onCrash(sensorID, e, err)
	})
	e.actor = newActor
	e.mu.Unlock()
}

func pruneOlderThan(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// SampleInboxLengths returns the pending-request counts of up to n
// randomly chosen live actors, implementing sysload.RegistrySampler for
// C7's mailbox_pressure signal.
func (r *Registry) SampleInboxLengths(n int) []int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	r.rngMu.Lock()
	r.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	r.rngMu.Unlock()

	if n > 0 && len(ids) > n {
		ids = ids[:n]
	}

	out := make([]int, 0, len(ids))
	for _, id := range ids {
		r.mu.Lock()
		e, ok := r.entries[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		actor := e.actor
		e.mu.Unlock()
		if actor != nil {
			out = append(out, actor.InboxLen())
		}
	}
	return out
}

// Count returns the number of currently registered sensor ids, for
// observability.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
