// Package sensor implements the sensor actor (spec component C4): one
// long-lived worker per sensor_id that exclusively owns its SensorState.
// Every operation is serialized through the actor's inbox, so state
// mutation inside run() never needs a lock — isolation replaces locking,
// per spec.md §5.
package sensor

import (
	"fmt"
	"sync/atomic"

	"github.com/nugget/sensorhub/internal/bus"
	"github.com/nugget/sensorhub/internal/clock"
	"github.com/nugget/sensorhub/internal/protoerr"
	"github.com/nugget/sensorhub/internal/store"
	"github.com/nugget/sensorhub/internal/vocab"
)

// Meta is the caller-supplied identity recorded at actor creation.
type Meta struct {
	SensorName string
	SensorType string
}

// AttributeMeta is the free-form metadata attached to an attribute_id via
// UpdateAttributeRegistry.
type AttributeMeta struct {
	Metadata any
}

// Snapshot is a read-only copy of a sensor's state (spec.md §4.4
// snapshot()), safe to hand to a new observer without any shared
// reference back into the actor.
type Snapshot struct {
	SensorID       string
	SensorName     string
	SensorType     string
	Attributes     map[string]AttributeMeta
	CreatedAt      int64
	LastIngestAt   int64
	IngestCounters map[string]int64
}

// IngestResult reports the valid/invalid split of an IngestBatch call.
type IngestResult struct {
	Valid   int
	Invalid int
}

// inboxCapacity bounds the actor's pending-request queue. A full inbox
// means the actor is falling behind; callers see that as a blocked post,
// which in turn backs up into the session/bridge that called it —
// exactly the signal C7's mailbox_pressure sample is meant to observe.
const inboxCapacity = 256

type request struct {
	fn func()
}

// Actor is the sole owner of one sensor's SensorState. Construct with
// New; the zero value is not usable.
type Actor struct {
	sensorID string
	bus      *bus.Bus
	store    *store.Store
	vocab    *vocab.AttributeSet
	clock    clock.Clock

	inbox    chan request
	closed   atomic.Bool
	done     chan struct{}
	onCrash  func(error)

	// Fields below are mutated only inside run()'s goroutine.
	sensorName     string
	sensorType     string
	attributes     map[string]AttributeMeta
	createdAt      int64
	lastIngestAt   int64
	ingestCounters map[string]int64
}

// New starts a new Actor goroutine for sensorID and returns its handle.
// Callers normally reach this indirectly through the registry's
// LocateOrCreate rather than calling it directly. onCrash, if non-nil, is
// invoked from the actor's own goroutine if a posted operation panics;
// the actor then stops itself so the registry can restart it with empty
// state, per spec.md §4.4's crash-recovery semantics.
func New(sensorID string, meta Meta, b *bus.Bus, st *store.Store, vs *vocab.AttributeSet, clk clock.Clock, onCrash func(error)) *Actor {
	a := &Actor{
		sensorID:       sensorID,
		bus:            b,
		store:          st,
		vocab:          vs,
		clock:          clk,
		inbox:          make(chan request, inboxCapacity),
		done:           make(chan struct{}),
		onCrash:        onCrash,
		sensorName:     meta.SensorName,
		sensorType:     meta.SensorType,
		attributes:     make(map[string]AttributeMeta),
		createdAt:      clock.NowWallMS(clk),
		ingestCounters: make(map[string]int64),
	}
	go a.run()
	return a
}

// SensorID returns the actor's identity.
func (a *Actor) SensorID() string { return a.sensorID }

func (a *Actor) run() {
	defer close(a.done)
	for r := range a.inbox {
		if !a.safeExec(r.fn) {
			return
		}
	}
}

// safeExec runs fn with panic recovery. A panicking operation marks the
// actor crashed: run() stops processing further requests so the
// registry can restart with a fresh Actor rather than continue atop
// possibly-corrupted state.
func (a *Actor) safeExec(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			if a.onCrash != nil {
				a.onCrash(fmt.Errorf("sensor actor %s panic: %v", a.sensorID, rec))
			}
		}
	}()
	fn()
	return true
}

// InboxLen reports the actor's current pending-request count. The
// registry samples this across a random subset of actors to compute C7's
// mailbox_pressure signal.
func (a *Actor) InboxLen() int { return len(a.inbox) }

// post submits fn to the actor's inbox and blocks until it has run to
// completion. A no-op once the actor has terminated.
func (a *Actor) post(fn func()) {
	if a.closed.Load() {
		return
	}
	done := make(chan struct{})
	req := request{fn: func() {
		defer close(done)
		fn()
	}}
	select {
	case a.inbox <- req:
		// The send succeeding does not guarantee run() is still alive to
		// read it (a crash or Terminate may race the send); also wait on
		// a.done so a request stuck in an abandoned buffer cannot hang
		// the caller forever.
		select {
		case <-done:
		case <-a.done:
		}
	case <-a.done:
	}
}

// IngestOne validates and stores a single measurement, then publishes it
// on "data:"+sensor_id, per spec.md §4.4. On an unknown attribute_id it
// returns a protoerr.InvalidAttributeID error and leaves state untouched.
func (a *Actor) IngestOne(m store.Measurement) error {
	var ingestErr error
	a.post(func() {
		if _, err := a.vocab.Validate(m.AttributeID); err != nil {
			ingestErr = protoerr.New(protoerr.InvalidAttributeID, err.Error())
			return
		}
		a.applyOne(m)
	})
	return ingestErr
}

// applyOne mutates state for a single already-validated measurement. Must
// only be called from inside run()'s goroutine.
func (a *Actor) applyOne(m store.Measurement) {
	_, known := a.attributes[m.AttributeID]
	if !known {
		a.attributes[m.AttributeID] = AttributeMeta{}
	}
	a.lastIngestAt = m.TimestampMS
	a.ingestCounters[m.AttributeID]++
	a.store.Put(m)
	a.bus.Publish("data:"+a.sensorID, "Measurement", m)
	if !known {
		a.bus.Publish("signal:"+a.sensorID, "NewState", a.snapshotLocked())
	}
}

// IngestBatch validates every entry in ms. Per spec.md §4.4 the whole
// batch is rejected atomically only if every entry is invalid; otherwise
// the valid subset is applied in submission order and a single
// MeasurementBatch event carries the complete valid list so subscribers
// never see it split across multiple deliveries.
func (a *Actor) IngestBatch(ms []store.Measurement) (IngestResult, error) {
	var result IngestResult
	var ingestErr error
	a.post(func() {
		if len(ms) == 0 {
			return
		}
		valid := make([]store.Measurement, 0, len(ms))
		for _, m := range ms {
			if _, err := a.vocab.Validate(m.AttributeID); err != nil {
				result.Invalid++
				continue
			}
			valid = append(valid, m)
		}
		result.Valid = len(valid)
		if result.Valid == 0 {
			ingestErr = protoerr.InvalidBatchErr(result.Invalid)
			return
		}

		newAttrs := false
		payload := make([]store.Measurement, 0, len(valid))
		for _, m := range valid {
			if _, known := a.attributes[m.AttributeID]; !known {
				a.attributes[m.AttributeID] = AttributeMeta{}
				newAttrs = true
			}
			a.lastIngestAt = m.TimestampMS
			a.ingestCounters[m.AttributeID]++
			a.store.Put(m)
			payload = append(payload, m)
		}
		a.bus.Publish("data:"+a.sensorID, "MeasurementBatch", payload)
		if newAttrs {
			a.bus.Publish("signal:"+a.sensorID, "NewState", a.snapshotLocked())
		}
	})
	return result, ingestErr
}

// UpdateAttributeRegistry mutates the attribute_id -> metadata map and
// publishes NewState, per spec.md §4.4. action must be one of
// add/remove/update; attribute_id must be in the configured vocabulary.
func (a *Actor) UpdateAttributeRegistry(action, attributeID string, metadata any) error {
	act, err := vocab.ValidateAction(action)
	if err != nil {
		return protoerr.New(protoerr.InvalidAction, err.Error())
	}
	if _, err := a.vocab.Validate(attributeID); err != nil {
		return protoerr.New(protoerr.InvalidAttributeID, err.Error())
	}

	a.post(func() {
		switch act {
		case vocab.ActionAdd, vocab.ActionUpdate:
			a.attributes[attributeID] = AttributeMeta{Metadata: metadata}
		case vocab.ActionRemove:
			delete(a.attributes, attributeID)
			a.store.RemoveAttribute(a.sensorID, attributeID)
		}
		a.bus.Publish("signal:"+a.sensorID, "NewState", a.snapshotLocked())
	})
	return nil
}

// Snapshot returns a read-only deep copy of the sensor's current state.
func (a *Actor) Snapshot() Snapshot {
	var snap Snapshot
	a.post(func() { snap = a.snapshotLocked() })
	return snap
}

func (a *Actor) snapshotLocked() Snapshot {
	attrs := make(map[string]AttributeMeta, len(a.attributes))
	for k, v := range a.attributes {
		attrs[k] = v
	}
	counters := make(map[string]int64, len(a.ingestCounters))
	for k, v := range a.ingestCounters {
		counters[k] = v
	}
	return Snapshot{
		SensorID:       a.sensorID,
		SensorName:     a.sensorName,
		SensorType:     a.sensorType,
		Attributes:     attrs,
		CreatedAt:      a.createdAt,
		LastIngestAt:   a.lastIngestAt,
		IngestCounters: counters,
	}
}

// GetAttribute delegates to the store's get_range for this sensor's
// attribute_id, routed through the inbox so it observes a consistent
// point in the actor's ingest order (spec.md §4.4).
func (a *Actor) GetAttribute(attributeID string, from, to *int64, limit int) []store.Measurement {
	var out []store.Measurement
	a.post(func() {
		out = a.store.GetRange(a.sensorID, attributeID, from, to, limit)
	})
	return out
}

// Stats returns a copy of the per-attribute ingest counters, for
// observability endpoints.
func (a *Actor) Stats() map[string]int64 {
	out := make(map[string]int64)
	a.post(func() {
		for k, v := range a.ingestCounters {
			out[k] = v
		}
	})
	return out
}

// Terminate drops the actor's state, removes its store entries, and
// stops its goroutine. Safe to call once; subsequent calls are no-ops.
func (a *Actor) Terminate() {
	a.post(func() {
		a.store.RemoveSensor(a.sensorID)
	})
	if a.closed.CompareAndSwap(false, true) {
		close(a.inbox)
	}
}
