package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/nugget/sensorhub/internal/bus"
	"github.com/nugget/sensorhub/internal/clock"
	"github.com/nugget/sensorhub/internal/protoerr"
	"github.com/nugget/sensorhub/internal/sensor"
	"github.com/nugget/sensorhub/internal/store"
	"github.com/nugget/sensorhub/internal/vocab"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	b := bus.New()
	st := store.New(500, 10000, nil)
	vs := vocab.NewAttributeSet(nil)
	return New(b, st, vs, clock.Real{})
}

func TestLocateOrCreateReturnsSameHandle(t *testing.T) {
	r := newTestRegistry(t)
	a1, err := r.LocateOrCreate("S1", sensor.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	a2, err := r.LocateOrCreate("S1", sensor.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Fatal("expected the same actor handle on repeated LocateOrCreate")
	}
}

func TestLocateOrCreateConcurrentYieldsOneActor(t *testing.T) {
	r := newTestRegistry(t)
	const n = 50
	handles := make([]*sensor.Actor, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			a, err := r.LocateOrCreate("S1", sensor.Meta{})
			if err != nil {
				t.Error(err)
			}
			handles[i] = a
		}()
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("handle %d differs from handle 0; P6 violated", i)
		}
	}
}

func TestLocateFindsExistingButNeverCreates(t *testing.T) {
	r := newTestRegistry(t)
	if _, ok := r.Locate("S1"); ok {
		t.Fatal("expected no actor before creation")
	}
	created, err := r.LocateOrCreate("S1", sensor.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	found, ok := r.Locate("S1")
	if !ok || found != created {
		t.Fatal("expected Locate to find the actor created by LocateOrCreate")
	}
}

func TestReleaseSchedulesTerminationAfterGraceDelay(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.LocateOrCreate("S1", sensor.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	r.Release("S1", "sess-1")

	if _, ok := r.Locate("S1"); !ok {
		t.Fatal("actor must still be present immediately after Release (grace delay pending)")
	}

	time.Sleep(GraceDelay + 30*time.Millisecond)
	if _, ok := r.Locate("S1"); ok {
		t.Fatal("expected actor torn down after the grace delay")
	}
}

func TestReleaseThenReconnectCoalesces(t *testing.T) {
	r := newTestRegistry(t)
	a1, err := r.LocateOrCreate("S1", sensor.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	r.Release("S1", "sess-1")

	time.Sleep(GraceDelay / 2)
	a2, err := r.LocateOrCreate("S1", sensor.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Fatal("expected reconnect within the grace window to reuse the existing actor")
	}

	time.Sleep(GraceDelay + 30*time.Millisecond)
	if _, ok := r.Locate("S1"); !ok {
		t.Fatal("expected actor to still exist: the reconnect incremented refcount, cancelling teardown")
	}
}

func TestReleaseDoesNotTerminateWhileSubscriberRemains(t *testing.T) {
	b := bus.New()
	st := store.New(500, 10000, nil)
	vs := vocab.NewAttributeSet(nil)
	r := New(b, st, vs, clock.Real{})

	sub := b.Subscribe("data:S1", 8, bus.DropOldest)
	defer b.Unsubscribe(sub)

	_, err := r.LocateOrCreate("S1", sensor.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	r.Release("S1", "sess-1")

	time.Sleep(GraceDelay + 30*time.Millisecond)
	if _, ok := r.Locate("S1"); !ok {
		t.Fatal("expected actor to survive: data: topic still has a subscriber")
	}
}

func TestCrashRestartsWithEmptyState(t *testing.T) {
	r := newTestRegistry(t)
	a1, err := r.LocateOrCreate("S1", sensor.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	_ = a1.IngestOne(store.Measurement{SensorID: "S1", AttributeID: "heartrate", TimestampMS: 1, Payload: 1})

	// Directly exercise the registry's onCrash path as the actor would on
	// a panicking operation.
	r.mu.Lock()
	e := r.entries["S1"]
	r.mu.Unlock()
	r.onCrash("S1", e, nil)

	a2, ok := r.Locate("S1")
	if !ok {
		t.Fatal("expected a replacement actor after crash")
	}
	if a2 == a1 {
		t.Fatal("expected a new actor instance after crash, not the crashed one")
	}
	snap := a2.Snapshot()
	if len(snap.Attributes) != 0 {
		t.Fatalf("expected empty state after restart, got %+v", snap.Attributes)
	}
}

func TestRepeatedCrashesPoisonAfterMaxRestarts(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.LocateOrCreate("S1", sensor.Meta{})
	if err != nil {
		t.Fatal(err)
	}

	r.mu.Lock()
	e := r.entries["S1"]
	r.mu.Unlock()

	for i := 0; i < MaxRestarts+1; i++ {
		r.onCrash("S1", e, nil)
	}

	_, err = r.LocateOrCreate("S1", sensor.Meta{})
	pe, ok := err.(*protoerr.Error)
	if !ok || pe.Kind != protoerr.ActorPoisoned {
		t.Fatalf("err = %+v, want ActorPoisoned after exceeding restart budget", err)
	}
}

func TestSampleInboxLengthsReturnsUpToN(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"S1", "S2", "S3"} {
		if _, err := r.LocateOrCreate(id, sensor.Meta{}); err != nil {
			t.Fatal(err)
		}
	}
	got := r.SampleInboxLengths(2)
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
}

func TestSampleInboxLengthsEmptyRegistry(t *testing.T) {
	r := newTestRegistry(t)
	if got := r.SampleInboxLengths(20); got != nil {
		t.Fatalf("got %v, want nil for an empty registry", got)
	}
}
