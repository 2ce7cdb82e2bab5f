package mqttbridge

import (
	"io"
	"log/slog"
	"testing"

	"github.com/nugget/sensorhub/internal/auth"
	"github.com/nugget/sensorhub/internal/bus"
	"github.com/nugget/sensorhub/internal/clock"
	"github.com/nugget/sensorhub/internal/registry"
	"github.com/nugget/sensorhub/internal/store"
	"github.com/nugget/sensorhub/internal/vocab"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBridge(t *testing.T) (*Bridge, *registry.Registry) {
	t.Helper()
	b := bus.New()
	st := store.New(500, 10000, nil)
	vs := vocab.NewAttributeSet(nil)
	reg := registry.New(b, st, vs, clock.Real{})

	br := New(Config{BearerToken: "bridge-token"}, Deps{
		Registry: reg,
		Verifier: auth.NewStaticVerifier(map[string]string{"bridge-token": "bridge"}),
		Clock:    clock.Real{},
		Logger:   discardLogger(),
	})
	return br, reg
}

func TestParseTopic(t *testing.T) {
	cases := []struct {
		topic      string
		sensorID   string
		kind       string
		ok         bool
	}{
		{"sensors/S1/measurement", "S1", "measurement", true},
		{"sensors/S1/batch", "S1", "batch", true},
		{"sensors//measurement", "", "", false},
		{"sensors/S1/unknown", "", "", false},
		{"sensors/S1", "", "", false},
		{"other/S1/measurement", "", "", false},
	}
	for _, c := range cases {
		sensorID, kind, ok := parseTopic(c.topic)
		if ok != c.ok || sensorID != c.sensorID || kind != c.kind {
			t.Errorf("parseTopic(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.topic, sensorID, kind, ok, c.sensorID, c.kind, c.ok)
		}
	}
}

func TestHandleMessageIngestsMeasurement(t *testing.T) {
	br, reg := newTestBridge(t)
	br.handleMessage("sensors/S1/measurement", []byte(`{"attribute_id":"heartrate","payload":72,"timestamp":1000}`))

	actor, ok := reg.Locate("S1")
	if !ok {
		t.Fatal("expected actor S1 to be created by handleMessage")
	}
	snap := actor.Snapshot()
	if snap.IngestCounters["heartrate"] != 1 {
		t.Fatalf("ingest counters = %+v, want heartrate: 1", snap.IngestCounters)
	}
}

func TestHandleMessageIngestsBatch(t *testing.T) {
	br, reg := newTestBridge(t)
	br.handleMessage("sensors/S1/batch", []byte(
		`[{"attribute_id":"heartrate","payload":72,"timestamp":1000},
		  {"attribute_id":"heartrate","payload":75,"timestamp":1001}]`))

	actor, ok := reg.Locate("S1")
	if !ok {
		t.Fatal("expected actor S1 to be created by handleMessage")
	}
	snap := actor.Snapshot()
	if snap.IngestCounters["heartrate"] != 2 {
		t.Fatalf("ingest counters = %+v, want heartrate: 2", snap.IngestCounters)
	}
}

func TestHandleMessageIgnoresUnrecognizedTopic(t *testing.T) {
	br, reg := newTestBridge(t)
	br.handleMessage("sensors/S1/unknown", []byte(`{}`))

	if _, ok := reg.Locate("S1"); ok {
		t.Fatal("expected no actor created for an unrecognized topic")
	}
}

func TestHandleMessageDropsMalformedMeasurement(t *testing.T) {
	br, reg := newTestBridge(t)
	// Created lazily by LocateOrCreate inside handleMessage even though
	// the payload itself is malformed and gets dropped before ingest.
	br.handleMessage("sensors/S1/measurement", []byte(`{"attribute_id":"heartrate"}`))

	actor, ok := reg.Locate("S1")
	if !ok {
		t.Fatal("expected actor S1 to still be created")
	}
	snap := actor.Snapshot()
	if len(snap.IngestCounters) != 0 {
		t.Fatalf("expected no ingest to have occurred, got %+v", snap.IngestCounters)
	}
}

func TestNewAppliesDefaultLogger(t *testing.T) {
	br := New(Config{}, Deps{})
	if br.deps.Logger == nil {
		t.Fatal("expected New to default a nil logger")
	}
}

func TestConfigTopicFiltersDefault(t *testing.T) {
	var cfg Config
	got := cfg.topicFilters()
	if len(got) != len(DefaultTopicFilters) {
		t.Fatalf("topicFilters() = %v, want %v", got, DefaultTopicFilters)
	}
}
