package session

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/sensorhub/internal/attention"
	"github.com/nugget/sensorhub/internal/auth"
	"github.com/nugget/sensorhub/internal/bus"
	"github.com/nugget/sensorhub/internal/clock"
	"github.com/nugget/sensorhub/internal/registry"
	"github.com/nugget/sensorhub/internal/store"
	"github.com/nugget/sensorhub/internal/sysload"
	"github.com/nugget/sensorhub/internal/vocab"
	"github.com/nugget/sensorhub/internal/wire"
)

var upgrader = websocket.Upgrader{}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (string, Deps, *registry.Registry) {
	t.Helper()
	b := bus.New()
	st := store.New(500, 10000, nil)
	vs := vocab.NewAttributeSet(nil)
	reg := registry.New(b, st, vs, clock.Real{})
	attn := attention.New(b)
	load := sysload.New(b, b, reg)
	deps := Deps{
		Registry:  reg,
		Bus:       b,
		Attention: attn,
		SysLoad:   load,
		Vocab:     vs,
		Verifier:  auth.NewStaticVerifier(map[string]string{"tok": "device-1"}),
		Clock:     clock.Real{},
		Logger:    discardLogger(),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		New(conn, deps).Serve()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + srv.URL[len("http"):]
	return url, deps, reg
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f wire.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return f
}

func sendJoin(t *testing.T, conn *websocket.Conn, sensorID, token string) {
	t.Helper()
	payload, _ := json.Marshal(wire.JoinPayload{ConnectorID: "c1", SensorID: sensorID, BearerToken: token})
	f := wire.Frame{Event: wire.EventJoin, Ref: "1", Payload: payload}
	raw, _ := json.Marshal(f)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write join: %v", err)
	}
}

func TestJoinWithValidTokenSucceeds(t *testing.T) {
	url, _, _ := newTestServer(t)
	conn := dial(t, url)

	sendJoin(t, conn, "S1", "tok")
	reply := readFrame(t, conn)
	if reply.Event != wire.EventOK {
		t.Fatalf("join reply event = %q, want %q", reply.Event, wire.EventOK)
	}
}

func TestJoinWithInvalidTokenIsRejected(t *testing.T) {
	url, _, _ := newTestServer(t)
	conn := dial(t, url)

	sendJoin(t, conn, "S1", "wrong-token")
	reply := readFrame(t, conn)
	if reply.Event != wire.EventError {
		t.Fatalf("join reply event = %q, want %q", reply.Event, wire.EventError)
	}
	var ep wire.ErrorPayload
	if err := json.Unmarshal(reply.Payload, &ep); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if ep.Kind != "unauthorized" {
		t.Fatalf("error kind = %q, want unauthorized", ep.Kind)
	}
}

func TestMeasurementAfterJoinIsIngested(t *testing.T) {
	url, _, reg := newTestServer(t)
	conn := dial(t, url)

	sendJoin(t, conn, "S1", "tok")
	readFrame(t, conn) // join ok
	readFrame(t, conn) // initial backpressure_config

	attrID := "heartrate"
	ts := int64(1000)
	payload := json.RawMessage(`72`)
	mp, _ := json.Marshal(wire.MeasurementPayload{AttributeID: &attrID, TimestampMS: &ts, Payload: &payload})
	f := wire.Frame{Event: wire.EventMeasurement, Ref: "2", Payload: mp}
	raw, _ := json.Marshal(f)
	conn.WriteMessage(websocket.TextMessage, raw)

	reply := readFrame(t, conn)
	if reply.Event != wire.EventOK {
		t.Fatalf("measurement reply event = %q, want %q", reply.Event, wire.EventOK)
	}

	actor, ok := reg.Locate("S1")
	if !ok {
		t.Fatal("expected actor S1 to exist after join")
	}
	snap := actor.Snapshot()
	if snap.IngestCounters["heartrate"] != 1 {
		t.Fatalf("ingest counters = %+v, want heartrate: 1", snap.IngestCounters)
	}
}

func TestMeasurementMissingFieldsIsRejected(t *testing.T) {
	url, _, _ := newTestServer(t)
	conn := dial(t, url)

	sendJoin(t, conn, "S1", "tok")
	readFrame(t, conn) // join ok
	readFrame(t, conn) // initial backpressure_config

	f := wire.Frame{Event: wire.EventMeasurement, Ref: "2", Payload: json.RawMessage(`{}`)}
	raw, _ := json.Marshal(f)
	conn.WriteMessage(websocket.TextMessage, raw)

	reply := readFrame(t, conn)
	if reply.Event != wire.EventError {
		t.Fatalf("reply event = %q, want %q", reply.Event, wire.EventError)
	}
}

func TestPingIsEchoedAsOK(t *testing.T) {
	url, _, _ := newTestServer(t)
	conn := dial(t, url)

	sendJoin(t, conn, "S1", "tok")
	readFrame(t, conn) // join ok
	readFrame(t, conn) // initial backpressure_config

	f := wire.Frame{Event: wire.EventPing, Ref: "ping-1"}
	raw, _ := json.Marshal(f)
	conn.WriteMessage(websocket.TextMessage, raw)

	reply := readFrame(t, conn)
	if reply.Event != wire.EventOK || reply.Ref != "ping-1" {
		t.Fatalf("reply = %+v, want ok/ping-1", reply)
	}
}

func TestFirstFrameNotJoinClosesConnection(t *testing.T) {
	url, _, _ := newTestServer(t)
	conn := dial(t, url)

	f := wire.Frame{Event: wire.EventPing, Ref: "1"}
	raw, _ := json.Marshal(f)
	conn.WriteMessage(websocket.TextMessage, raw)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to close when first frame is not join")
	}
}
