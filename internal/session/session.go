// Package session implements the session/channel layer (spec component
// C9): the authenticated per-connector WebSocket channel that validates
// frames, routes them to sensor actors, and pushes backpressure configs
// back. Transport and pump shape are grounded on the ambient stack's
// WebSocket hub/client pattern (read-pump/write-pump goroutine pair,
// ping/pong keepalive), adapted from a Hub-per-topic broadcaster to a
// single actor-routed session since each connector here owns exactly one
// sensor_id rather than many topic subscriptions.
package session

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/sensorhub/internal/attention"
	"github.com/nugget/sensorhub/internal/auth"
	"github.com/nugget/sensorhub/internal/backpressure"
	"github.com/nugget/sensorhub/internal/bus"
	"github.com/nugget/sensorhub/internal/clock"
	"github.com/nugget/sensorhub/internal/protoerr"
	"github.com/nugget/sensorhub/internal/registry"
	"github.com/nugget/sensorhub/internal/sensor"
	"github.com/nugget/sensorhub/internal/store"
	"github.com/nugget/sensorhub/internal/sysload"
	"github.com/nugget/sensorhub/internal/vocab"
	"github.com/nugget/sensorhub/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Deps are the collaborators a Session needs, shared across every
// connection the server accepts.
type Deps struct {
	Registry  *registry.Registry
	Bus       *bus.Bus
	Attention *attention.Tracker
	SysLoad   *sysload.Monitor
	Vocab     *vocab.AttributeSet
	Verifier  auth.TokenVerifier
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Session is one authenticated connector's WebSocket channel.
type Session struct {
	deps Deps
	conn *websocket.Conn
	send chan []byte

	connectorID   string
	sensorID      string
	authenticated bool
	actor         *sensor.Actor

	attnSub *bus.Subscription
	loadSub *bus.Subscription

	mu         sync.Mutex
	lastConfig *backpressure.Config

	closeOnce  sync.Once
	done       chan struct{}
	dispatchWG sync.WaitGroup
}

// New wraps an already-upgraded WebSocket connection in a Session. The
// caller must invoke Serve to run it.
func New(conn *websocket.Conn, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Session{
		deps: deps,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Serve runs the session to completion: the write pump runs in its own
// goroutine, the read pump runs on the calling goroutine and blocks
// until the connection closes or a protocol violation ends it.
func (s *Session) Serve() {
	go s.writePump()
	s.readPump()
}

func (s *Session) readPump() {
	defer s.teardown()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	frame, err := s.readFrame()
	if err != nil {
		return
	}
	if frame.Event != wire.EventJoin {
		s.deps.Logger.Warn("session closed: first frame was not join", "event", frame.Event)
		return
	}
	if !s.handleJoin(frame) {
		return
	}

	for {
		frame, err := s.readFrame()
		if err != nil {
			return
		}
		s.handleFrame(frame)
	}
}

func (s *Session) readFrame() (wire.Frame, error) {
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return wire.Frame{}, err
	}
	var f wire.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return wire.Frame{}, err
	}
	return f, nil
}

// handleJoin implements the attach protocol of spec.md §4.9 step 2-3.
// Returns false if the session should close immediately.
func (s *Session) handleJoin(f wire.Frame) bool {
	var p wire.JoinPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		s.sendError(f.Ref, protoerr.New(protoerr.MissingFields, "malformed join payload"))
		return false
	}
	if p.SensorID == "" || p.BearerToken == "" {
		s.sendError(f.Ref, protoerr.New(protoerr.MissingFields, "sensor_id and bearer_token are required"))
		return false
	}

	subject, err := s.deps.Verifier.Verify(p.BearerToken)
	if err != nil {
		s.sendError(f.Ref, protoerr.New(protoerr.Unauthorized, err.Error()))
		return false
	}

	actor, err := s.deps.Registry.LocateOrCreate(p.SensorID, sensor.Meta{SensorName: p.SensorName, SensorType: p.SensorType})
	if err != nil {
		s.sendError(f.Ref, err)
		return false
	}

	s.connectorID = p.ConnectorID
	s.sensorID = p.SensorID
	s.actor = actor
	s.authenticated = true

	// close_subscriber: a stale backpressure_config is worse than none
	// (SPEC_FULL.md §4.2); the dispatcher loop treats a closed
	// subscription as "stop pushing until the connector rejoins".
	s.attnSub = s.deps.Bus.Subscribe("attention:"+p.SensorID, 8, bus.CloseSubscriber)
	s.loadSub = s.deps.Bus.Subscribe("system:load", 8, bus.CloseSubscriber)
	s.dispatchWG.Add(1)
	go s.dispatchLoop()

	s.sendOK(f.Ref, nil)
	s.pushConfig(true)
	s.deps.Logger.Info("session joined", "sensor_id", p.SensorID, "connector_id", p.ConnectorID, "subject", subject)
	return true
}

func (s *Session) handleFrame(f wire.Frame) {
	switch f.Event {
	case wire.EventMeasurement:
		s.handleMeasurement(f)
	case wire.EventMeasurementsBatch:
		s.handleMeasurementsBatch(f)
	case wire.EventUpdateAttributes:
		s.handleUpdateAttributes(f)
	case wire.EventPing:
		s.sendFrame(wire.Frame{Topic: f.Topic, Event: wire.EventOK, Ref: f.Ref, Payload: f.Payload})
	default:
		s.deps.Logger.Debug("unknown frame, ignoring", "event", f.Event)
	}
}

func (s *Session) handleMeasurement(f wire.Frame) {
	var p wire.MeasurementPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		s.sendError(f.Ref, protoerr.New(protoerr.MissingFields, "malformed measurement payload"))
		return
	}
	if p.AttributeID == nil || p.Payload == nil || p.TimestampMS == nil {
		s.sendError(f.Ref, protoerr.New(protoerr.MissingFields, "payload, timestamp, and attribute_id are required"))
		return
	}

	m := store.Measurement{
		SensorID:    s.sensorID,
		AttributeID: *p.AttributeID,
		TimestampMS: *p.TimestampMS,
		Payload:     *p.Payload,
	}
	if err := s.actor.IngestOne(m); err != nil {
		s.sendError(f.Ref, err)
		return
	}
	s.sendOK(f.Ref, nil)
}

func (s *Session) handleMeasurementsBatch(f wire.Frame) {
	var raws []json.RawMessage
	if err := json.Unmarshal(f.Payload, &raws); err != nil {
		s.sendError(f.Ref, protoerr.New(protoerr.MissingFields, "measurements_batch payload must be an array"))
		return
	}

	built := make([]store.Measurement, 0, len(raws))
	malformed := 0
	for _, raw := range raws {
		var p wire.MeasurementPayload
		if err := json.Unmarshal(raw, &p); err != nil || p.AttributeID == nil || p.Payload == nil || p.TimestampMS == nil {
			malformed++
			continue
		}
		built = append(built, store.Measurement{
			SensorID:    s.sensorID,
			AttributeID: *p.AttributeID,
			TimestampMS: *p.TimestampMS,
			Payload:     *p.Payload,
		})
	}

	if len(built) == 0 {
		s.sendError(f.Ref, protoerr.InvalidBatchErr(len(raws)))
		return
	}

	res, err := s.actor.IngestBatch(built)
	if err != nil {
		if pe, ok := err.(*protoerr.Error); ok {
			pe.FailedCount += malformed
		}
		s.sendError(f.Ref, err)
		return
	}
	s.sendOK(f.Ref, map[string]int{"valid": res.Valid, "invalid": res.Invalid + malformed})
}

func (s *Session) handleUpdateAttributes(f wire.Frame) {
	var p wire.UpdateAttributesPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		s.sendError(f.Ref, protoerr.New(protoerr.MissingFields, "malformed update_attributes payload"))
		return
	}
	if err := s.actor.UpdateAttributeRegistry(p.Action, p.AttributeID, p.Metadata); err != nil {
		s.sendError(f.Ref, err)
		return
	}
	s.sendOK(f.Ref, nil)
}

// dispatchLoop is the per-session backpressure dispatcher of spec.md
// §4.8: it watches this sensor's attention topic and the global load
// topic and recomputes/pushes a config on any change.
func (s *Session) dispatchLoop() {
	defer s.dispatchWG.Done()
	for {
		select {
		case _, ok := <-s.attnSub.Events():
			if !ok {
				return
			}
			s.pushConfig(false)
		case _, ok := <-s.loadSub.Events():
			if !ok {
				return
			}
			s.pushConfig(false)
		case <-s.done:
			return
		}
	}
}

// pushConfig recomputes the backpressure config and sends it if it
// differs from the last one sent to this session, or unconditionally
// when force is true (the initial push on join, per spec.md §4.8).
func (s *Session) pushConfig(force bool) {
	attn := s.deps.Attention.GetSensorAttentionLevel(s.sensorID)
	load := s.deps.SysLoad.Current()
	cfg := backpressure.Compute(attn, load.Level, load.Multiplier, clock.NowWallMS(s.deps.Clock))

	s.mu.Lock()
	changed := force || s.lastConfig == nil || !backpressure.Equal(*s.lastConfig, cfg)
	if changed {
		s.lastConfig = &cfg
	}
	s.mu.Unlock()

	if !changed {
		return
	}

	payload := wire.BackpressurePushPayload{
		AttentionLevel:           string(cfg.AttentionLevel),
		SystemLoad:               string(cfg.SystemLoad),
		Paused:                   cfg.Paused,
		RecommendedBatchWindowMS: cfg.RecommendedBatchWindowMS,
		RecommendedBatchSize:     cfg.RecommendedBatchSize,
		LoadMultiplier:           cfg.Multiplier,
		Timestamp:                cfg.GeneratedAt,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.deps.Logger.Error("marshal backpressure_config", "error", err)
		return
	}
	s.sendFrame(wire.Frame{Topic: "sensor:" + s.sensorID, Event: wire.EventBackpressureConfig, Payload: raw})
}

// sendFrame marshals and enqueues f, dropping the oldest queued frame on
// overflow rather than blocking the caller (same non-blocking discipline
// as the message bus).
func (s *Session) sendFrame(f wire.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		s.deps.Logger.Error("marshal frame", "error", err)
		return
	}
	select {
	case s.send <- data:
		return
	default:
	}
	select {
	case <-s.send:
	default:
	}
	select {
	case s.send <- data:
	default:
		s.deps.Logger.Warn("send buffer full, dropping frame", "event", f.Event)
	}
}

func (s *Session) sendOK(ref string, payload any) {
	raw, _ := json.Marshal(payload)
	s.sendFrame(wire.Frame{Event: wire.EventOK, Ref: ref, Payload: raw})
}

func (s *Session) sendError(ref string, err error) {
	ep := wire.ErrorPayload{Message: err.Error()}
	if pe, ok := err.(*protoerr.Error); ok {
		ep.Kind = string(pe.Kind)
		ep.FailedCount = pe.FailedCount
	}
	raw, _ := json.Marshal(ep)
	s.sendFrame(wire.Frame{Event: wire.EventError, Ref: ref, Payload: raw})
}

// writePump owns the exclusive write side of the connection: it is the
// only goroutine allowed to call conn.WriteMessage. Grounded on the
// ambient stack's WebSocket client write-pump shape, adapted to this
// server's 30s ping / 60s pong deadline.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// teardown runs once, on readPump's return: it unsubscribes from the
// attention/load topics, waits for dispatchLoop to fully exit before
// closing the send channel (a pushConfig already in flight must not
// race a closed s.send), and releases this session's hold on the sensor
// actor. The registry itself applies the grace-interval coalescing
// (spec.md §4.9, §4.5) before any actual teardown occurs, so the
// Release call is fire-and-forget.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.attnSub != nil {
			s.deps.Bus.Unsubscribe(s.attnSub)
		}
		if s.loadSub != nil {
			s.deps.Bus.Unsubscribe(s.loadSub)
		}
		s.dispatchWG.Wait()
		close(s.send)
		if s.authenticated {
			go s.deps.Registry.Release(s.sensorID, s.connectorID)
		}
	})
}
