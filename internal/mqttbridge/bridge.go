// Package mqttbridge implements the MQTT ingest bridge (spec component
// C11, added in SPEC_FULL.md §4.11): an alternate ingest transport for
// connector fleets that publish over MQTT instead of opening a
// WebSocket. Grounded on the ambient stack's MQTT publisher
// (internal/mqtt/publisher.go): the same eclipse/paho.golang/autopaho
// connection-manager shape, on-connect subscribe, and panic-recovering
// message dispatch, adapted from HA state publishing to sensor ingest.
package mqttbridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/sensorhub/internal/auth"
	"github.com/nugget/sensorhub/internal/clock"
	"github.com/nugget/sensorhub/internal/protoerr"
	"github.com/nugget/sensorhub/internal/registry"
	"github.com/nugget/sensorhub/internal/sensor"
	"github.com/nugget/sensorhub/internal/store"
	"github.com/nugget/sensorhub/internal/wire"
)

// DefaultTopicFilters is the topic wildcard pair named in SPEC_FULL.md
// §4.11: one filter for single measurements, one for batches.
var DefaultTopicFilters = []string{"sensors/+/measurement", "sensors/+/batch"}

// Config configures a Bridge.
type Config struct {
	Broker       string
	ClientID     string
	Username     string
	Password     string
	TopicFilters []string // defaults to DefaultTopicFilters when empty
	// BearerToken authorizes the whole bridge, once, at Start — MQTT has
	// no per-message auth channel in this deployment (SPEC_FULL.md §4.11).
	BearerToken string
}

func (c Config) topicFilters() []string {
	if len(c.TopicFilters) == 0 {
		return DefaultTopicFilters
	}
	return c.TopicFilters
}

// Deps are the collaborators a Bridge routes ingested measurements
// through — the same registry and actor path a WebSocket session uses.
type Deps struct {
	Registry *registry.Registry
	Verifier auth.TokenVerifier
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Bridge is a single MQTT connection fanning inbound messages into the
// sensor registry.
type Bridge struct {
	cfg  Config
	deps Deps
	cm   *autopaho.ConnectionManager
}

// New creates a Bridge but does not connect. Call Start to connect and
// begin routing messages.
func New(cfg Config, deps Deps) *Bridge {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Bridge{cfg: cfg, deps: deps}
}

// Start authorizes the bridge's static token, connects to the broker,
// subscribes to the configured topic filters on every (re-)connect, and
// blocks until ctx is cancelled.
func (br *Bridge) Start(ctx context.Context) error {
	if _, err := br.deps.Verifier.Verify(br.cfg.BearerToken); err != nil {
		return fmt.Errorf("mqtt bridge: bearer token rejected: %w", err)
	}

	brokerURL, err := url.Parse(br.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := br.cfg.ClientID
	if clientID == "" {
		clientID = "sensorhub-bridge-" + clock.FreshID()[:8]
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: br.cfg.Username,
		ConnectPassword: []byte(br.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			br.deps.Logger.Info("mqtt bridge connected", "broker", br.cfg.Broker)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			br.subscribe(subCtx, cm)
		},
		OnConnectError: func(err error) {
			br.deps.Logger.Warn("mqtt bridge connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt bridge connect: %w", err)
	}
	br.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					br.deps.Logger.Error("mqtt bridge message handler panicked",
						"topic", pr.Packet.Topic, "panic", r)
				}
			}()
			br.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
		}()
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		br.deps.Logger.Warn("mqtt bridge initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop disconnects the bridge. ctx bounds how long to wait for a clean
// disconnect.
func (br *Bridge) Stop(ctx context.Context) error {
	if br.cm == nil {
		return nil
	}
	return br.cm.Disconnect(ctx)
}

func (br *Bridge) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	filters := br.cfg.topicFilters()
	opts := make([]paho.SubscribeOptions, 0, len(filters))
	for _, f := range filters {
		opts = append(opts, paho.SubscribeOptions{Topic: f, QoS: 0})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		br.deps.Logger.Error("mqtt bridge subscribe failed", "error", err, "filters", filters)
		return
	}
	br.deps.Logger.Info("mqtt bridge subscribed", "filters", filters)
}

// handleMessage decodes an inbound MQTT publish and ingests it through
// the same registry/actor path a WebSocket session would use. Topics
// are shaped "sensors/<sensor_id>/measurement" or
// "sensors/<sensor_id>/batch".
func (br *Bridge) handleMessage(topic string, payload []byte) {
	sensorID, kind, ok := parseTopic(topic)
	if !ok {
		br.deps.Logger.Debug("mqtt bridge ignoring unrecognized topic", "topic", topic)
		return
	}

	actor, err := br.deps.Registry.LocateOrCreate(sensorID, sensor.Meta{SensorType: "mqtt"})
	if err != nil {
		br.deps.Logger.Warn("mqtt bridge locate_or_create failed", "sensor_id", sensorID, "error", err)
		return
	}

	switch kind {
	case "measurement":
		br.ingestOne(actor, sensorID, payload)
	case "batch":
		br.ingestBatch(actor, sensorID, payload)
	}
}

func (br *Bridge) ingestOne(actor *sensor.Actor, sensorID string, payload []byte) {
	var p wire.MeasurementPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.AttributeID == nil || p.Payload == nil || p.TimestampMS == nil {
		br.deps.Logger.Warn("mqtt bridge dropped malformed measurement", "sensor_id", sensorID)
		return
	}
	m := store.Measurement{
		SensorID:    sensorID,
		AttributeID: *p.AttributeID,
		TimestampMS: *p.TimestampMS,
		Payload:     *p.Payload,
	}
	if err := actor.IngestOne(m); err != nil {
		br.logIngestErr(sensorID, err)
	}
}

func (br *Bridge) ingestBatch(actor *sensor.Actor, sensorID string, payload []byte) {
	var raws []json.RawMessage
	if err := json.Unmarshal(payload, &raws); err != nil {
		br.deps.Logger.Warn("mqtt bridge dropped malformed batch payload", "sensor_id", sensorID, "error", err)
		return
	}

	built := make([]store.Measurement, 0, len(raws))
	for _, raw := range raws {
		var p wire.MeasurementPayload
		if err := json.Unmarshal(raw, &p); err != nil || p.AttributeID == nil || p.Payload == nil || p.TimestampMS == nil {
			continue
		}
		built = append(built, store.Measurement{
			SensorID:    sensorID,
			AttributeID: *p.AttributeID,
			TimestampMS: *p.TimestampMS,
			Payload:     *p.Payload,
		})
	}
	if len(built) == 0 {
		br.deps.Logger.Warn("mqtt bridge batch had no valid entries", "sensor_id", sensorID, "received", len(raws))
		return
	}

	if _, err := actor.IngestBatch(built); err != nil {
		br.logIngestErr(sensorID, err)
	}
}

func (br *Bridge) logIngestErr(sensorID string, err error) {
	if pe, ok := err.(*protoerr.Error); ok {
		br.deps.Logger.Warn("mqtt bridge ingest rejected", "sensor_id", sensorID, "kind", pe.Kind, "error", pe.Error())
		return
	}
	br.deps.Logger.Warn("mqtt bridge ingest failed", "sensor_id", sensorID, "error", err)
}

// parseTopic extracts the sensor_id and frame kind ("measurement" or
// "batch") from a topic shaped "sensors/<sensor_id>/<kind>".
func parseTopic(topic string) (sensorID, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "sensors" || parts[1] == "" {
		return "", "", false
	}
	if parts[2] != "measurement" && parts[2] != "batch" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
