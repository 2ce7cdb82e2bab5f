// Package wire defines the connector <-> server frame envelope and
// payload shapes (spec.md §6.1, SPEC_FULL.md §3), shared by the
// WebSocket session layer and the MQTT ingest bridge so both transports
// speak the identical wire contract.
package wire

import "encoding/json"

// Frame is the envelope every message on the wire is wrapped in. Ref,
// when present, is echoed back on the matching reply so a connector can
// correlate request/response without a separate request table.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// Connector-originated event names (spec.md §6.1).
const (
	EventJoin              = "join"
	EventMeasurement       = "measurement"
	EventMeasurementsBatch = "measurements_batch"
	EventUpdateAttributes  = "update_attributes"
	EventPing              = "ping"
)

// Server-originated event names.
const (
	EventOK                 = "ok"
	EventError              = "error"
	EventBackpressureConfig = "backpressure_config"
)

// JoinPayload is the join frame's payload.
type JoinPayload struct {
	ConnectorID  string          `json:"connector_id"`
	SensorID     string          `json:"sensor_id"`
	SensorName   string          `json:"sensor_name,omitempty"`
	SensorType   string          `json:"sensor_type,omitempty"`
	Attributes   []string        `json:"attributes,omitempty"`
	SamplingRate json.RawMessage `json:"sampling_rate,omitempty"`
	BatchSize    *int            `json:"batch_size,omitempty"`
	BearerToken  string          `json:"bearer_token"`
}

// MeasurementPayload is a single measurement frame's payload. Pointer
// fields distinguish "absent" from "present but zero" so MissingFields
// can be detected without a raw map walk (vocab.RequiredMeasurementKeys).
type MeasurementPayload struct {
	AttributeID *string          `json:"attribute_id"`
	Payload     *json.RawMessage `json:"payload"`
	TimestampMS *int64           `json:"timestamp"`
}

// UpdateAttributesPayload is the update_attributes frame's payload.
type UpdateAttributesPayload struct {
	Action      string `json:"action"`
	AttributeID string `json:"attribute_id"`
	Metadata    any    `json:"metadata,omitempty"`
}

// BackpressurePushPayload is the shape pushed to connectors for the
// backpressure_config event (spec.md §6.1, field names per the wire
// table rather than Go's internal backpressure.Config field names).
type BackpressurePushPayload struct {
	AttentionLevel           string `json:"attention_level"`
	SystemLoad                string `json:"system_load"`
	Paused                    bool   `json:"paused"`
	RecommendedBatchWindowMS  int    `json:"recommended_batch_window_ms"`
	RecommendedBatchSize      int    `json:"recommended_batch_size"`
	LoadMultiplier            float64 `json:"load_multiplier"`
	Timestamp                 int64  `json:"timestamp"`
}

// ErrorPayload is the payload shape for EventError replies.
type ErrorPayload struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	FailedCount int    `json:"failed_count,omitempty"`
}
