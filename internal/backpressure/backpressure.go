// Package backpressure implements the backpressure engine (spec
// component C8): a pure function of (attention level, system load
// level, load multiplier) producing the connector-facing
// BackpressureConfig. No hidden state — identical inputs always produce
// a bit-identical Config (spec.md §8, P5), except for GeneratedAt which
// callers stamp separately.
package backpressure

import (
	"math"

	"github.com/nugget/sensorhub/internal/attention"
	"github.com/nugget/sensorhub/internal/sysload"
)

// Config is the BackpressureConfig data-model struct (spec.md §3).
type Config struct {
	AttentionLevel           attention.Level `json:"attention_level"`
	SystemLoad               sysload.Level   `json:"system_load"`
	Paused                   bool            `json:"paused"`
	RecommendedBatchWindowMS int             `json:"recommended_batch_window_ms"`
	RecommendedBatchSize     int             `json:"recommended_batch_size"`
	Multiplier               float64         `json:"multiplier"`
	GeneratedAt              int64           `json:"generated_at"`
}

// base holds the per-attention-level starting point from spec.md §4.8's
// table, before the system load multiplier is applied.
type base struct {
	windowMS  int
	batchSize int
}

var baseTable = map[attention.Level]base{
	attention.LevelHigh:   {windowMS: 100, batchSize: 1},
	attention.LevelMedium: {windowMS: 500, batchSize: 5},
	attention.LevelLow:    {windowMS: 2000, batchSize: 10},
	attention.LevelNone:   {windowMS: 5000, batchSize: 20},
}

// Compute derives a BackpressureConfig from the current attention level
// and system load, per spec.md §4.8. generatedAt is the epoch-ms
// timestamp to stamp on the result (supplied by the caller's clock so
// this function itself stays pure and deterministic).
func Compute(attn attention.Level, load sysload.Level, multiplier float64, generatedAt int64) Config {
	b, ok := baseTable[attn]
	if !ok {
		b = baseTable[attention.LevelNone]
		attn = attention.LevelNone
	}

	windowMS := int(math.Round(float64(b.windowMS) * multiplier))
	paused := load == sysload.LevelCritical && (attn == attention.LevelLow || attn == attention.LevelNone)

	return Config{
		AttentionLevel:           attn,
		SystemLoad:               load,
		Paused:                   paused,
		RecommendedBatchWindowMS: windowMS,
		RecommendedBatchSize:     b.batchSize,
		Multiplier:               multiplier,
		GeneratedAt:              generatedAt,
	}
}

// Equal reports whether two configs differ in any field except
// GeneratedAt — used by the per-session dispatcher (spec.md §4.8) to
// decide whether a recomputed config is worth pushing to the connector.
func Equal(a, b Config) bool {
	return a.AttentionLevel == b.AttentionLevel &&
		a.SystemLoad == b.SystemLoad &&
		a.Paused == b.Paused &&
		a.RecommendedBatchWindowMS == b.RecommendedBatchWindowMS &&
		a.RecommendedBatchSize == b.RecommendedBatchSize &&
		a.Multiplier == b.Multiplier
}
