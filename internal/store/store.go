// Package store implements the tiered (hot/warm) attribute store (spec
// component C3): a bounded, per-(sensor_id, attribute_id) ring of
// timestamped measurements. Hot is walked on every ingest and must stay
// cheap; warm answers history queries without reaching cold storage.
package store

import (
	"sort"
	"sync"
)

// Measurement mirrors the wire-level measurement shape (spec.md §3). It
// is duplicated here rather than imported from the sensor package to
// keep store a leaf package with no dependency on actor/session code.
type Measurement struct {
	SensorID    string
	AttributeID string
	TimestampMS int64
	Payload     any
	Event       string // optional: press/release/...; empty if unset.
}

// Stats summarizes a sensor's footprint in the store.
type Stats struct {
	HotEntries  int
	WarmEntries int
	Attributes  int
}

// ColdSink is the external collaborator a deployment may supply to
// persist measurements evicted from the warm tier (spec.md §6.2,
// ColdStorage.append). Best-effort: a failing or absent sink never
// affects store correctness.
type ColdSink interface {
	Append(sensorID string, measurements []Measurement)
}

// series is the per-(sensor_id, attribute_id) ring described in
// spec.md §3: |hot| <= hotCap, |warm| <= warmCap, hot++warm is
// newest-first by insertion order.
type series struct {
	hot  []Measurement // index 0 = newest
	warm []Measurement // index 0 = newest
	last *Measurement
}

// Store is the tiered attribute store. The zero value is not usable;
// construct with New.
type Store struct {
	hotCap  int
	warmCap int
	sink    ColdSink

	mu   sync.RWMutex
	data map[string]map[string]*series // sensorID -> attributeID -> series
}

// DefaultHotCapacity and DefaultWarmCapacity are the defaults named in
// spec.md §4.3.
const (
	DefaultHotCapacity  = 500
	DefaultWarmCapacity = 10_000
)

// New creates a Store with the given capacities. A capacity <= 0 uses
// the package default. sink may be nil (cold storage is optional).
func New(hotCap, warmCap int, sink ColdSink) *Store {
	if hotCap <= 0 {
		hotCap = DefaultHotCapacity
	}
	if warmCap <= 0 {
		warmCap = DefaultWarmCapacity
	}
	return &Store{
		hotCap:  hotCap,
		warmCap: warmCap,
		sink:    sink,
		data:    make(map[string]map[string]*series),
	}
}

// Put inserts m into its (sensor_id, attribute_id) series, prepending to
// hot. If hot overflows hotCap, the oldest overflow entries move to
// warm; if warm then overflows warmCap, the oldest warm entries are
// evicted and handed to the configured ColdSink (fire-and-forget) before
// being dropped.
func (s *Store) Put(m Measurement) {
	s.mu.Lock()
	attrs, ok := s.data[m.SensorID]
	if !ok {
		attrs = make(map[string]*series)
		s.data[m.SensorID] = attrs
	}
	sr, ok := attrs[m.AttributeID]
	if !ok {
		sr = &series{}
		attrs[m.AttributeID] = sr
	}

	sr.hot = append([]Measurement{m}, sr.hot...)
	mCopy := m
	sr.last = &mCopy

	var evicted []Measurement
	if len(sr.hot) > s.hotCap {
		overflow := sr.hot[s.hotCap:]
		sr.hot = sr.hot[:s.hotCap]
		sr.warm = append(append([]Measurement{}, overflow...), sr.warm...)
		if len(sr.warm) > s.warmCap {
			evicted = append(evicted, sr.warm[s.warmCap:]...)
			sr.warm = sr.warm[:s.warmCap]
		}
	}
	sink := s.sink
	s.mu.Unlock()

	if sink != nil && len(evicted) > 0 {
		sink.Append(m.SensorID, evicted)
	}
}

// GetHot returns up to limit of the hot tier, newest first. limit <= 0
// means no truncation.
func (s *Store) GetHot(sensorID, attributeID string, limit int) []Measurement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sr := s.lookupLocked(sensorID, attributeID)
	if sr == nil {
		return nil
	}
	out := append([]Measurement{}, sr.hot...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetRange returns the prefix of hot++warm whose TimestampMS falls
// within [from, to] (either bound may be nil, meaning unbounded),
// truncated to limit (<=0 means unbounded), newest first.
func (s *Store) GetRange(sensorID, attributeID string, from, to *int64, limit int) []Measurement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sr := s.lookupLocked(sensorID, attributeID)
	if sr == nil {
		return nil
	}

	combined := make([]Measurement, 0, len(sr.hot)+len(sr.warm))
	combined = append(combined, sr.hot...)
	combined = append(combined, sr.warm...)

	out := make([]Measurement, 0, len(combined))
	for _, m := range combined {
		if from != nil && m.TimestampMS < *from {
			continue
		}
		if to != nil && m.TimestampMS > *to {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Last returns the most recently ingested measurement for
// (sensorID, attributeID), or nil if none exists.
func (s *Store) Last(sensorID, attributeID string) *Measurement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sr := s.lookupLocked(sensorID, attributeID)
	if sr == nil || sr.last == nil {
		return nil
	}
	m := *sr.last
	return &m
}

// RemoveAttribute drops all stored history for (sensorID, attributeID).
func (s *Store) RemoveAttribute(sensorID, attributeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if attrs, ok := s.data[sensorID]; ok {
		delete(attrs, attributeID)
		if len(attrs) == 0 {
			delete(s.data, sensorID)
		}
	}
}

// RemoveSensor drops all stored history for sensorID across every
// attribute. Called by the sensor actor on terminate().
func (s *Store) RemoveSensor(sensorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sensorID)
}

// Stats reports the current footprint of sensorID.
func (s *Store) Stats(sensorID string) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attrs := s.data[sensorID]
	var st Stats
	st.Attributes = len(attrs)
	ids := make([]string, 0, len(attrs))
	for id := range attrs {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic order for callers that print stats
	for _, id := range ids {
		sr := attrs[id]
		st.HotEntries += len(sr.hot)
		st.WarmEntries += len(sr.warm)
	}
	return st
}

func (s *Store) lookupLocked(sensorID, attributeID string) *series {
	attrs, ok := s.data[sensorID]
	if !ok {
		return nil
	}
	return attrs[attributeID]
}
