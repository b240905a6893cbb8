// Package store persists slow-changing unit state between host restarts:
// which spool sits in which bay, accumulated travel clicks, calibrated
// path lengths and raw switch sample history for diagnostics.
package store

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"oams-go-migration/pkg/log"
)

// SampleHistoryCap bounds the retained raw samples per bay and polarity.
const SampleHistoryCap = 1000

// SpoolRecord is the persisted description of a loaded spool.
type SpoolRecord struct {
	Material        string  `yaml:"material"`
	StartPercentage float64 `yaml:"start_percentage"`
	Clicks          int     `yaml:"clicks"`
}

// BayState is the persisted per-bay state.
type BayState struct {
	Spool      *SpoolRecord `yaml:"spool,omitempty"`
	SamplesOn  []float64    `yaml:"samples_on,omitempty"`
	SamplesOff []float64    `yaml:"samples_off,omitempty"`
}

// UnitState is the persisted per-unit state.
type UnitState struct {
	Bays       map[int]*BayState `yaml:"bays"`
	PathClicks int               `yaml:"path_clicks,omitempty"`
}

// Store owns the state file. An empty path keeps everything in memory.
type Store struct {
	mu     sync.Mutex
	path   string
	units  map[string]*UnitState
	logger *log.Logger
}

// Open loads the state file, creating empty state when it is absent.
func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		units:  make(map[string]*UnitState),
		logger: log.GetLogger("store"),
	}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &s.units); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", path, err)
	}
	return s, nil
}

// Save writes the state file atomically. A memory-only store is a no-op.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(s.units)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) bay(unit string, bay int) *BayState {
	u, ok := s.units[unit]
	if !ok {
		u = &UnitState{Bays: make(map[int]*BayState)}
		s.units[unit] = u
	}
	if u.Bays == nil {
		u.Bays = make(map[int]*BayState)
	}
	b, ok := u.Bays[bay]
	if !ok {
		b = &BayState{}
		u.Bays[bay] = b
	}
	return b
}

// SetSpool records a spool as present in a bay.
func (s *Store) SetSpool(unit string, bay int, rec SpoolRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bay(unit, bay).Spool = &rec
}

// Spool returns a copy of the bay's spool record, if any.
func (s *Store) Spool(unit string, bay int) (SpoolRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bay(unit, bay)
	if b.Spool == nil {
		return SpoolRecord{}, false
	}
	return *b.Spool, true
}

// ClearSpool removes the bay's spool record.
func (s *Store) ClearSpool(unit string, bay int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bay(unit, bay).Spool = nil
}

// AddClicks accumulates travel clicks onto the bay's spool record and
// returns the new total. Clicks on an empty bay are discarded.
func (s *Store) AddClicks(unit string, bay int, delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bay(unit, bay)
	if b.Spool == nil {
		return 0
	}
	b.Spool.Clicks += delta
	return b.Spool.Clicks
}

// SetPathClicks records the calibrated full-path click count.
func (s *Store) SetPathClicks(unit string, clicks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bay(unit, 0)
	s.units[unit].PathClicks = clicks
}

// PathClicks returns the calibrated full-path click count, 0 if never
// calibrated.
func (s *Store) PathClicks(unit string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.units[unit]; ok {
		return u.PathClicks
	}
	return 0
}

// Recorder returns a sensor sample recorder bound to one unit.
func (s *Store) Recorder(unit string) *UnitRecorder {
	return &UnitRecorder{store: s, unit: unit}
}

// UnitRecorder adapts the store to the sensor recorder interface.
type UnitRecorder struct {
	store *Store
	unit  string
}

// RecordSample appends a raw switch sample, keeping the newest
// SampleHistoryCap entries per polarity.
func (r *UnitRecorder) RecordSample(bay int, on bool, value float64) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	b := r.store.bay(r.unit, bay)
	if on {
		b.SamplesOn = capAppend(b.SamplesOn, value)
	} else {
		b.SamplesOff = capAppend(b.SamplesOff, value)
	}
}

// Samples returns copies of the recorded histories for a bay.
func (s *Store) Samples(unit string, bay int) (on, off []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bay(unit, bay)
	on = append(on, b.SamplesOn...)
	off = append(off, b.SamplesOff...)
	return on, off
}

func capAppend(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > SampleHistoryCap {
		history = history[len(history)-SampleHistoryCap:]
	}
	return history
}
