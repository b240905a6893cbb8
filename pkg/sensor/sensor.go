// Package sensor holds the per-unit sensor models: analog hall-effect
// switches with calibrated thresholds, the continuous buffer pressure
// sensor, the first-stage motor current sensor and the travel encoder.
// Sensors are fed from hw.Backend ADC/encoder callbacks and are safe to
// read from other goroutines.
package sensor

import "sync"

// Polarity defines which side of the threshold means "on".
type Polarity string

const (
	// Above asserts the switch when the sample exceeds the threshold.
	Above Polarity = "above"
	// Below asserts the switch when the sample is under the threshold.
	Below Polarity = "below"
)

// EdgeCallback is invoked on every on/off transition of a switch.
type EdgeCallback func(index int, on bool, value float64)

// Recorder persists raw switch samples for diagnostics.
type Recorder interface {
	RecordSample(bay int, on bool, value float64)
}

// HesSwitch is a hall-effect switch read through an ADC and thresholded
// in software. Feeder-inserted and hub-present flags are both HesSwitches.
type HesSwitch struct {
	mu        sync.Mutex
	name      string
	index     int
	threshold float64
	polarity  Polarity
	on        bool
	value     float64
	ready     bool
	callback  EdgeCallback
	recorder  Recorder
}

// NewHesSwitch creates a switch with its calibrated threshold.
func NewHesSwitch(name string, index int, threshold float64, polarity Polarity, cb EdgeCallback) *HesSwitch {
	return &HesSwitch{
		name:      name,
		index:     index,
		threshold: threshold,
		polarity:  polarity,
		callback:  cb,
	}
}

// SetRecorder attaches a raw-sample recorder.
func (s *HesSwitch) SetRecorder(r Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = r
}

// Update feeds a new ADC sample. Registered as the hw ADC callback.
func (s *HesSwitch) Update(readTime, value float64) {
	s.mu.Lock()
	s.value = value
	s.ready = true
	on := false
	switch s.polarity {
	case Above:
		on = value > s.threshold
	case Below:
		on = value < s.threshold
	}
	changed := on != s.on
	s.on = on
	cb := s.callback
	rec := s.recorder
	index := s.index
	s.mu.Unlock()

	if rec != nil {
		rec.RecordSample(index, on, value)
	}
	if changed && cb != nil {
		cb(index, on, value)
	}
}

// On reports whether the switch is asserted.
func (s *HesSwitch) On() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// Value returns the last raw sample.
func (s *HesSwitch) Value() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Ready reports whether at least one sample has arrived.
func (s *HesSwitch) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Name returns the switch name.
func (s *HesSwitch) Name() string { return s.name }

// Index returns the bay index this switch belongs to.
func (s *HesSwitch) Index() int { return s.index }

// SetThreshold replaces the calibrated threshold and polarity and
// re-evaluates the current state against the last sample.
func (s *HesSwitch) SetThreshold(threshold float64, polarity Polarity) {
	s.mu.Lock()
	s.threshold = threshold
	s.polarity = polarity
	value, ready := s.value, s.ready
	s.mu.Unlock()
	if ready {
		s.Update(0, value)
	}
}

// Threshold returns the calibrated threshold and polarity.
func (s *HesSwitch) Threshold() (float64, Polarity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold, s.polarity
}

// PressureSensor is the continuous buffer-pressure sensor near the print
// head. Some unit revisions wire it inverted; Reverse flips the sample.
type PressureSensor struct {
	mu       sync.Mutex
	reverse  bool
	value    float64
	callback func(readTime, value float64)
}

// NewPressureSensor creates the sensor. The callback (usually the follower
// evaluation) runs on every sample.
func NewPressureSensor(reverse bool, cb func(readTime, value float64)) *PressureSensor {
	return &PressureSensor{reverse: reverse, callback: cb}
}

// Update feeds a new ADC sample.
func (p *PressureSensor) Update(readTime, value float64) {
	if p.reverse {
		value = 1.0 - value
	}
	p.mu.Lock()
	p.value = value
	cb := p.callback
	p.mu.Unlock()
	if cb != nil {
		cb(readTime, value)
	}
}

// Value returns the last sample.
func (p *PressureSensor) Value() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// CurrentSensor reads the first-stage motor current. While capturing it
// also buffers samples for post-unload diagnostics.
type CurrentSensor struct {
	mu        sync.Mutex
	value     float64
	capturing bool
	captured  []float64
	callback  func(readTime, value float64)
}

// NewCurrentSensor creates the sensor. The callback (the unload current
// controller) runs on every sample.
func NewCurrentSensor(cb func(readTime, value float64)) *CurrentSensor {
	return &CurrentSensor{callback: cb}
}

// Update feeds a new ADC sample.
func (c *CurrentSensor) Update(readTime, value float64) {
	c.mu.Lock()
	c.value = value
	if c.capturing {
		c.captured = append(c.captured, value)
	}
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(readTime, value)
	}
}

// Value returns the last sample.
func (c *CurrentSensor) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// StartCapture begins buffering samples.
func (c *CurrentSensor) StartCapture() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capturing = true
	c.captured = c.captured[:0]
}

// StopCapture stops buffering and returns the captured samples.
func (c *CurrentSensor) StopCapture() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capturing = false
	out := make([]float64, len(c.captured))
	copy(out, c.captured)
	c.captured = c.captured[:0]
	return out
}

// Encoder accumulates travel clicks from the rotary encoder on the shared
// feed path. Two clicks correspond to roughly one millimeter of filament.
type Encoder struct {
	mu     sync.Mutex
	clicks int
}

// NewEncoder creates an encoder counter.
func NewEncoder() *Encoder { return &Encoder{} }

// AddDelta applies an encoder delta. Registered as the hw encoder callback.
func (e *Encoder) AddDelta(delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clicks += delta
}

// Clicks returns the accumulated click count since the last reset.
func (e *Encoder) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// Reset zeroes the counter and returns the value it had.
func (e *Encoder) Reset() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	clicks := e.clicks
	e.clicks = 0
	return clicks
}
