package hw

import (
	"sync"
	"time"
)

// SimPin is an in-memory output pin that records the last written value.
type SimPin struct {
	mu   sync.Mutex
	name string
	val  float64
}

// Set stores the value.
func (p *SimPin) Set(value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.val = value
}

// Get returns the last written value.
func (p *SimPin) Get() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.val
}

// SimBackend is an in-memory Backend used by tests and the simulator
// binary. Tests inject sensor values with SetADC/AddClicks/SetRPM and
// observe motor commands through the recorded pin values.
type SimBackend struct {
	mu       sync.Mutex
	pins     map[string]*SimPin
	adcSubs  map[string][]ADCCallback
	encSubs  []func(delta int)
	rpm      float64
	clock    func() float64
	lastADC  map[string]float64
}

// NewSimBackend creates an empty simulated backend. Pins are created on
// first access.
func NewSimBackend() *SimBackend {
	start := time.Now()
	return &SimBackend{
		pins:    make(map[string]*SimPin),
		adcSubs: make(map[string][]ADCCallback),
		lastADC: make(map[string]float64),
		clock:   func() float64 { return time.Since(start).Seconds() },
	}
}

// SetClock overrides the read-time source. Tests use this to feed
// deterministic timestamps into PID updates.
func (b *SimBackend) SetClock(clock func() float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
}

// OutputPin implements Backend.
func (b *SimBackend) OutputPin(name string) (OutputPin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pins[name]
	if !ok {
		p = &SimPin{name: name}
		b.pins[name] = p
	}
	return p, nil
}

// Pin returns the named pin for test assertions, creating it if needed.
func (b *SimBackend) Pin(name string) *SimPin {
	p, _ := b.OutputPin(name)
	return p.(*SimPin)
}

// SubscribeADC implements Backend.
func (b *SimBackend) SubscribeADC(name string, cb ADCCallback) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adcSubs[name] = append(b.adcSubs[name], cb)
	return nil
}

// SubscribeEncoder implements Backend.
func (b *SimBackend) SubscribeEncoder(cb func(delta int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.encSubs = append(b.encSubs, cb)
}

// RPM implements Backend.
func (b *SimBackend) RPM() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rpm
}

// Close implements Backend.
func (b *SimBackend) Close() error { return nil }

// SetADC pushes a sample to all subscribers of the named channel.
func (b *SimBackend) SetADC(name string, value float64) {
	b.mu.Lock()
	subs := append([]ADCCallback(nil), b.adcSubs[name]...)
	readTime := b.clock()
	b.lastADC[name] = value
	b.mu.Unlock()
	for _, cb := range subs {
		cb(readTime, value)
	}
}

// ADC returns the last pushed value for a channel.
func (b *SimBackend) ADC(name string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastADC[name]
}

// AddClicks pushes an encoder delta to all subscribers.
func (b *SimBackend) AddClicks(delta int) {
	b.mu.Lock()
	subs := append([]func(int){}, b.encSubs...)
	b.mu.Unlock()
	for _, cb := range subs {
		cb(delta)
	}
}

// SetRPM sets the simulated tachometer reading.
func (b *SimBackend) SetRPM(rpm float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rpm = rpm
}
