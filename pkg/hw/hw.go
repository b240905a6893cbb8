// Package hw defines the microcontroller surface the control core needs:
// output pins, ADC sample streams, the travel encoder and the feed motor
// tachometer. Pin setup, PWM cycle programming and ADC sampling cadence live
// on the other side of this interface.
package hw

import "errors"

// ErrUnknownPin is returned when a backend has no pin with the given name.
var ErrUnknownPin = errors.New("hw: unknown pin")

// OutputPin drives one digital or PWM output. Values are normalized duty
// cycles in [0, 1]; digital pins treat anything above zero as asserted.
type OutputPin interface {
	Set(value float64)
	Get() float64
}

// ADCCallback receives a normalized sample in [0, 1] with its read time.
type ADCCallback func(readTime, value float64)

// Backend is one feeder unit's hardware connection.
type Backend interface {
	// OutputPin resolves a named output pin.
	OutputPin(name string) (OutputPin, error)

	// SubscribeADC registers a callback for samples of a named ADC channel.
	SubscribeADC(name string, cb ADCCallback) error

	// SubscribeEncoder registers a callback for travel encoder click deltas
	// (positive clockwise, negative counter-clockwise).
	SubscribeEncoder(cb func(delta int))

	// RPM returns the feed motor tachometer reading.
	RPM() float64

	Close() error
}
