// This file may be distributed under the terms of the GNU GPLv3 license.
package motor

import (
	"fmt"
	"sync"

	"oams-go-migration/pkg/hw"
	"oams-go-migration/pkg/log"
)

// F1Driver drives the four per-bay first-stage DC motors through a single
// H-bridge behind a mux. Only one bay can be driven at a time.
type F1Driver struct {
	mu            sync.Mutex
	boardRevision string
	selHigh       hw.OutputPin
	selLow        hw.OutputPin
	pwmA          hw.OutputPin
	pwmB          hw.OutputPin
	active        int // driven bay, -1 when idle
	logger        *log.Logger
}

// F1Pins names the backend pins the driver writes.
type F1Pins struct {
	SelectHigh string
	SelectLow  string
	PWMA       string
	PWMB       string
}

// NewF1Driver resolves the pins on the backend.
func NewF1Driver(backend hw.Backend, boardRevision string, pins F1Pins) (*F1Driver, error) {
	f := &F1Driver{
		boardRevision: boardRevision,
		active:        -1,
		logger:        log.GetLogger("motor.f1"),
	}
	var err error
	if f.selHigh, err = backend.OutputPin(pins.SelectHigh); err != nil {
		return nil, fmt.Errorf("f1 select high: %w", err)
	}
	if f.selLow, err = backend.OutputPin(pins.SelectLow); err != nil {
		return nil, fmt.Errorf("f1 select low: %w", err)
	}
	if f.pwmA, err = backend.OutputPin(pins.PWMA); err != nil {
		return nil, fmt.Errorf("f1 pwm a: %w", err)
	}
	if f.pwmB, err = backend.OutputPin(pins.PWMB); err != nil {
		return nil, fmt.Errorf("f1 pwm b: %w", err)
	}
	return f, nil
}

// Run routes the bridge to the given bay and drives it. Speed is a duty
// fraction in [0,1].
func (f *F1Driver) Run(bay int, direction Direction, speed float64) error {
	high, low, err := MotorSelect(f.boardRevision, bay, direction)
	if err != nil {
		return err
	}
	if speed < 0 {
		speed = 0
	} else if speed > 1 {
		speed = 1
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// Quiesce the bridge before switching the mux.
	f.pwmA.Set(0)
	f.pwmB.Set(0)
	f.selHigh.Set(high)
	f.selLow.Set(low)
	if direction == Forward {
		f.pwmA.Set(speed)
	} else {
		f.pwmB.Set(speed)
	}
	f.active = bay
	f.logger.WithField("bay", bay).Debug("f1 run %s at %.2f", direction, speed)
	return nil
}

// Stop releases the bridge.
func (f *F1Driver) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pwmA.Set(0)
	f.pwmB.Set(0)
	f.active = -1
}

// Active returns the driven bay, or -1 when idle.
func (f *F1Driver) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}
