// Package calibrate derives hall-effect switch thresholds from sensor
// sweeps. Filament is jogged past the hub sensor a few times and the
// threshold is placed halfway between the filament-present and
// filament-absent plateaus.
package calibrate

import (
	"oams-go-migration/pkg/fault"
	"oams-go-migration/pkg/log"
	"oams-go-migration/pkg/motor"
	"oams-go-migration/pkg/sensor"
)

const (
	// Hysteresis is the minimum sensor swing that counts as a plateau
	// change; smaller drift is treated as noise.
	Hysteresis = 0.075
	// SettleTime between sensor polls while sweeping.
	SettleTime = 0.5
	// Passes is how many present/absent sample pairs are collected.
	Passes = 3
	// sweepSpeed is the first-stage jog duty during calibration.
	sweepSpeed = 0.25
	// maxPolls bounds one sweep phase before it is declared stuck.
	maxPolls = 60
)

// Feeder jogs filament for one bay. The unit's first-stage driver
// satisfies this for a fixed bay.
type Feeder interface {
	Feed(direction motor.Direction, speed float64) error
	Stop()
}

// Switch is the sensor being calibrated.
type Switch interface {
	Value() float64
	SetThreshold(threshold float64, polarity sensor.Polarity)
}

// Pauser provides reactor time to the sweep loop.
type Pauser interface {
	Monotonic() float64
	Pause(waketime float64) float64
}

// Result of a calibration run.
type Result struct {
	Threshold  float64
	Polarity   sensor.Polarity
	PresentAvg float64
	AbsentAvg  float64
}

// HubCalibrator sweeps filament past a hub switch.
type HubCalibrator struct {
	feeder Feeder
	sw     Switch
	pauser Pauser
	logger *log.Logger
}

// NewHubCalibrator wires the sweep pieces together.
func NewHubCalibrator(feeder Feeder, sw Switch, pauser Pauser) *HubCalibrator {
	return &HubCalibrator{
		feeder: feeder,
		sw:     sw,
		pauser: pauser,
		logger: log.GetLogger("calibrate"),
	}
}

// Calibrate runs the sweep passes and installs the derived threshold on
// the switch. The caller must ensure the bay has filament at the feeder
// and is not loaded.
func (c *HubCalibrator) Calibrate() (*Result, error) {
	defer c.feeder.Stop()

	baseline := c.sw.Value()
	var present, absent []float64
	for pass := 0; pass < Passes; pass++ {
		p, err := c.sweep(motor.Forward, baseline)
		if err != nil {
			return nil, err
		}
		present = append(present, p)

		a, err := c.sweep(motor.Backward, baseline)
		if err != nil {
			return nil, err
		}
		absent = append(absent, a)
	}

	presentAvg := mean(present)
	absentAvg := mean(absent)
	res := &Result{
		Threshold:  (presentAvg + absentAvg) / 2,
		PresentAvg: presentAvg,
		AbsentAvg:  absentAvg,
	}
	if presentAvg > absentAvg {
		res.Polarity = sensor.Above
	} else {
		res.Polarity = sensor.Below
	}
	c.sw.SetThreshold(res.Threshold, res.Polarity)
	c.logger.Info("hub threshold %.3f polarity %s (present %.3f absent %.3f)",
		res.Threshold, res.Polarity, presentAvg, absentAvg)
	return res, nil
}

// sweep jogs until the sensor leaves (forward) or regains (backward) the
// baseline plateau and settles, returning the settled value.
func (c *HubCalibrator) sweep(direction motor.Direction, baseline float64) (float64, error) {
	if err := c.feeder.Feed(direction, sweepSpeed); err != nil {
		return 0, err
	}
	defer c.feeder.Stop()

	prev := c.sw.Value()
	for poll := 0; poll < maxPolls; poll++ {
		c.pauser.Pause(c.pauser.Monotonic() + SettleTime)
		value := c.sw.Value()
		moved := abs(value-baseline) > Hysteresis
		if direction == motor.Backward {
			moved = abs(value-baseline) <= Hysteresis
		}
		settled := abs(value-prev) <= Hysteresis/2
		if moved && settled {
			return value, nil
		}
		prev = value
	}
	return 0, fault.New(fault.ErrOperationTimeout,
		"hub sensor did not settle while sweeping %s", direction).
		Observe("baseline", baseline).
		Observe("value", c.sw.Value())
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
