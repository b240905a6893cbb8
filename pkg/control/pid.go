// This file may be distributed under the terms of the GNU GPLv3 license.
package control

// minDerivTime smooths the derivative term over short sample intervals.
const minDerivTime = 0.1

// PID is a positional PID controller with a bounded integral and
// conditional integration anti-windup. Output is clamped to [-1, 1].
type PID struct {
	Kp, Ki, Kd float64
	target     float64

	prevValue float64
	prevTime  float64
	prevDeriv float64
	prevInteg float64
	primed    bool
}

// NewPID creates a controller holding the given target.
func NewPID(kp, ki, kd, target float64) *PID {
	return &PID{Kp: kp, Ki: ki, Kd: kd, target: target}
}

// SetTarget changes the setpoint.
func (p *PID) SetTarget(target float64) { p.target = target }

// Target returns the setpoint.
func (p *PID) Target() float64 { return p.target }

// Reset clears the controller history.
func (p *PID) Reset() {
	p.prevValue = 0
	p.prevTime = 0
	p.prevDeriv = 0
	p.prevInteg = 0
	p.primed = false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Update feeds a sample and returns the new control output.
func (p *PID) Update(readTime, value float64) float64 {
	if !p.primed {
		p.prevValue = value
		p.prevTime = readTime
		p.primed = true
	}
	timeDiff := readTime - p.prevTime
	valueDiff := value - p.prevValue

	var deriv float64
	if timeDiff >= minDerivTime {
		deriv = valueDiff / timeDiff
	} else {
		deriv = (p.prevDeriv*(minDerivTime-timeDiff) + valueDiff) / minDerivTime
	}

	err := p.target - value
	integ := p.prevInteg + err*timeDiff
	integ = clamp(integ, -1, 1)

	out := p.Kp*err + p.Ki*integ - p.Kd*deriv
	bounded := clamp(out, -1, 1)

	p.prevValue = value
	p.prevTime = readTime
	p.prevDeriv = deriv
	// Conditional integration: freeze the integral while the output
	// saturates.
	if out == bounded {
		p.prevInteg = integ
	}
	return bounded
}
