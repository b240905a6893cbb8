// This file may be distributed under the terms of the GNU GPLv3 license.

// Package control holds the closed-loop pieces of the feed path: the
// schmitt-trigger buffer follower that keeps the spring buffer mid-range,
// the PID controller, and the unload speed strategies.
package control

import (
	"sync"

	"oams-go-migration/pkg/log"
	"oams-go-migration/pkg/motor"
)

// Default follower thresholds on the normalized buffer pressure signal.
const (
	DefaultUpper        = 0.7
	DefaultLower        = 0.3
	DefaultReverseLower = 0.5
	// FollowSpeed is the duty the follower requests while feeding.
	FollowSpeed = 0.45
)

// Enqueuer is the slice of the motor queue the follower needs. The
// follower never touches drive pins directly.
type Enqueuer interface {
	Enqueue(c motor.Command) bool
}

// Follower is a schmitt trigger on the buffer pressure. Forward it tops
// up the buffer as the printer drains it below the lower threshold;
// backward it pays filament back while pressure holds above the reverse
// stop point.
type Follower struct {
	mu           sync.Mutex
	queue        Enqueuer
	upper        float64
	lower        float64
	reverseLower float64
	speed        float64

	enabled   bool
	direction motor.Direction
	running   bool
	logger    *log.Logger
}

// NewFollower creates a follower with the default thresholds.
func NewFollower(queue Enqueuer) *Follower {
	return &Follower{
		queue:        queue,
		upper:        DefaultUpper,
		lower:        DefaultLower,
		reverseLower: DefaultReverseLower,
		speed:        FollowSpeed,
		logger:       log.GetLogger("follower"),
	}
}

// SetThresholds overrides the trigger band.
func (f *Follower) SetThresholds(upper, lower, reverseLower float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upper = upper
	f.lower = lower
	f.reverseLower = reverseLower
}

// Enable arms the follower in the given direction.
func (f *Follower) Enable(direction motor.Direction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
	f.direction = direction
	f.running = false
	f.logger.Info("follower enabled %s", direction)
}

// Disable disarms the follower, stopping the drive if it was feeding.
func (f *Follower) Disable() {
	f.mu.Lock()
	wasRunning := f.enabled && f.running
	f.enabled = false
	f.running = false
	f.mu.Unlock()
	if wasRunning {
		f.queue.Enqueue(motor.StopCmd())
	}
}

// Enabled reports whether the follower is armed, and its direction.
func (f *Follower) Enabled() (bool, motor.Direction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled, f.direction
}

// OnSample evaluates a pressure sample. Registered as the pressure
// sensor callback.
func (f *Follower) OnSample(readTime, value float64) {
	f.mu.Lock()
	if !f.enabled {
		f.mu.Unlock()
		return
	}
	var cmd motor.Command
	issue := false
	if f.direction == motor.Forward {
		// Low pressure means the buffer is draining: top it up, and
		// release only once the pressure clears the upper threshold.
		switch {
		case !f.running && value < f.lower:
			cmd, issue = motor.RunForward(f.speed), true
			f.running = true
		case f.running && value > f.upper:
			cmd, issue = motor.StopCmd(), true
			f.running = false
		}
	} else {
		// Retracting pays the buffer back while pressure sits above
		// the reverse stop point.
		switch {
		case !f.running && value > f.reverseLower:
			cmd, issue = motor.RunBackward(f.speed), true
			f.running = true
		case f.running && value < f.reverseLower:
			cmd, issue = motor.StopCmd(), true
			f.running = false
		}
	}
	f.mu.Unlock()
	if issue {
		f.queue.Enqueue(cmd)
	}
}
