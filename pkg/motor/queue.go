// This file may be distributed under the terms of the GNU GPLv3 license.
package motor

import (
	"fmt"
	"sync"

	"oams-go-migration/pkg/hw"
	"oams-go-migration/pkg/log"
	"oams-go-migration/pkg/reactor"
)

// State of the shared second-stage BLDC drive.
type State int

const (
	Stopped State = iota
	RunningForward
	RunningBackward
	Coasting
	Overloaded
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case RunningForward:
		return "running_forward"
	case RunningBackward:
		return "running_backward"
	case Coasting:
		return "coasting"
	case Overloaded:
		return "overloaded"
	}
	return "unknown"
}

// DrivePins names the backend pins of the shared BLDC bridge.
type DrivePins struct {
	PWM    string
	Dir    string
	Enable string
	Reset  string
}

// Drive is the raw pin interface to the shared BLDC motor. The PWM input
// is active low, so a duty of x is written as 1-x.
type Drive struct {
	pwm    hw.OutputPin
	dir    hw.OutputPin
	enable hw.OutputPin
	reset  hw.OutputPin
}

// NewDrive resolves the bridge pins on the backend.
func NewDrive(backend hw.Backend, pins DrivePins) (*Drive, error) {
	d := &Drive{}
	var err error
	if d.pwm, err = backend.OutputPin(pins.PWM); err != nil {
		return nil, fmt.Errorf("drive pwm: %w", err)
	}
	if d.dir, err = backend.OutputPin(pins.Dir); err != nil {
		return nil, fmt.Errorf("drive dir: %w", err)
	}
	if d.enable, err = backend.OutputPin(pins.Enable); err != nil {
		return nil, fmt.Errorf("drive enable: %w", err)
	}
	if d.reset, err = backend.OutputPin(pins.Reset); err != nil {
		return nil, fmt.Errorf("drive reset: %w", err)
	}
	d.reset.Set(1)
	return d, nil
}

func (d *Drive) run(direction Direction, speed float64) {
	if speed < 0 {
		speed = 0
	} else if speed > 1 {
		speed = 1
	}
	if direction == Forward {
		d.dir.Set(0)
	} else {
		d.dir.Set(1)
	}
	d.pwm.Set(1 - speed)
	d.enable.Set(1)
}

func (d *Drive) stop() {
	d.pwm.Set(1)
	d.enable.Set(1)
}

func (d *Drive) coast() {
	d.pwm.Set(1)
	d.enable.Set(0)
}

// Command is one queued drive action. Callback, if set, runs after the
// action has been applied.
type Command struct {
	Action   func(q *Queue, eventtime float64)
	Callback func()
}

const (
	// DrainPeriod is the queue poll interval.
	DrainPeriod = 0.1
	// minResetCount is how many consecutive zero-RPM polls while driving
	// are tolerated before the controller is reset.
	minResetCount = 5
	// resetPulse holds the reset line low slightly over the 100ms the
	// controller datasheet requires.
	resetPulse = 0.101
	// maxResetRuns is how many back to back resets are attempted before
	// the queue gives up and latches Overloaded.
	maxResetRuns = 3
)

// Queue serializes commands to the shared drive and supervises it for
// stalls. All state changes to the drive go through the queue. A direct
// reversal is never issued: switching direction passes through Stopped.
type Queue struct {
	mu         sync.Mutex
	reactor    *reactor.Reactor
	drive      *Drive
	rpm        func() float64
	state      State
	overloaded bool
	pending    []Command
	locked     bool
	lastRun    *Command
	resetCount int
	resetRuns  int
	resets     int
	onOverload func()
	timer      *reactor.Timer
	logger     *log.Logger
}

// NewQueue creates the queue and starts its drain timer.
func NewQueue(r *reactor.Reactor, drive *Drive, rpm func() float64) *Queue {
	q := &Queue{
		reactor: r,
		drive:   drive,
		rpm:     rpm,
		logger:  log.GetLogger("motor.queue"),
	}
	q.timer = r.RegisterTimer(q.drain, reactor.NOW)
	return q
}

// Enqueue appends a command. While the queue is locked new commands are
// dropped and false is returned.
func (q *Queue) Enqueue(c Command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.locked {
		return false
	}
	q.pending = append(q.pending, c)
	return true
}

// Lock stops accepting commands. Already queued commands still drain.
func (q *Queue) Lock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.locked = true
}

// Unlock resumes accepting commands.
func (q *Queue) Unlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.locked = false
}

// Purge discards all pending commands.
func (q *Queue) Purge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}

// Empty reports whether no commands are pending.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0
}

// State returns the drive state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Resets returns how many stall resets the queue has performed.
func (q *Queue) Resets() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resets
}

// RunForward returns a command that drives toward the print head.
func RunForward(speed float64) Command {
	return Command{Action: func(q *Queue, eventtime float64) {
		q.run(RunningForward, Forward, speed)
	}}
}

// RunBackward returns a command that rewinds toward the spool.
func RunBackward(speed float64) Command {
	return Command{Action: func(q *Queue, eventtime float64) {
		q.run(RunningBackward, Backward, speed)
	}}
}

// StopCmd returns a command that brakes the drive.
func StopCmd() Command {
	return Command{Action: func(q *Queue, eventtime float64) { q.stop() }}
}

// CoastCmd returns a command that lets the drive freewheel.
func CoastCmd() Command {
	return Command{Action: func(q *Queue, eventtime float64) { q.coast() }}
}

func (q *Queue) run(target State, direction Direction, speed float64) {
	q.mu.Lock()
	if q.overloaded {
		q.mu.Unlock()
		return
	}
	// Reversals pass through a stop so the bridge never sees a direct
	// direction flip.
	reversing := (target == RunningForward && q.state == RunningBackward) ||
		(target == RunningBackward && q.state == RunningForward)
	q.state = target
	q.resetCount = 0
	cmd := Command{Action: func(qq *Queue, _ float64) { qq.run(target, direction, speed) }}
	q.lastRun = &cmd
	q.mu.Unlock()
	if reversing {
		q.drive.stop()
	}
	q.drive.run(direction, speed)
}

// stop is always honored, even while the overload latch holds.
func (q *Queue) stop() {
	q.mu.Lock()
	q.state = Stopped
	q.lastRun = nil
	q.resetCount = 0
	q.mu.Unlock()
	q.drive.stop()
}

func (q *Queue) coast() {
	q.mu.Lock()
	if q.overloaded {
		q.mu.Unlock()
		return
	}
	q.state = Coasting
	q.lastRun = nil
	q.resetCount = 0
	q.mu.Unlock()
	q.drive.coast()
}

// Overload latches the overload state and kills the drive. Commands are
// ignored until ClearOverload.
func (q *Queue) Overload() {
	q.mu.Lock()
	q.state = Overloaded
	q.overloaded = true
	q.lastRun = nil
	q.pending = nil
	q.mu.Unlock()
	q.drive.stop()
	q.logger.Warn("drive overloaded, output latched off")
}

// SetOverloadCallback installs a hook invoked when the stall recovery
// gives up and latches Overloaded.
func (q *Queue) SetOverloadCallback(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onOverload = fn
}

// ClearOverload releases the overload latch, leaving the drive stopped.
func (q *Queue) ClearOverload() {
	q.mu.Lock()
	q.overloaded = false
	if q.state == Overloaded {
		q.state = Stopped
	}
	q.mu.Unlock()
}

// drain runs on the reactor: it executes every pending command on each
// wake and watches the tachometer for stalls.
func (q *Queue) drain(eventtime float64) float64 {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			break
		}
		cmd := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		cmd.Action(q, eventtime)
		if cmd.Callback != nil {
			cmd.Callback()
		}
	}
	q.checkStall(eventtime)
	return eventtime + DrainPeriod
}

func (q *Queue) checkStall(eventtime float64) {
	q.mu.Lock()
	running := q.state == RunningForward || q.state == RunningBackward
	if !running {
		q.resetCount = 0
		q.mu.Unlock()
		return
	}
	if q.rpm() > 0 {
		q.resetCount = 0
		q.resetRuns = 0
		q.mu.Unlock()
		return
	}
	q.resetCount++
	if q.resetCount < minResetCount {
		q.mu.Unlock()
		return
	}
	q.resetCount = 0
	q.resets++
	q.resetRuns++
	if q.resetRuns >= maxResetRuns {
		q.resetRuns = 0
		cb := q.onOverload
		q.mu.Unlock()
		q.logger.Error("drive never recovered after %d resets", maxResetRuns)
		q.Overload()
		if cb != nil {
			cb()
		}
		return
	}
	replay := q.lastRun
	q.mu.Unlock()

	q.logger.Warn("drive stalled at rpm 0, resetting controller")
	q.drive.stop()
	q.drive.reset.Set(0)
	q.reactor.Pause(eventtime + resetPulse)
	q.drive.reset.Set(1)
	q.reactor.Pause(eventtime + 2*resetPulse)
	if replay != nil {
		replay.Action(q, eventtime)
	}
}

// Close unregisters the drain timer.
func (q *Queue) Close() {
	q.reactor.UnregisterTimer(q.timer)
}
