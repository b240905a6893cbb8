// Package reactor provides the cooperative event loop that schedules all
// periodic work in the OAMS host: motor queue draining, monitor polling,
// follower evaluation and orchestrator ticks. A timer callback receives the
// event time and returns its next wake time (or NEVER to retire); callbacks
// must not block the loop.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// NOW schedules a timer for immediate execution.
	NOW = 0.0
	// NEVER parks a timer indefinitely; returning it retires the timer.
	NEVER = 9999999999999999.0
)

// TimerCallback is invoked when a timer fires. It returns the next wake
// time, or NEVER to stop firing.
type TimerCallback func(eventtime float64) float64

// Timer is a registered recurring or one-shot callback.
type Timer struct {
	id       uint64
	callback TimerCallback

	mu       sync.Mutex
	waketime float64
	firing   bool
}

// Waketime returns the timer's currently scheduled wake time.
func (t *Timer) Waketime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

// Reactor dispatches timers from a single goroutine.
type Reactor struct {
	mu       sync.Mutex
	timers   []*Timer
	nextID   uint64
	nextWake float64

	// Callbacks submitted from outside the dispatch goroutine.
	asyncQueue chan func(eventtime float64)

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	start time.Time
}

// New creates a reactor. Call Run to start dispatching.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		nextWake:   NEVER,
		asyncQueue: make(chan func(eventtime float64), 256),
		ctx:        ctx,
		cancel:     cancel,
		start:      time.Now(),
	}
}

// Monotonic returns seconds since the reactor was created.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.start).Seconds()
}

// RegisterTimer adds a timer that first fires at waketime.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	t := &Timer{id: r.nextID, callback: callback, waketime: waketime}
	r.timers = append(r.timers, t)
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	return t
}

// UnregisterTimer removes a timer. Safe to call for an already removed timer.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	if timer == nil {
		return
	}
	timer.mu.Lock()
	timer.waketime = NEVER
	timer.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer reschedules a timer. Ignored while the timer is mid-callback;
// the callback's return value wins in that case.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	timer.mu.Lock()
	if timer.firing {
		timer.mu.Unlock()
		return
	}
	timer.waketime = waketime
	timer.mu.Unlock()

	r.mu.Lock()
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()
}

// RunAsync submits a callback from another goroutine; it executes on the
// dispatch goroutine. Used by hardware backends to marshal sensor readings
// onto the reactor thread.
func (r *Reactor) RunAsync(fn func(eventtime float64)) {
	select {
	case r.asyncQueue <- fn:
	case <-r.ctx.Done():
	}
}

// Pause sleeps the calling goroutine until waketime. It is the building
// block of the pseudo-blocking wait loops in load/unload sequences; the
// reactor keeps dispatching while a sequence goroutine pauses.
func (r *Reactor) Pause(waketime float64) float64 {
	now := r.Monotonic()
	if waketime <= now {
		return now
	}
	if waketime >= NEVER {
		<-r.ctx.Done()
		return r.Monotonic()
	}
	select {
	case <-time.After(time.Duration((waketime - now) * float64(time.Second))):
	case <-r.ctx.Done():
	}
	return r.Monotonic()
}

// Run starts the dispatch loop in its own goroutine.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatch()
}

// End signals the dispatch loop to stop and unblocks any Pause.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait blocks until the dispatch loop has exited.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

func (r *Reactor) dispatch() {
	defer r.wg.Done()
	for r.running.Load() {
		eventtime := r.Monotonic()
		r.drainAsync(eventtime)
		delay := r.fireTimers(eventtime)

		if delay <= 0 {
			continue
		}
		d := time.Duration(delay * float64(time.Second))
		if d > time.Second {
			d = time.Second
		}
		select {
		case <-time.After(d):
		case fn := <-r.asyncQueue:
			fn(r.Monotonic())
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Reactor) drainAsync(eventtime float64) {
	for {
		select {
		case fn := <-r.asyncQueue:
			fn(eventtime)
		default:
			return
		}
	}
}

// fireTimers runs all due timers and returns seconds until the next wake.
func (r *Reactor) fireTimers(eventtime float64) float64 {
	r.mu.Lock()
	if eventtime < r.nextWake {
		delay := r.nextWake - eventtime
		r.mu.Unlock()
		return delay
	}
	due := make([]*Timer, len(r.timers))
	copy(due, r.timers)
	r.nextWake = NEVER
	r.mu.Unlock()

	for _, t := range due {
		t.mu.Lock()
		if eventtime >= t.waketime {
			t.waketime = NEVER
			t.firing = true
			t.mu.Unlock()

			next := t.callback(eventtime)

			t.mu.Lock()
			t.firing = false
			if next < t.waketime {
				t.waketime = next
			}
		}
		wake := t.waketime
		t.mu.Unlock()

		r.mu.Lock()
		if wake < r.nextWake {
			r.nextWake = wake
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	delay := r.nextWake - eventtime
	r.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	return delay
}
