// Package monitor polls condition watchers on the reactor and fires their
// callbacks when a condition has held long enough. Load and unload
// sequences arm a named group of watchers on entry and disarm it on exit.
package monitor

import (
	"sync"

	"oams-go-migration/pkg/fault"
	"oams-go-migration/pkg/log"
	"oams-go-migration/pkg/reactor"
)

// PollPeriod is the watcher evaluation interval.
const PollPeriod = 0.2

// Watcher describes one supervised condition.
type Watcher struct {
	Name string
	// Delay is how long the predicate must hold before the callback fires.
	Delay float64
	// Period re-fires the callback while the predicate keeps holding.
	// Zero makes the watcher one-shot until its group is rearmed.
	Period    float64
	Predicate func(eventtime float64) bool
	Callback  func(eventtime float64)

	since    float64
	lastFire float64
	fired    bool
}

// Monitor owns watcher groups and the poll timer.
type Monitor struct {
	mu      sync.Mutex
	groups  map[string][]*Watcher
	armed   map[string]bool
	reactor *reactor.Reactor
	timer   *reactor.Timer
	logger  *log.Logger
}

// New creates the monitor and starts polling.
func New(r *reactor.Reactor) *Monitor {
	m := &Monitor{
		groups:  make(map[string][]*Watcher),
		armed:   make(map[string]bool),
		reactor: r,
		logger:  log.GetLogger("monitor"),
	}
	m.timer = r.RegisterTimer(m.poll, reactor.NOW)
	return m
}

// Register adds a watcher to a group. Groups start disarmed.
func (m *Monitor) Register(group string, w *Watcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.since = -1
	m.groups[group] = append(m.groups[group], w)
}

// Arm enables a group. All its watchers restart with clean hold state.
func (m *Monitor) Arm(group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.groups[group] {
		w.since = -1
		w.fired = false
	}
	m.armed[group] = true
}

// Disarm disables a group.
func (m *Monitor) Disarm(group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed[group] = false
}

// Armed reports whether a group is enabled.
func (m *Monitor) Armed(group string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed[group]
}

func (m *Monitor) poll(eventtime float64) float64 {
	m.mu.Lock()
	var due []*Watcher
	for name, armed := range m.armed {
		if !armed {
			continue
		}
		for _, w := range m.groups[name] {
			due = append(due, w)
		}
	}
	m.mu.Unlock()

	for _, w := range due {
		m.evaluate(w, eventtime)
	}
	return eventtime + PollPeriod
}

func (m *Monitor) evaluate(w *Watcher, eventtime float64) {
	if !w.Predicate(eventtime) {
		w.since = -1
		return
	}
	if w.since < 0 {
		w.since = eventtime
	}
	if eventtime-w.since < w.Delay {
		return
	}
	if w.Period == 0 {
		if w.fired {
			return
		}
		w.fired = true
	} else if w.lastFire > 0 && eventtime-w.lastFire < w.Period {
		return
	}
	w.lastFire = eventtime
	m.logger.WithField("watcher", w.Name).Debug("watcher fired")
	w.Callback(eventtime)
}

// Close unregisters the poll timer.
func (m *Monitor) Close() {
	m.reactor.UnregisterTimer(m.timer)
}

// StopFlag latches a hard-stop fault. Once tripped, motion operations
// refuse to start until the flag is cleared explicitly.
type StopFlag struct {
	mu    sync.Mutex
	fault *fault.Fault
}

// Trip latches the flag with the given fault. The first trip wins.
func (s *StopFlag) Trip(f *fault.Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault == nil {
		s.fault = f
	}
}

// Tripped reports whether the flag is latched.
func (s *StopFlag) Tripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault != nil
}

// Fault returns the latched fault, or nil.
func (s *StopFlag) Fault() *fault.Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// Clear releases the latch.
func (s *StopFlag) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = nil
}
