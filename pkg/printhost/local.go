package printhost

import "sync"

// Local is an in-process print host used by the simulator and by setups
// without a printer link. State is driven by hand.
type Local struct {
	mu       sync.Mutex
	printing bool
	extruded float64
	paused   bool
	messages []string
}

// NewLocal creates an idle local host.
func NewLocal() *Local { return &Local{} }

// SetPrinting flips the printing state.
func (l *Local) SetPrinting(printing bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.printing = printing
	if printing {
		l.paused = false
	}
}

// Extrude advances the extruder position.
func (l *Local) Extrude(mm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extruded += mm
}

func (l *Local) IsPrinting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.printing
}

func (l *Local) ExtruderPos() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extruded
}

func (l *Local) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
	l.printing = false
}

// Paused reports whether Pause was called since the last print start.
func (l *Local) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

func (l *Local) RespondInfo(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

// Messages returns the console messages received so far.
func (l *Local) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.messages...)
}
