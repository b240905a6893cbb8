// Package group orchestrates filament groups across the fleet of feeding
// units: it maps logical tools to ordered lists of bays, watches loaded
// bays for spool runout while printing, and hands the feed over to the
// next ready bay in the group before the tail reaches the extruder.
package group

import (
	"fmt"
	"sort"
	"sync"

	"oams-go-migration/pkg/fault"
	"oams-go-migration/pkg/log"
	"oams-go-migration/pkg/reactor"
	"oams-go-migration/pkg/unit"
)

const (
	// TickPeriod between orchestrator evaluations.
	TickPeriod = 1.0
	// PathLengthFactor discounts the nominal path length for buffer
	// slack; the tail is assumed past the usable path sooner than the
	// raw length suggests.
	PathLengthFactor = 1.14
)

// BayRef points at one bay of one unit.
type BayRef struct {
	Unit *unit.Unit
	Bay  int
}

func (r BayRef) String() string {
	return fmt.Sprintf("%s-%d", r.Unit.Name(), r.Bay)
}

// FilamentGroup is an ordered list of interchangeable bays.
type FilamentGroup struct {
	Name string
	Bays []BayRef
}

// PrintHost is the orchestrator's view of the printer.
type PrintHost interface {
	IsPrinting() bool
	// ExtruderPos returns the lifetime extruded length in millimeters.
	ExtruderPos() float64
	Pause()
	RespondInfo(msg string)
}

// Settings tune the runout geometry, all in millimeters of extrusion.
type Settings struct {
	// SafetyMargin shrinks the usable path length.
	SafetyMargin float64
	// ReloadLead is how far before the usable end the hand-off starts.
	ReloadLead float64
	// PauseDistance is how much extrusion the follower keeps pushing
	// after the tail clears the hub before it is disabled and the tail
	// coasts on the buffer.
	PauseDistance float64
}

// runoutSession tracks one detected spool runout.
type runoutSession struct {
	unit     *unit.Unit
	bay      int
	group    *FilamentGroup
	startPos float64
	coasted  bool
	coastPos float64
	inflight bool
	paused   bool
}

// Orchestrator owns the units, the groups and the runout logic. All
// units are registered through it; nothing here is global.
type Orchestrator struct {
	mu        sync.Mutex
	reactor   *reactor.Reactor
	host      PrintHost
	settings  Settings
	units     map[string]*unit.Unit
	order     []string
	groups    map[string]*FilamentGroup
	session   *runoutSession
	lastFault *fault.Fault
	timer     *reactor.Timer
	logger    *log.Logger
}

// New creates an idle orchestrator; call Start after registering units
// and groups.
func New(r *reactor.Reactor, host PrintHost, settings Settings) *Orchestrator {
	return &Orchestrator{
		reactor:  r,
		host:     host,
		settings: settings,
		units:    make(map[string]*unit.Unit),
		groups:   make(map[string]*FilamentGroup),
		logger:   log.GetLogger("group"),
	}
}

// AddUnit registers a feeding unit.
func (o *Orchestrator) AddUnit(u *unit.Unit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.units[u.Name()]; !ok {
		o.order = append(o.order, u.Name())
	}
	o.units[u.Name()] = u
}

// Unit returns a registered unit by name.
func (o *Orchestrator) Unit(name string) *unit.Unit {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.units[name]
}

// Units returns the registered units in registration order.
func (o *Orchestrator) Units() []*unit.Unit {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*unit.Unit, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.units[name])
	}
	return out
}

// AddGroup registers a filament group.
func (o *Orchestrator) AddGroup(name string, bays []BayRef) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.groups[name] = &FilamentGroup{Name: name, Bays: bays}
}

// Group returns a registered group by name.
func (o *Orchestrator) Group(name string) *FilamentGroup {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.groups[name]
}

// GroupNames returns the registered group names, sorted.
func (o *Orchestrator) GroupNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.groups))
	for name := range o.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins runout supervision.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.timer == nil {
		o.timer = o.reactor.RegisterTimer(o.tick, reactor.NOW+TickPeriod)
	}
}

// Close stops supervision.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.timer != nil {
		o.reactor.UnregisterTimer(o.timer)
		o.timer = nil
	}
}

// LoadGroup loads the first ready bay of a group.
func (o *Orchestrator) LoadGroup(name string) error {
	g := o.Group(name)
	if g == nil {
		return fmt.Errorf("group: unknown group %q", name)
	}
	for _, ref := range g.Bays {
		if ref.Unit.BayReady(ref.Bay) {
			return ref.Unit.LoadSpool(ref.Bay)
		}
	}
	return fmt.Errorf("group: no ready bay in %q", name)
}

// UnloadGroup unloads whichever bay of a group currently holds the path.
func (o *Orchestrator) UnloadGroup(name string) error {
	g := o.Group(name)
	if g == nil {
		return fmt.Errorf("group: unknown group %q", name)
	}
	for _, ref := range g.Bays {
		if ref.Unit.CurrentBay() == ref.Bay {
			return ref.Unit.UnloadSpool()
		}
	}
	return fmt.Errorf("group: nothing from %q is loaded", name)
}

// tick is the supervision heartbeat.
func (o *Orchestrator) tick(eventtime float64) float64 {
	o.mu.Lock()
	session := o.session
	o.mu.Unlock()

	if session == nil {
		o.detectRunout()
	} else {
		o.progressRunout(session)
	}
	return eventtime + TickPeriod
}

// detectRunout looks for a loaded bay whose hub sensor dropped while
// printing: the spool end has passed the hub.
func (o *Orchestrator) detectRunout() {
	if !o.host.IsPrinting() {
		return
	}
	for _, u := range o.Units() {
		bay := u.CurrentBay()
		if bay < 0 || !u.State(bay).Loaded() || u.HubInserted(bay) {
			continue
		}
		g := o.groupFor(u, bay)
		session := &runoutSession{
			unit: u, bay: bay, group: g,
			startPos: o.host.ExtruderPos(),
		}
		o.mu.Lock()
		o.session = session
		o.mu.Unlock()
		o.logger.Warn("runout on %s bay %d at extruder position %.1f",
			u.Name(), bay, session.startPos)
		o.host.RespondInfo(fmt.Sprintf("Spool runout on %s bay %d, monitoring tail", u.Name(), bay))
		return
	}
}

func (o *Orchestrator) groupFor(u *unit.Unit, bay int) *FilamentGroup {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, g := range o.groups {
		for _, ref := range g.Bays {
			if ref.Unit == u && ref.Bay == bay {
				return g
			}
		}
	}
	return nil
}

// progressRunout advances a session: the follower keeps feeding the
// tail for PauseDistance of extrusion, then coasts while the buffer
// empties; once the coasted length nears the end of the usable path the
// next bay takes over, or the print pauses when nothing can.
func (o *Orchestrator) progressRunout(s *runoutSession) {
	if s.inflight || !o.host.IsPrinting() {
		return
	}
	pos := o.host.ExtruderPos()
	if !s.coasted {
		if pos-s.startPos < o.settings.PauseDistance {
			return
		}
		// The tail rides the buffer from here on.
		s.unit.Follower().Disable()
		s.coasted = true
		s.coastPos = pos
		o.logger.Info("runout tail coasting on %s bay %d at extruder position %.1f",
			s.unit.Name(), s.bay, pos)
	}
	consumed := pos - s.coastPos
	handOffPoint := s.unit.PathLength()/PathLengthFactor -
		o.settings.SafetyMargin - o.settings.ReloadLead
	if consumed < handOffPoint {
		return
	}
	if next, ok := o.nextReady(s); ok {
		s.inflight = true
		go o.handOff(s, next)
		return
	}
	if !s.paused {
		s.paused = true
		f := fault.New(fault.ErrGroupExhausted,
			"no ready bay to replace %s bay %d", s.unit.Name(), s.bay).
			Observe("consumed", consumed)
		o.mu.Lock()
		o.lastFault = f
		o.mu.Unlock()
		o.host.Pause()
		o.host.RespondInfo(fmt.Sprintf(
			"No spool ready to replace %s bay %d, print paused", s.unit.Name(), s.bay))
		o.logger.Error("%v, print paused", f)
		o.clearSession()
	}
}

// nextReady scans the group in order for a bay that can take over.
func (o *Orchestrator) nextReady(s *runoutSession) (BayRef, bool) {
	if s.group == nil {
		return BayRef{}, false
	}
	for _, ref := range s.group.Bays {
		if ref.Unit == s.unit && ref.Bay == s.bay {
			continue
		}
		if ref.Unit.BayReady(ref.Bay) {
			return ref, true
		}
	}
	return BayRef{}, false
}

// handOff retires the exhausted bay and loads the replacement. Runs on
// its own goroutine since loading takes seconds.
func (o *Orchestrator) handOff(s *runoutSession, next BayRef) {
	if err := s.unit.FinishRunout(); err != nil {
		o.logger.WithError(err).Error("could not retire %s bay %d", s.unit.Name(), s.bay)
	}
	if err := next.Unit.LoadSpool(next.Bay); err != nil {
		o.logger.WithError(err).Error("hand-off to %s failed", next)
		o.host.Pause()
		o.host.RespondInfo(fmt.Sprintf("Loading %s failed after runout, print paused: %v", next, err))
		o.clearSession()
		return
	}
	o.host.RespondInfo(fmt.Sprintf("Runout resolved, feeding from %s", next))
	o.logger.Info("hand-off to %s complete", next)
	o.clearSession()
}

func (o *Orchestrator) clearSession() {
	o.mu.Lock()
	o.session = nil
	o.mu.Unlock()
}

// LastFault returns the orchestration fault from the most recent
// exhausted runout, if any.
func (o *Orchestrator) LastFault() *fault.Fault {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastFault
}

// ClearFault forgets the last orchestration fault.
func (o *Orchestrator) ClearFault() {
	o.mu.Lock()
	o.lastFault = nil
	o.mu.Unlock()
}

// Runout reports whether a runout session is being tracked.
func (o *Orchestrator) Runout() (string, int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return "", 0, false
	}
	return o.session.unit.Name(), o.session.bay, true
}

// Snapshot reports fleet state for telemetry.
func (o *Orchestrator) Snapshot() map[string]interface{} {
	units := make(map[string]interface{})
	for _, u := range o.Units() {
		units[u.Name()] = u.Snapshot()
	}
	groups := make(map[string]interface{})
	o.mu.Lock()
	for name, g := range o.groups {
		refs := make([]string, len(g.Bays))
		for i, ref := range g.Bays {
			refs[i] = ref.String()
		}
		groups[name] = refs
	}
	session := o.session
	last := o.lastFault
	o.mu.Unlock()

	snap := map[string]interface{}{
		"units":  units,
		"groups": groups,
	}
	if last != nil {
		snap["fault"] = last.Error()
	}
	if session != nil {
		snap["runout"] = map[string]interface{}{
			"unit": session.unit.Name(),
			"bay":  session.bay,
		}
	}
	return snap
}
