// This file may be distributed under the terms of the GNU GPLv3 license.

// Package unit ties one feeding unit together: its bays, sensors, the
// shared drive queue and the load/unload sequences. All motion sequences
// are pseudo-blocking; they run on their own goroutine and pause on the
// reactor while the drive queue and monitors keep dispatching.
package unit

import (
	"fmt"
	"sync"

	"oams-go-migration/pkg/calibrate"
	"oams-go-migration/pkg/config"
	"oams-go-migration/pkg/control"
	"oams-go-migration/pkg/fault"
	"oams-go-migration/pkg/hw"
	"oams-go-migration/pkg/log"
	"oams-go-migration/pkg/monitor"
	"oams-go-migration/pkg/motor"
	"oams-go-migration/pkg/reactor"
	"oams-go-migration/pkg/sensor"
	"oams-go-migration/pkg/store"
)

const (
	// ClickFlushPeriod between persisting accumulated travel clicks.
	ClickFlushPeriod = 10.0
	// loadSlowSpeed walks the filament through the path until it is
	// safely engaged.
	loadSlowSpeed = 0.25
	// pathCalibrationMargin is subtracted from a measured path so the
	// excess-travel guard never trips on a nominal load.
	pathCalibrationMargin = 100
	// unclampSpeed and unclampTime for the gearbox release pulse after
	// an unload.
	unclampSpeed = 0.3
	unclampTime  = 0.2
	// hubSettle lets the first stage push a little past the hub switch
	// before handing the filament to the shared drive.
	hubSettle = 1.0
	// retractSettle keeps rewinding briefly after the hub clears so the
	// filament tip parks inside the bay.
	retractSettle = 0.5
	waitPoll      = 0.05
)

// Unit is one four-bay feeding unit.
type Unit struct {
	name    string
	cfg     *config.UnitConfig
	reactor *reactor.Reactor
	backend hw.Backend
	store   *store.Store

	queue    *motor.Queue
	f1       *motor.F1Driver
	follower *control.Follower
	monitor  *monitor.Monitor
	stop     *monitor.StopFlag

	pressure *sensor.PressureSensor
	current  *sensor.CurrentSensor
	encoder  *sensor.Encoder
	feeders  []*sensor.HesSwitch
	hubs     []*sensor.HesSwitch
	leds     []hw.OutputPin

	strategy control.SpeedStrategy

	mu         sync.Mutex
	states     []BayState
	spools     []*Spool
	currentBay int
	lastFault  []error

	flushTimer *reactor.Timer
	logger     *log.Logger
}

// New wires a unit from its configuration. The monitor and stop flag are
// shared with the orchestrator.
func New(cfg *config.UnitConfig, r *reactor.Reactor, backend hw.Backend,
	mon *monitor.Monitor, stop *monitor.StopFlag, st *store.Store) (*Unit, error) {

	u := &Unit{
		name:       cfg.Name,
		cfg:        cfg,
		reactor:    r,
		backend:    backend,
		store:      st,
		monitor:    mon,
		stop:       stop,
		currentBay: -1,
		logger:     log.GetLogger("unit." + cfg.Name),
	}

	drive, err := motor.NewDrive(backend, motor.DrivePins{
		PWM: cfg.DrivePWM, Dir: cfg.DriveDir,
		Enable: cfg.DriveEnable, Reset: cfg.DriveReset,
	})
	if err != nil {
		return nil, err
	}
	u.queue = motor.NewQueue(r, drive, backend.RPM)
	u.queue.SetOverloadCallback(func() {
		u.stop.Trip(fault.New(fault.ErrMotorNotSpinning,
			"%s: feed motor commanded but not spinning", cfg.Name))
	})

	u.f1, err = motor.NewF1Driver(backend, cfg.BoardRevision, motor.F1Pins{
		SelectHigh: cfg.F1SelectHigh, SelectLow: cfg.F1SelectLow,
		PWMA: cfg.F1PWMA, PWMB: cfg.F1PWMB,
	})
	if err != nil {
		return nil, err
	}

	u.follower = control.NewFollower(u.queue)
	u.pressure = sensor.NewPressureSensor(cfg.ReversePressure, u.follower.OnSample)
	if err := backend.SubscribeADC(cfg.PressurePin, u.pressure.Update); err != nil {
		return nil, err
	}

	u.current = sensor.NewCurrentSensor(nil)
	if cfg.CurrentPin != "" {
		if err := backend.SubscribeADC(cfg.CurrentPin, u.current.Update); err != nil {
			return nil, err
		}
	}

	u.encoder = sensor.NewEncoder()
	backend.SubscribeEncoder(u.encoder.AddDelta)

	recorder := st.Recorder(cfg.Name)
	for i, bc := range cfg.Bays {
		feeder := sensor.NewHesSwitch(fmt.Sprintf("%s:feeder%d", cfg.Name, i), i,
			bc.Feeder.Value, parsePolarity(bc.Feeder.Polarity), u.onFeederEdge)
		if err := backend.SubscribeADC(bc.FeederPin, feeder.Update); err != nil {
			return nil, err
		}
		u.feeders = append(u.feeders, feeder)

		hub := sensor.NewHesSwitch(fmt.Sprintf("%s:hub%d", cfg.Name, i), i,
			bc.Hub.Value, parsePolarity(bc.Hub.Polarity), nil)
		hub.SetRecorder(recorder)
		if err := backend.SubscribeADC(bc.HubPin, hub.Update); err != nil {
			return nil, err
		}
		u.hubs = append(u.hubs, hub)

		var led hw.OutputPin
		if bc.LEDPin != "" {
			if led, err = backend.OutputPin(bc.LEDPin); err != nil {
				return nil, err
			}
		}
		u.leds = append(u.leds, led)

		u.states = append(u.states, Unloaded)
		u.lastFault = append(u.lastFault, nil)
		if rec, ok := st.Spool(cfg.Name, i); ok {
			u.spools = append(u.spools, &Spool{
				Material:        rec.Material,
				StartPercentage: rec.StartPercentage,
				Clicks:          rec.Clicks,
			})
		} else {
			u.spools = append(u.spools, nil)
		}
	}

	if cfg.UnloadStrategy == "current" {
		pid := control.NewPID(cfg.PID.Kp, cfg.PID.Ki, cfg.PID.Kd, cfg.PID.Target)
		u.strategy = control.NewCurrentFeedbackSpeed(pid, u.current.Value)
	} else {
		u.strategy = control.NewPercentageSpeed(u.loadedPercentage)
	}

	u.registerWatchers()
	u.flushTimer = r.RegisterTimer(u.flushTick, reactor.NOW+ClickFlushPeriod)
	return u, nil
}

// onFeederEdge mirrors filament insertion on the bay LED while the bay
// is idle. Loaded and errored bays keep their LED lit elsewhere.
func (u *Unit) onFeederEdge(bay int, on bool, _ float64) {
	u.mu.Lock()
	idle := bay < len(u.states) && u.states[bay] == Unloaded
	u.mu.Unlock()
	if !idle {
		return
	}
	if on {
		u.setLED(bay, 1)
	} else {
		u.setLED(bay, 0)
	}
}

func parsePolarity(s string) sensor.Polarity {
	if s == string(sensor.Below) {
		return sensor.Below
	}
	return sensor.Above
}

// Name returns the unit name.
func (u *Unit) Name() string { return u.name }

// BayCount returns the number of bays.
func (u *Unit) BayCount() int { return len(u.states) }

// PathLength is the configured feed path length in millimeters.
func (u *Unit) PathLength() float64 { return u.cfg.PathLength }

// Queue exposes the shared drive queue for orchestrator-level stops.
func (u *Unit) Queue() *motor.Queue { return u.queue }

// Follower exposes the buffer follower.
func (u *Unit) Follower() *control.Follower { return u.follower }

func (u *Unit) group(op string) string { return u.name + ":" + op }

func (u *Unit) registerWatchers() {
	// While loading, filament that sits still with the drive running
	// means a jam or a slipping gear.
	lastClicks := 0
	u.monitor.Register(u.group("load"), &monitor.Watcher{
		Name:  u.name + " encoder stalled",
		Delay: 3.0,
		Predicate: func(float64) bool {
			running := u.queue.State() == motor.RunningForward
			clicks := u.encoder.Clicks()
			advancing := clicks != lastClicks
			lastClicks = clicks
			return running && !advancing
		},
		Callback: func(float64) {
			u.stop.Trip(fault.New(fault.ErrEncoderStalled,
				"%s: no travel while loading", u.name))
			u.haltDrives()
		},
	})
	u.monitor.Register(u.group("unload"), &monitor.Watcher{
		Name:  u.name + " buffer not releasing",
		Delay: 10.0,
		Predicate: func(float64) bool {
			return u.pressure.Value() > control.DefaultUpper
		},
		Callback: func(float64) {
			u.stop.Trip(fault.New(fault.ErrBufferNotReleasing,
				"%s: buffer pressure held through unload", u.name).
				Observe("pressure", u.pressure.Value()))
			u.haltDrives()
		},
	})
	u.monitor.Register(u.group("unload"), &monitor.Watcher{
		Name:  u.name + " first stage overcurrent",
		Delay: 2.0,
		Predicate: func(float64) bool {
			return u.current.Value() > 0.95
		},
		Callback: func(float64) {
			u.stop.Trip(fault.New(fault.ErrFirstStageOvercurrent,
				"%s: rewind current pegged", u.name).
				Observe("current", u.current.Value()))
			u.haltDrives()
		},
	})
}

func (u *Unit) haltDrives() {
	u.queue.Purge()
	u.queue.Enqueue(motor.StopCmd())
	u.f1.Stop()
}

// State returns a bay's state.
func (u *Unit) State(bay int) BayState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.states[bay]
}

// CurrentBay returns the loaded bay, -1 when none.
func (u *Unit) CurrentBay() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.currentBay
}

// BayReady reports whether a bay could start a load: filament inserted
// at the feeder and the bay idle.
func (u *Unit) BayReady(bay int) bool {
	if bay < 0 || bay >= len(u.states) {
		return false
	}
	u.mu.Lock()
	state := u.states[bay]
	u.mu.Unlock()
	return state == Unloaded && u.feeders[bay].On() && !u.stop.Tripped()
}

// FeederInserted reports whether filament sits at a bay's feeder switch.
func (u *Unit) FeederInserted(bay int) bool {
	if bay < 0 || bay >= len(u.feeders) {
		return false
	}
	return u.feeders[bay].On()
}

// HubInserted reports whether filament holds a bay's hub switch. The
// hub dropping on a loaded bay is the runout signal.
func (u *Unit) HubInserted(bay int) bool {
	if bay < 0 || bay >= len(u.hubs) {
		return false
	}
	return u.hubs[bay].On()
}

// FinishRunout releases a bay whose spool ran out. The tail has left the
// hub and keeps travelling toward the extruder, so no rewind happens;
// the bay is simply retired and its spool record dropped.
func (u *Unit) FinishRunout() error {
	u.mu.Lock()
	bay := u.currentBay
	if bay < 0 || !u.states[bay].Loaded() {
		u.mu.Unlock()
		return fmt.Errorf("%s: no loaded bay to retire", u.name)
	}
	next, _ := Next(u.states[bay], EventUnload)
	u.states[bay], _ = Next(next, EventUnloadingEnd)
	u.currentBay = -1
	u.spools[bay] = nil
	u.mu.Unlock()

	u.follower.Disable()
	u.store.ClearSpool(u.name, bay)
	u.setLED(bay, 0)
	u.encoder.Reset()
	u.logger.Info("bay %d retired after runout", bay)
	return nil
}

// BaySpool returns a copy of a bay's spool model, if present.
func (u *Unit) BaySpool(bay int) (Spool, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if bay < 0 || bay >= len(u.spools) || u.spools[bay] == nil {
		return Spool{}, false
	}
	return *u.spools[bay], true
}

// SetSpool describes the spool sitting in a bay. Allowed any time the
// bay is not mid-sequence.
func (u *Unit) SetSpool(bay int, material string, startPercentage float64) error {
	if bay < 0 || bay >= len(u.states) {
		return fmt.Errorf("%s: bay %d out of range", u.name, bay)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.states[bay] == Loading || u.states[bay] == Unloading {
		return fmt.Errorf("%s: bay %d is busy", u.name, bay)
	}
	u.spools[bay] = &Spool{Material: material, StartPercentage: startPercentage}
	u.store.SetSpool(u.name, bay, store.SpoolRecord{
		Material: material, StartPercentage: startPercentage,
	})
	return nil
}

func (u *Unit) loadedPercentage() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.currentBay < 0 || u.spools[u.currentBay] == nil {
		return 100
	}
	return u.spools[u.currentBay].Percentage()
}

// LoadSpool feeds filament from a bay to the print head buffer.
func (u *Unit) LoadSpool(bay int) error {
	if bay < 0 || bay >= len(u.states) {
		return fmt.Errorf("%s: bay %d out of range", u.name, bay)
	}
	if f := u.stop.Fault(); f != nil {
		return f
	}
	u.mu.Lock()
	if u.currentBay >= 0 {
		loaded := u.currentBay
		u.mu.Unlock()
		return fmt.Errorf("%s: bay %d already loaded, unload it first", u.name, loaded)
	}
	if !u.feeders[bay].On() {
		u.mu.Unlock()
		return fmt.Errorf("%s: no filament at feeder %d", u.name, bay)
	}
	// The shared drive serves one bay at a time: a load or unload in
	// flight anywhere on the unit makes it busy.
	for i, s := range u.states {
		if i != bay && s != Unloaded && s != BayError {
			u.mu.Unlock()
			return fmt.Errorf("%s: busy, bay %d is %s", u.name, i, s)
		}
	}
	next, err := Next(u.states[bay], EventLoad)
	if err != nil {
		u.mu.Unlock()
		return err
	}
	u.states[bay] = next
	u.mu.Unlock()
	u.logger.Info("loading bay %d", bay)

	u.monitor.Arm(u.group("load"))
	defer u.monitor.Disarm(u.group("load"))

	if err := u.loadSequence(bay); err != nil {
		u.fail(bay, err)
		return err
	}

	u.mu.Lock()
	u.states[bay], _ = Next(u.states[bay], EventLoadingEnd)
	u.currentBay = bay
	if u.spools[bay] == nil {
		u.spools[bay] = &Spool{Material: "PLA", StartPercentage: 100}
		u.store.SetSpool(u.name, bay, store.SpoolRecord{Material: "PLA", StartPercentage: 100})
	}
	u.mu.Unlock()

	u.setLED(bay, 1)
	u.encoder.Reset()
	u.follower.Enable(motor.Forward)
	u.logger.Info("bay %d loaded", bay)
	return nil
}

func (u *Unit) loadSequence(bay int) error {
	deadline := u.reactor.Monotonic() + u.cfg.Timeout

	// First stage pushes until the filament tip reaches the hub.
	if err := u.f1.Run(bay, motor.Forward, 1.0); err != nil {
		return err
	}
	if !u.waitUntil(func() bool { return u.hubs[bay].On() }, deadline) {
		u.f1.Stop()
		if f := u.aborted(); f != nil {
			return f
		}
		return fault.New(fault.ErrHubStuckOff, "%s: filament never reached hub %d", u.name, bay).
			Observe("hub", u.hubs[bay].Value())
	}

	// Dwell past the hub, then let the first stage go before the shared
	// drive takes over.
	u.reactor.Pause(u.reactor.Monotonic() + hubSettle)
	u.f1.Stop()

	// Walk the path slowly until the filament is safely engaged.
	u.encoder.Reset()
	u.queue.Enqueue(motor.RunForward(loadSlowSpeed))
	if !u.waitUntil(func() bool { return u.encoder.Clicks() >= u.cfg.LoadSlowClicks }, deadline) {
		u.haltDrives()
		if f := u.aborted(); f != nil {
			return f
		}
		return fault.New(fault.ErrEncoderStalled, "%s: filament stalled in path on bay %d", u.name, bay).
			Observe("clicks", float64(u.encoder.Clicks()))
	}

	// Full speed until the buffer pressurizes. Travel beyond the known
	// path length means the filament missed the buffer.
	u.queue.Enqueue(motor.RunForward(1.0))
	limit := u.pathClickLimit()
	done := u.waitUntil(func() bool {
		return u.pressure.Value() > control.DefaultUpper || u.encoder.Clicks() > limit
	}, deadline)
	u.queue.Enqueue(motor.StopCmd())

	clicks := u.encoder.Clicks()
	if done && clicks > limit && u.pressure.Value() <= control.DefaultUpper {
		return fault.New(fault.ErrExcessTravel, "%s: bay %d travelled past the buffer", u.name, bay).
			Observe("clicks", float64(clicks)).
			Observe("limit", float64(limit))
	}
	if !done {
		if f := u.aborted(); f != nil {
			return f
		}
		return fault.New(fault.ErrBufferNotLoading, "%s: buffer never pressurized on bay %d", u.name, bay).
			Observe("pressure", u.pressure.Value())
	}
	u.waitUntil(u.queue.Empty, deadline)
	return nil
}

// pathClickLimit is the calibrated path length plus the overshoot
// margin, in clicks.
func (u *Unit) pathClickLimit() int {
	if clicks := u.store.PathClicks(u.name); clicks > 0 {
		return clicks + u.cfg.ClickMargin
	}
	return int(u.cfg.PathLength*ClicksPerMM) + u.cfg.ClickMargin
}

// UnloadSpool rewinds the loaded bay's filament back onto its spool.
func (u *Unit) UnloadSpool() error {
	if f := u.stop.Fault(); f != nil {
		return f
	}
	u.mu.Lock()
	bay := u.currentBay
	if bay < 0 {
		u.mu.Unlock()
		return fmt.Errorf("%s: no spool loaded", u.name)
	}
	next, err := Next(u.states[bay], EventUnload)
	if err != nil {
		u.mu.Unlock()
		return err
	}
	u.states[bay] = next
	u.mu.Unlock()
	u.logger.Info("unloading bay %d", bay)

	u.follower.Disable()
	u.flushClicks(bay)

	u.monitor.Arm(u.group("unload"))
	defer u.monitor.Disarm(u.group("unload"))

	if err := u.unloadSequence(bay); err != nil {
		u.fail(bay, err)
		return err
	}

	u.mu.Lock()
	u.states[bay], _ = Next(u.states[bay], EventUnloadingEnd)
	u.currentBay = -1
	u.mu.Unlock()
	u.setLED(bay, 0)
	u.encoder.Reset()
	u.logger.Info("bay %d unloaded", bay)
	return nil
}

func (u *Unit) unloadSequence(bay int) error {
	deadline := u.reactor.Monotonic() + u.cfg.Timeout

	// Quiesce the shared drive before reversing. Fast unload lets the
	// drive coast into the reversal instead of braking first.
	u.queue.Purge()
	if u.cfg.FastUnload {
		u.queue.Enqueue(motor.CoastCmd())
	} else {
		u.queue.Enqueue(motor.StopCmd())
	}
	u.waitUntil(u.queue.Empty, deadline)
	u.encoder.Reset()

	// First stage alone overcomes spool inertia, then the shared drive
	// joins at the strategy speed.
	spool := Spool{StartPercentage: 100, Material: "PLA"}
	if s, ok := u.BaySpool(bay); ok {
		spool = s
	}
	u.current.StartCapture()
	if err := u.f1.Run(bay, motor.Backward, 1.0); err != nil {
		return err
	}
	u.reactor.Pause(u.reactor.Monotonic() + spool.UnloadDelay())

	lastSpeed := -1.0
	for u.hubs[bay].On() {
		now := u.reactor.Monotonic()
		if f := u.aborted(); f != nil {
			u.haltDrives()
			u.current.StopCapture()
			return f
		}
		if now > deadline {
			u.haltDrives()
			u.current.StopCapture()
			return fault.New(fault.ErrHubStuckOn, "%s: hub %d never cleared while unloading", u.name, bay).
				Observe("hub", u.hubs[bay].Value())
		}
		speed := u.strategy.Speed(now)
		if diff := speed - lastSpeed; diff > 0.02 || diff < -0.02 {
			u.queue.Enqueue(motor.RunBackward(speed))
			lastSpeed = speed
		}
		u.reactor.Pause(now + 0.2)
	}

	// Park the filament tip inside the bay before stopping.
	u.reactor.Pause(u.reactor.Monotonic() + retractSettle)
	u.queue.Purge()
	u.queue.Enqueue(motor.StopCmd())
	u.waitUntil(u.queue.Empty, deadline)
	u.f1.Stop()

	if samples := u.current.StopCapture(); len(samples) > 0 {
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		u.logger.WithField("bay", bay).Debug("rewind current avg %.3f over %d samples",
			sum/float64(len(samples)), len(samples))
	}

	if u.cfg.ReverseDCOnLoad {
		// Short forward pulse releases the first-stage gearbox clamp.
		if err := u.f1.Run(bay, motor.Forward, unclampSpeed); err != nil {
			return err
		}
		u.reactor.Pause(u.reactor.Monotonic() + unclampTime)
		u.f1.Stop()
	}
	return nil
}

// Retract flips the loaded bay to backward feed, e.g. while the printer
// pulls filament back into the buffer.
func (u *Unit) Retract() error {
	return u.flip(EventRetract, motor.Backward)
}

// Extrude flips the loaded bay back to forward feed.
func (u *Unit) Extrude() error {
	return u.flip(EventExtrude, motor.Forward)
}

func (u *Unit) flip(ev Event, direction motor.Direction) error {
	u.mu.Lock()
	bay := u.currentBay
	if bay < 0 {
		u.mu.Unlock()
		return fmt.Errorf("%s: no spool loaded", u.name)
	}
	next, err := Next(u.states[bay], ev)
	if err != nil {
		u.mu.Unlock()
		return err
	}
	u.states[bay] = next
	u.mu.Unlock()
	u.follower.Enable(direction)
	return nil
}

// SetFollower arms or disarms the buffer follower on the loaded bay.
func (u *Unit) SetFollower(enable bool, direction motor.Direction) error {
	u.mu.Lock()
	bay := u.currentBay
	loaded := bay >= 0 && u.states[bay].Loaded()
	u.mu.Unlock()
	if !loaded {
		return fmt.Errorf("%s: follower needs a loaded bay", u.name)
	}
	if !enable {
		u.follower.Disable()
		return nil
	}
	if direction == motor.Backward {
		return u.Retract()
	}
	if u.State(bay) == LoadedBackward {
		return u.Extrude()
	}
	u.follower.Enable(direction)
	return nil
}

// DetermineState reconciles bay states with the hub sensors, used at
// startup and after clearing errors. More than one occupied hub is a
// hard fault: the unit refuses all motion until it is resolved by hand.
func (u *Unit) DetermineState() error {
	var occupied []int
	for i := range u.hubs {
		if u.hubs[i].On() {
			occupied = append(occupied, i)
		}
	}
	if len(occupied) > 1 {
		f := fault.New(fault.ErrTooManySpoolsLoaded,
			"%s: %d bays read loaded, expected at most one", u.name, len(occupied)).
			Observe("loaded", float64(len(occupied)))
		u.stop.Trip(f)
		u.mu.Lock()
		for _, i := range occupied {
			if next, err := Next(u.states[i], EventFault); err == nil {
				u.states[i] = next
			}
			u.lastFault[i] = f
		}
		u.mu.Unlock()
		u.logger.WithError(f).Error("state reconciliation failed")
		return f
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if len(occupied) == 0 {
		u.currentBay = -1
		return nil
	}
	bay := occupied[0]
	if u.states[bay].Loaded() {
		u.currentBay = bay
		return nil
	}
	next, err := Next(u.states[bay], EventAdopt)
	if err != nil {
		return err
	}
	u.states[bay] = next
	u.currentBay = bay
	if u.spools[bay] == nil {
		u.spools[bay] = &Spool{Material: "PLA", StartPercentage: 100}
	}
	u.setLED(bay, 1)
	u.logger.Info("adopted loaded bay %d", bay)
	return nil
}

// ClearErrors releases the stop flag and errored bays, then reconciles.
func (u *Unit) ClearErrors() error {
	u.stop.Clear()
	u.queue.ClearOverload()
	u.mu.Lock()
	for i := range u.states {
		if u.states[i] == BayError {
			u.states[i], _ = Next(u.states[i], EventClear)
			u.lastFault[i] = nil
			u.setLED(i, 0)
		}
	}
	u.currentBay = -1
	u.mu.Unlock()
	return u.DetermineState()
}

// CalibrateHub sweeps filament past a bay's hub sensor and installs the
// derived threshold, also writing it back to the configuration.
func (u *Unit) CalibrateHub(bay int) (*calibrate.Result, error) {
	if bay < 0 || bay >= len(u.states) {
		return nil, fmt.Errorf("%s: bay %d out of range", u.name, bay)
	}
	if u.State(bay) != Unloaded {
		return nil, fmt.Errorf("%s: bay %d must be unloaded to calibrate", u.name, bay)
	}
	if !u.feeders[bay].On() {
		return nil, fmt.Errorf("%s: insert filament in feeder %d to calibrate", u.name, bay)
	}
	cal := calibrate.NewHubCalibrator(&bayFeeder{u: u, bay: bay}, u.hubs[bay], u.reactor)
	res, err := cal.Calibrate()
	if err != nil {
		return nil, err
	}
	u.cfg.Bays[bay].Hub = config.ThresholdConfig{
		Value: res.Threshold, Polarity: string(res.Polarity),
	}
	return res, nil
}

// CalibratePath measures the feed path length in clicks by loading a bay
// at half speed, then rewinding. The stored length keeps a margin so the
// excess-travel guard has headroom.
func (u *Unit) CalibratePath(bay int) (int, error) {
	if u.CurrentBay() >= 0 {
		return 0, fmt.Errorf("%s: unload before calibrating the path", u.name)
	}
	if !u.BayReady(bay) {
		return 0, fmt.Errorf("%s: bay %d not ready for path calibration", u.name, bay)
	}
	deadline := u.reactor.Monotonic() + u.cfg.Timeout

	if err := u.f1.Run(bay, motor.Forward, 1.0); err != nil {
		return 0, err
	}
	if !u.waitUntil(func() bool { return u.hubs[bay].On() }, deadline) {
		u.f1.Stop()
		return 0, fault.New(fault.ErrHubStuckOff, "%s: filament never reached hub %d", u.name, bay)
	}
	u.encoder.Reset()
	u.queue.Enqueue(motor.RunForward(0.5))
	done := u.waitUntil(func() bool { return u.pressure.Value() > control.DefaultUpper }, deadline)
	clicks := u.encoder.Clicks()
	u.queue.Enqueue(motor.StopCmd())
	if !done {
		u.haltDrives()
		u.f1.Stop()
		return 0, fault.New(fault.ErrBufferNotLoading, "%s: buffer never pressurized measuring path", u.name)
	}

	// Rewind the measuring filament back into the bay.
	u.queue.Enqueue(motor.RunBackward(0.5))
	if err := u.f1.Run(bay, motor.Backward, 1.0); err != nil {
		return 0, err
	}
	if !u.waitUntil(func() bool { return !u.hubs[bay].On() }, deadline) {
		u.haltDrives()
		return 0, fault.New(fault.ErrHubStuckOn, "%s: hub %d never cleared after measuring", u.name, bay)
	}
	u.reactor.Pause(u.reactor.Monotonic() + retractSettle)
	u.queue.Purge()
	u.queue.Enqueue(motor.StopCmd())
	u.waitUntil(u.queue.Empty, deadline)
	u.f1.Stop()
	u.encoder.Reset()

	measured := clicks - pathCalibrationMargin
	if measured < 0 {
		measured = clicks
	}
	u.store.SetPathClicks(u.name, measured)
	u.logger.Info("path calibrated to %d clicks on bay %d", measured, bay)
	return measured, nil
}

// fail latches a bay into the error state and halts motion.
func (u *Unit) fail(bay int, err error) {
	u.haltDrives()
	u.follower.Disable()
	u.mu.Lock()
	if next, terr := Next(u.states[bay], EventFault); terr == nil {
		u.states[bay] = next
	}
	u.lastFault[bay] = err
	if u.currentBay == bay {
		u.currentBay = -1
	}
	u.mu.Unlock()
	u.setLED(bay, 1)
	u.logger.WithError(err).Error("bay %d faulted", bay)
}

// LastFault returns the fault that latched a bay, if any.
func (u *Unit) LastFault(bay int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastFault[bay]
}

func (u *Unit) setLED(bay int, value float64) {
	if bay < len(u.leds) && u.leds[bay] != nil {
		u.leds[bay].Set(value)
	}
}

// flushTick periodically persists accumulated travel clicks.
func (u *Unit) flushTick(eventtime float64) float64 {
	u.mu.Lock()
	bay := u.currentBay
	flushable := bay >= 0 && u.states[bay].Loaded()
	u.mu.Unlock()
	if flushable {
		u.flushClicks(bay)
	}
	return eventtime + ClickFlushPeriod
}

func (u *Unit) flushClicks(bay int) {
	delta := u.encoder.Reset()
	if delta == 0 {
		return
	}
	total := u.store.AddClicks(u.name, bay, delta)
	u.mu.Lock()
	if u.spools[bay] != nil {
		u.spools[bay].Clicks = total
	}
	u.mu.Unlock()
}

// Snapshot reports the unit state for telemetry.
func (u *Unit) Snapshot() map[string]interface{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	bays := make([]map[string]interface{}, len(u.states))
	for i := range u.states {
		b := map[string]interface{}{
			"state":        u.states[i].String(),
			"feeder":       u.feeders[i].On(),
			"feeder_value": u.feeders[i].Value(),
			"hub":          u.hubs[i].On(),
			"hub_value":    u.hubs[i].Value(),
		}
		if u.spools[i] != nil {
			b["material"] = u.spools[i].Material
			b["percentage"] = u.spools[i].Percentage()
		}
		if u.lastFault[i] != nil {
			b["fault"] = u.lastFault[i].Error()
		}
		bays[i] = b
	}
	enabled, dir := u.follower.Enabled()
	return map[string]interface{}{
		"name":        u.name,
		"current_bay": u.currentBay,
		"drive":       u.queue.State().String(),
		"pressure":    u.pressure.Value(),
		"current":     u.current.Value(),
		"follower":    enabled,
		"direction":   dir.String(),
		"stopped":     u.stop.Tripped(),
		"bays":        bays,
	}
}

// Close releases the unit's timers.
func (u *Unit) Close() {
	u.reactor.UnregisterTimer(u.flushTimer)
	u.queue.Close()
}

// waitUntil polls a condition on a pseudo-blocking sequence until it
// holds, the deadline passes, or a monitor trips the hard stop.
func (u *Unit) waitUntil(cond func() bool, deadline float64) bool {
	for !cond() {
		if u.stop.Tripped() || u.reactor.Monotonic() > deadline {
			return cond()
		}
		u.reactor.Pause(u.reactor.Monotonic() + waitPoll)
	}
	return true
}

// aborted surfaces the stop flag fault when a wait ended early because
// a monitor tripped.
func (u *Unit) aborted() error {
	if f := u.stop.Fault(); f != nil {
		return fault.Wrap(f, fault.ErrHardStop, u.name+": sequence aborted by monitor")
	}
	return nil
}

// bayFeeder adapts the first-stage driver to the calibrator.
type bayFeeder struct {
	u   *Unit
	bay int
}

func (b *bayFeeder) Feed(direction motor.Direction, speed float64) error {
	return b.u.f1.Run(b.bay, direction, speed)
}

func (b *bayFeeder) Stop() { b.u.f1.Stop() }
