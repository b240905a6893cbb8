// oams-sim runs the full host stack against a simulated feeding unit
// and plays a scripted print. Filament is loaded from a group, the
// first spool runs out mid-print, and the orchestrator hands over to
// the next bay. Useful for exercising the control paths without
// hardware attached.
//
// Usage:
//
//	oams-sim [options]
//
// Options:
//
//	-telemetry string  Telemetry listen address (default ":7125")
//	-spools int        Number of bays with a spool inserted (default 2)
//	-debug             Enable debug logging
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"oams-go-migration/pkg/config"
	"oams-go-migration/pkg/group"
	"oams-go-migration/pkg/hw"
	"oams-go-migration/pkg/log"
	"oams-go-migration/pkg/monitor"
	"oams-go-migration/pkg/printhost"
	"oams-go-migration/pkg/reactor"
	"oams-go-migration/pkg/store"
	"oams-go-migration/pkg/telemetry"
	"oams-go-migration/pkg/unit"
)

const (
	physicsTick = 20 * time.Millisecond

	// Filament reaches the hub switch after this much first stage
	// travel and the buffer after this many drive clicks.
	hubTravel   = 0.5
	bufferReach = 120

	// The buffer holds this many clicks of slack; the extruder bleeds
	// it off at a steady rate while the demo print runs.
	bufferCap  = 60.0
	bufferLeak = 0.4
)

func main() {
	telemetryAddr := flag.String("telemetry", ":7125", "Telemetry listen address")
	spools := flag.Int("spools", 2, "Number of bays with a spool inserted")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger := log.New("sim")
	if *debug {
		logger.SetLevel(log.DEBUG)
	}
	log.SetDefault(logger)

	cfg := config.Default()
	u := &cfg.Units[0]
	// Short distances keep the demo brisk.
	u.LoadSlowClicks = 60
	u.ClickMargin = 200
	u.PathLength = 400
	cfg.Runout.SafetyMargin = 20
	cfg.Runout.ReloadLead = 100
	cfg.Runout.PauseDistance = 60

	backend := hw.NewSimBackend()
	st, _ := store.Open("")
	r := reactor.New()
	mon := monitor.New(r)
	stop := &monitor.StopFlag{}
	host := printhost.NewLocal()

	um, err := unit.New(u, r, backend, mon, stop, st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	orch := group.New(r, host, group.Settings{
		SafetyMargin:  cfg.Runout.SafetyMargin,
		ReloadLead:    cfg.Runout.ReloadLead,
		PauseDistance: cfg.Runout.PauseDistance,
	})
	orch.AddUnit(um)
	bays := make([]group.BayRef, 0, um.BayCount())
	for i := 0; i < um.BayCount(); i++ {
		bays = append(bays, group.BayRef{Unit: um, Bay: i})
	}
	orch.AddGroup("T0", bays)

	r.Run()
	defer func() {
		r.End()
		r.Wait()
	}()

	rack := newSpoolRack(um.BayCount(), *spools)
	done := make(chan struct{})
	go runPhysics(backend, u, rack, done)
	defer close(done)

	orch.Start()

	server := telemetry.New(*telemetryAddr, orch)
	go func() {
		if err := server.Start(); err != nil {
			logger.Info("telemetry server stopped: %v", err)
		}
	}()
	defer server.Stop()

	go runScript(logger, orch, um, host, rack)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	um.Close()
}

// spoolRack tracks which bays have filament inserted. The script pulls
// spools out of it to stage runouts; the physics loop reads it to drive
// the feeder switches.
type spoolRack struct {
	mu      sync.Mutex
	present []bool
}

func newSpoolRack(bays, spools int) *spoolRack {
	r := &spoolRack{present: make([]bool, bays)}
	for i := 0; i < bays && i < spools; i++ {
		r.present[i] = true
	}
	return r
}

func (r *spoolRack) Present(bay int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.present[bay]
}

func (r *spoolRack) Remove(bay int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.present[bay] = false
}

// runScript plays the demo print: load from the group, start printing,
// run each spool out in turn and let the orchestrator hand over until
// the group is exhausted and the print pauses.
func runScript(logger *log.Logger, orch *group.Orchestrator, um *unit.Unit, host *printhost.Local, rack *spoolRack) {
	time.Sleep(500 * time.Millisecond)

	logger.Info("loading group T0")
	if err := orch.LoadGroup("T0"); err != nil {
		logger.Error("group load failed: %v", err)
		return
	}
	logger.Info("bay %d loaded, starting print", um.CurrentBay())
	host.SetPrinting(true)

	nextRunout := 80.0
	for !host.Paused() {
		time.Sleep(time.Second)
		host.Extrude(40)
		cur := um.CurrentBay()
		logger.Info("extruded %.0fmm, feeding from bay %d", host.ExtruderPos(), cur)
		if cur >= 0 && rack.Present(cur) && host.ExtruderPos() > nextRunout {
			logger.Info("spool in bay %d runs out", cur)
			rack.Remove(cur)
			nextRunout = host.ExtruderPos() + 400
		}
	}
	logger.Info("print paused, all spools spent")
	for _, msg := range host.Messages() {
		logger.Info("printer console: %s", msg)
	}
}

// runPhysics is the hardware stand-in. It watches the motor pins the
// control code writes and answers with plausible sensor values.
func runPhysics(backend *hw.SimBackend, cfg *config.UnitConfig, rack *spoolRack, done chan struct{}) {
	firstStage := make([]float64, len(cfg.Bays))
	hubOn := make([]bool, len(cfg.Bays))
	driveClicks := 0.0
	bufferLevel := 0.0

	ticker := time.NewTicker(physicsTick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		for i, bc := range cfg.Bays {
			v := 0.1
			if rack.Present(i) {
				v = 0.9
			} else {
				// The spool tail clears the first stage once gone.
				firstStage[i] = 0
				hubOn[i] = false
			}
			backend.SetADC(bc.FeederPin, v)
		}

		// First stage feeder. Board rev 1.4 selects the bay directly
		// through the mux bits.
		selBay := int(backend.Pin(cfg.F1SelectHigh).Get())<<1 |
			int(backend.Pin(cfg.F1SelectLow).Get())
		fwd := backend.Pin(cfg.F1PWMA).Get()
		bwd := backend.Pin(cfg.F1PWMB).Get()
		if selBay >= 0 && selBay < len(cfg.Bays) {
			if fwd > 0 {
				firstStage[selBay] += fwd * 0.04
			} else if bwd > 0 {
				firstStage[selBay] -= bwd * 0.04
			}
			hubOn[selBay] = firstStage[selBay] > hubTravel
		}
		for i, bc := range cfg.Bays {
			v := 0.1
			if hubOn[i] {
				v = 0.9
			}
			backend.SetADC(bc.HubPin, v)
		}

		// Shared drive. PWM is active low and only meaningful while
		// the bridge is enabled.
		running := backend.Pin(cfg.DriveEnable).Get() > 0.5
		duty := 1 - backend.Pin(cfg.DrivePWM).Get()
		reverse := backend.Pin(cfg.DriveDir).Get() > 0.5
		if running && duty > 0 {
			step := duty * 6
			if reverse {
				backend.AddClicks(-int(step))
				driveClicks -= step
				bufferLevel -= step
				if driveClicks < 0 {
					driveClicks = 0
				}
			} else {
				backend.AddClicks(int(step))
				driveClicks += step
				// Forward clicks feed the buffer once filament has
				// travelled the path to reach it.
				if driveClicks > bufferReach {
					bufferLevel += step
				}
			}
			backend.SetRPM(duty * 200)
		} else {
			backend.SetRPM(0)
		}

		// The extruder drains the buffer; the follower is expected to
		// top it back up before the pressure bottoms out.
		bufferLevel -= bufferLeak
		if bufferLevel < 0 {
			bufferLevel = 0
		} else if bufferLevel > bufferCap {
			bufferLevel = bufferCap
		}
		backend.SetADC(cfg.PressurePin, 0.15+0.7*bufferLevel/bufferCap)
		backend.SetADC(cfg.CurrentPin, 0.3)
	}
}
