// oams-host is the control daemon for a fleet of filament feeding units.
// It connects the unit hardware, reconciles bay state, supervises spool
// runout against the printer, and serves status and commands over HTTP
// and WebSocket.
//
// Usage:
//
//	oams-host -config oams.yaml [options]
//
// Options:
//
//	-config string     Configuration file (required)
//	-telemetry string  Override the telemetry listen address
//	-moonraker string  Moonraker WebSocket URL for printer state
//	-logfile string    Log file path (default: stderr)
//	-debug             Enable debug logging
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

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

func main() {
	configFile := flag.String("config", "", "Configuration file (required)")
	telemetryAddr := flag.String("telemetry", "", "Override the telemetry listen address")
	moonrakerURL := flag.String("moonraker", "", "Moonraker WebSocket URL, e.g. ws://localhost:7125/websocket")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New("oams")
	if *debug {
		logger.SetLevel(log.DEBUG)
	}
	if *logFile != "" {
		w, err := log.NewRotatingFileWriter(log.RotationConfig{Filename: *logFile})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		logger.SetWriter(w)
	}
	log.SetDefault(logger)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("loading config: %v", err)
		os.Exit(1)
	}
	if *telemetryAddr != "" {
		cfg.Telemetry.Addr = *telemetryAddr
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Error("opening store: %v", err)
		os.Exit(1)
	}

	var backend hw.Backend
	if cfg.Serial.Port != "" {
		backend, err = hw.OpenSerial(cfg.Serial.Port, cfg.Serial.Baud)
		if err != nil {
			logger.Error("opening serial backend: %v", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no serial port configured, using the simulated backend")
		backend = hw.NewSimBackend()
	}
	defer backend.Close()

	r := reactor.New()
	mon := monitor.New(r)
	stop := &monitor.StopFlag{}

	var host group.PrintHost
	if *moonrakerURL != "" {
		mr, err := printhost.DialMoonraker(*moonrakerURL)
		if err != nil {
			logger.Error("connecting to moonraker: %v", err)
			os.Exit(1)
		}
		defer mr.Close()
		host = mr
	} else {
		logger.Warn("no moonraker URL, runout supervision sees an idle printer")
		host = printhost.NewLocal()
	}

	orch := group.New(r, host, group.Settings{
		SafetyMargin:  cfg.Runout.SafetyMargin,
		ReloadLead:    cfg.Runout.ReloadLead,
		PauseDistance: cfg.Runout.PauseDistance,
	})

	units := make(map[string]*unit.Unit)
	for i := range cfg.Units {
		u, err := unit.New(&cfg.Units[i], r, backend, mon, stop, st)
		if err != nil {
			logger.Error("wiring unit %s: %v", cfg.Units[i].Name, err)
			os.Exit(1)
		}
		units[u.Name()] = u
		orch.AddUnit(u)
		logger.Info("unit %s ready, %d bays, board rev %s",
			u.Name(), u.BayCount(), cfg.Units[i].BoardRevision)
	}
	for name, refs := range cfg.Groups {
		bays := make([]group.BayRef, 0, len(refs))
		for _, ref := range refs {
			unitName, bay, err := config.ParseBayRef(ref)
			if err != nil {
				logger.Error("group %s: %v", name, err)
				os.Exit(1)
			}
			bays = append(bays, group.BayRef{Unit: units[unitName], Bay: bay})
		}
		orch.AddGroup(name, bays)
	}

	r.Run()
	defer func() {
		r.End()
		r.Wait()
	}()

	for _, u := range orch.Units() {
		if err := u.DetermineState(); err != nil {
			logger.Error("unit %s needs attention: %v", u.Name(), err)
		}
	}
	orch.Start()

	server := telemetry.New(cfg.Telemetry.Addr, orch)
	go func() {
		if err := server.Start(); err != nil {
			logger.Info("telemetry server stopped: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	server.Stop()
	orch.Close()
	for _, u := range orch.Units() {
		u.Close()
	}
	if err := st.Save(); err != nil {
		logger.Error("saving store: %v", err)
	}
	if err := cfg.Save(*configFile); err != nil {
		logger.Error("saving config: %v", err)
	}
}
