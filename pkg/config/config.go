// Package config loads and saves the host configuration. The file is
// YAML; calibration results are written back through Save so a host
// restart keeps the derived thresholds.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root of the host configuration.
type Config struct {
	Serial    SerialConfig        `yaml:"serial"`
	StorePath string              `yaml:"store_path"`
	Telemetry TelemetryConfig     `yaml:"telemetry"`
	Runout    RunoutConfig        `yaml:"runout"`
	Units     []UnitConfig        `yaml:"units"`
	Groups    map[string][]string `yaml:"groups"`
}

// SerialConfig selects the MCU link. An empty port runs the simulated
// backend.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// TelemetryConfig configures the status server.
type TelemetryConfig struct {
	Addr string `yaml:"addr"`
}

// RunoutConfig tunes the fleet runout orchestrator.
type RunoutConfig struct {
	SafetyMargin  float64 `yaml:"safety_margin"`
	ReloadLead    float64 `yaml:"reload_lead"`
	PauseDistance float64 `yaml:"pause_distance"`
}

// PIDConfig are the gains of the unload current controller.
type PIDConfig struct {
	Kp     float64 `yaml:"kp"`
	Ki     float64 `yaml:"ki"`
	Kd     float64 `yaml:"kd"`
	Target float64 `yaml:"target"`
}

// ThresholdConfig is a calibrated switch threshold.
type ThresholdConfig struct {
	Value    float64 `yaml:"value"`
	Polarity string  `yaml:"polarity"`
}

// BayConfig describes one spool bay.
type BayConfig struct {
	FeederPin string          `yaml:"feeder_pin"`
	HubPin    string          `yaml:"hub_pin"`
	Feeder    ThresholdConfig `yaml:"feeder"`
	Hub       ThresholdConfig `yaml:"hub"`
	LEDPin    string          `yaml:"led_pin"`
}

// UnitConfig describes one feeding unit.
type UnitConfig struct {
	Name          string  `yaml:"name"`
	BoardRevision string  `yaml:"board_revision"`
	PathLength    float64 `yaml:"path_length"`

	PressurePin     string `yaml:"pressure_pin"`
	ReversePressure bool   `yaml:"reverse_pressure"`
	CurrentPin      string `yaml:"current_pin"`

	DrivePWM    string `yaml:"drive_pwm"`
	DriveDir    string `yaml:"drive_dir"`
	DriveEnable string `yaml:"drive_enable"`
	DriveReset  string `yaml:"drive_reset"`

	F1SelectHigh string `yaml:"f1_select_high"`
	F1SelectLow  string `yaml:"f1_select_low"`
	F1PWMA       string `yaml:"f1_pwm_a"`
	F1PWMB       string `yaml:"f1_pwm_b"`

	Bays []BayConfig `yaml:"bays"`

	LoadSlowClicks  int     `yaml:"load_slow_clicks"`
	ClickMargin     int     `yaml:"click_margin"`
	Timeout         float64 `yaml:"timeout"`
	UnloadStrategy  string  `yaml:"unload_strategy"`
	FastUnload      bool    `yaml:"fast_unload"`
	ReverseDCOnLoad bool    `yaml:"reverse_dc_motor_on_unload"`
	PID             PIDConfig
}

// Defaults applied to zero-valued fields on load.
const (
	DefaultBaud           = 115200
	DefaultTimeout        = 60.0
	DefaultLoadSlowClicks = 900
	DefaultClickMargin    = 200
	DefaultPathLength     = 1000.0
	DefaultSafetyMargin   = 20.0
	DefaultReloadLead     = 100.0
	DefaultPauseDistance  = 60.0
)

// Default returns a single-unit simulated configuration.
func Default() *Config {
	c := &Config{
		Serial:    SerialConfig{Baud: DefaultBaud},
		Telemetry: TelemetryConfig{Addr: ":7125"},
		Units: []UnitConfig{{
			Name:          "oams1",
			BoardRevision: "1.4",
			PressurePin:   "pressure",
			CurrentPin:    "f1_current",
			DrivePWM:      "bldc_pwm",
			DriveDir:      "bldc_dir",
			DriveEnable:   "bldc_en",
			DriveReset:    "bldc_reset",
			F1SelectHigh:  "f1_sel_h",
			F1SelectLow:   "f1_sel_l",
			F1PWMA:        "f1_pwm_a",
			F1PWMB:        "f1_pwm_b",
			Bays: []BayConfig{
				{FeederPin: "feeder0", HubPin: "hub0", LEDPin: "led0"},
				{FeederPin: "feeder1", HubPin: "hub1", LEDPin: "led1"},
				{FeederPin: "feeder2", HubPin: "hub2", LEDPin: "led2"},
				{FeederPin: "feeder3", HubPin: "hub3", LEDPin: "led3"},
			},
			UnloadStrategy: "percentage",
			PID:            PIDConfig{Kp: 0.5, Ki: 0.1, Kd: 0.0, Target: 0.35},
		}},
		Groups: map[string][]string{
			"T0": {"oams1-0", "oams1-1", "oams1-2", "oams1-3"},
		},
	}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Serial.Baud == 0 {
		c.Serial.Baud = DefaultBaud
	}
	if c.Runout.SafetyMargin == 0 {
		c.Runout.SafetyMargin = DefaultSafetyMargin
	}
	if c.Runout.ReloadLead == 0 {
		c.Runout.ReloadLead = DefaultReloadLead
	}
	if c.Runout.PauseDistance == 0 {
		c.Runout.PauseDistance = DefaultPauseDistance
	}
	for i := range c.Units {
		u := &c.Units[i]
		if u.PathLength == 0 {
			u.PathLength = DefaultPathLength
		}
		if u.LoadSlowClicks == 0 {
			u.LoadSlowClicks = DefaultLoadSlowClicks
		}
		if u.ClickMargin == 0 {
			u.ClickMargin = DefaultClickMargin
		}
		if u.Timeout == 0 {
			u.Timeout = DefaultTimeout
		}
		if u.UnloadStrategy == "" {
			u.UnloadStrategy = "percentage"
		}
		for j := range u.Bays {
			b := &u.Bays[j]
			if b.Feeder.Value == 0 {
				b.Feeder.Value = 0.5
			}
			if b.Hub.Value == 0 {
				b.Hub.Value = 0.5
			}
			if b.Feeder.Polarity == "" {
				b.Feeder.Polarity = "above"
			}
			if b.Hub.Polarity == "" {
				b.Hub.Polarity = "above"
			}
		}
	}
}

// Validate rejects configurations that cannot be wired.
func (c *Config) Validate() error {
	names := make(map[string]bool)
	for i := range c.Units {
		u := &c.Units[i]
		if u.Name == "" {
			return fmt.Errorf("config: unit %d has no name", i)
		}
		if names[u.Name] {
			return fmt.Errorf("config: duplicate unit name %q", u.Name)
		}
		names[u.Name] = true
		if u.BoardRevision != "1.1" && u.BoardRevision != "1.4" {
			return fmt.Errorf("config: unit %q: unknown board revision %q", u.Name, u.BoardRevision)
		}
		if len(u.Bays) == 0 || len(u.Bays) > 4 {
			return fmt.Errorf("config: unit %q: %d bays, want 1..4", u.Name, len(u.Bays))
		}
		switch u.UnloadStrategy {
		case "percentage", "current":
		default:
			return fmt.Errorf("config: unit %q: unknown unload strategy %q", u.Name, u.UnloadStrategy)
		}
	}
	for group, refs := range c.Groups {
		for _, ref := range refs {
			unit, bay, err := ParseBayRef(ref)
			if err != nil {
				return fmt.Errorf("config: group %q: %w", group, err)
			}
			if !names[unit] {
				return fmt.Errorf("config: group %q references unknown unit %q", group, unit)
			}
			for i := range c.Units {
				if c.Units[i].Name == unit && bay >= len(c.Units[i].Bays) {
					return fmt.Errorf("config: group %q references bay %d of unit %q", group, bay, unit)
				}
			}
		}
	}
	return nil
}

// ParseBayRef splits a "unit-bay" reference like "oams1-2".
func ParseBayRef(ref string) (string, int, error) {
	i := strings.LastIndex(ref, "-")
	if i <= 0 || i == len(ref)-1 {
		return "", 0, fmt.Errorf("bad bay reference %q, want unit-bay", ref)
	}
	bay, err := strconv.Atoi(ref[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("bad bay index in %q: %w", ref, err)
	}
	return ref[:i], bay, nil
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Save writes the configuration back, preserving calibration updates.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Unit returns the unit configuration by name.
func (c *Config) Unit(name string) *UnitConfig {
	for i := range c.Units {
		if c.Units[i].Name == name {
			return &c.Units[i]
		}
	}
	return nil
}
