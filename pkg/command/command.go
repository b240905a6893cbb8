// Package command defines the typed operations exposed to the outside
// world. Incoming JSON is converted to a concrete command at the wire
// boundary; from there on dispatch is on the type, not on a name.
package command

import (
	"encoding/json"
	"fmt"

	"oams-go-migration/pkg/group"
	"oams-go-migration/pkg/motor"
	"oams-go-migration/pkg/unit"
)

// Result is the payload a command returns to the caller.
type Result map[string]interface{}

// Command executes against the orchestrator.
type Command interface {
	Execute(o *group.Orchestrator) (Result, error)
}

func unitOf(o *group.Orchestrator, name string) (*unit.Unit, error) {
	u := o.Unit(name)
	if u == nil {
		return nil, fmt.Errorf("command: unknown unit %q", name)
	}
	return u, nil
}

// LoadBay loads filament from one bay.
type LoadBay struct {
	Unit string `json:"unit"`
	Bay  int    `json:"bay"`
}

func (c LoadBay) Execute(o *group.Orchestrator) (Result, error) {
	u, err := unitOf(o, c.Unit)
	if err != nil {
		return nil, err
	}
	if err := u.LoadSpool(c.Bay); err != nil {
		return nil, err
	}
	return Result{"loaded": c.Bay}, nil
}

// Unload rewinds a unit's loaded bay.
type Unload struct {
	Unit string `json:"unit"`
}

func (c Unload) Execute(o *group.Orchestrator) (Result, error) {
	u, err := unitOf(o, c.Unit)
	if err != nil {
		return nil, err
	}
	if err := u.UnloadSpool(); err != nil {
		return nil, err
	}
	return Result{"unloaded": true}, nil
}

// SetFollower arms or disarms a unit's buffer follower.
type SetFollower struct {
	Unit      string `json:"unit"`
	Enable    bool   `json:"enable"`
	Direction string `json:"direction"`
}

func (c SetFollower) Execute(o *group.Orchestrator) (Result, error) {
	u, err := unitOf(o, c.Unit)
	if err != nil {
		return nil, err
	}
	dir := motor.Forward
	if c.Direction == "backward" {
		dir = motor.Backward
	}
	if err := u.SetFollower(c.Enable, dir); err != nil {
		return nil, err
	}
	return Result{"follower": c.Enable}, nil
}

// CalibrateHub sweeps a bay's hub sensor and installs the threshold.
type CalibrateHub struct {
	Unit string `json:"unit"`
	Bay  int    `json:"bay"`
}

func (c CalibrateHub) Execute(o *group.Orchestrator) (Result, error) {
	u, err := unitOf(o, c.Unit)
	if err != nil {
		return nil, err
	}
	res, err := u.CalibrateHub(c.Bay)
	if err != nil {
		return nil, err
	}
	return Result{
		"threshold": res.Threshold,
		"polarity":  string(res.Polarity),
	}, nil
}

// CalibratePath measures a unit's feed path length in clicks.
type CalibratePath struct {
	Unit string `json:"unit"`
	Bay  int    `json:"bay"`
}

func (c CalibratePath) Execute(o *group.Orchestrator) (Result, error) {
	u, err := unitOf(o, c.Unit)
	if err != nil {
		return nil, err
	}
	clicks, err := u.CalibratePath(c.Bay)
	if err != nil {
		return nil, err
	}
	return Result{"path_clicks": clicks}, nil
}

// GroupLoad loads the first ready bay of a filament group.
type GroupLoad struct {
	Group string `json:"group"`
}

func (c GroupLoad) Execute(o *group.Orchestrator) (Result, error) {
	if err := o.LoadGroup(c.Group); err != nil {
		return nil, err
	}
	return Result{"group": c.Group}, nil
}

// GroupUnload unloads whichever bay of a group holds the path.
type GroupUnload struct {
	Group string `json:"group"`
}

func (c GroupUnload) Execute(o *group.Orchestrator) (Result, error) {
	if err := o.UnloadGroup(c.Group); err != nil {
		return nil, err
	}
	return Result{"group": c.Group}, nil
}

// ClearErrors releases latched faults, on one unit or on the fleet.
type ClearErrors struct {
	Unit string `json:"unit"`
}

func (c ClearErrors) Execute(o *group.Orchestrator) (Result, error) {
	if c.Unit != "" {
		u, err := unitOf(o, c.Unit)
		if err != nil {
			return nil, err
		}
		return Result{"cleared": c.Unit}, u.ClearErrors()
	}
	for _, u := range o.Units() {
		if err := u.ClearErrors(); err != nil {
			return nil, err
		}
	}
	o.ClearFault()
	return Result{"cleared": "all"}, nil
}

// SetSpool describes the spool sitting in a bay.
type SetSpool struct {
	Unit       string  `json:"unit"`
	Bay        int     `json:"bay"`
	Material   string  `json:"material"`
	Percentage float64 `json:"percentage"`
}

func (c SetSpool) Execute(o *group.Orchestrator) (Result, error) {
	u, err := unitOf(o, c.Unit)
	if err != nil {
		return nil, err
	}
	if err := u.SetSpool(c.Bay, c.Material, c.Percentage); err != nil {
		return nil, err
	}
	return Result{"bay": c.Bay, "material": c.Material}, nil
}

// QueryClicks reports consumed travel per bay of a unit.
type QueryClicks struct {
	Unit string `json:"unit"`
}

func (c QueryClicks) Execute(o *group.Orchestrator) (Result, error) {
	u, err := unitOf(o, c.Unit)
	if err != nil {
		return nil, err
	}
	bays := make([]Result, u.BayCount())
	for i := 0; i < u.BayCount(); i++ {
		if spool, ok := u.BaySpool(i); ok {
			bays[i] = Result{
				"clicks":     spool.Clicks,
				"percentage": spool.Percentage(),
			}
		} else {
			bays[i] = Result{}
		}
	}
	return Result{"bays": bays}, nil
}

// Stats reports the fleet snapshot.
type Stats struct{}

func (c Stats) Execute(o *group.Orchestrator) (Result, error) {
	return Result(o.Snapshot()), nil
}

// Parse converts a wire command into its typed form. This is the only
// place command names exist as strings.
func Parse(name string, params json.RawMessage) (Command, error) {
	var cmd Command
	switch name {
	case "load":
		cmd = &LoadBay{}
	case "unload":
		cmd = &Unload{}
	case "follower":
		cmd = &SetFollower{}
	case "calibrate_hub":
		cmd = &CalibrateHub{}
	case "calibrate_path":
		cmd = &CalibratePath{}
	case "group_load":
		cmd = &GroupLoad{}
	case "group_unload":
		cmd = &GroupUnload{}
	case "clear_errors":
		cmd = &ClearErrors{}
	case "set_spool":
		cmd = &SetSpool{}
	case "query_clicks":
		cmd = &QueryClicks{}
	case "stats":
		cmd = &Stats{}
	default:
		return nil, fmt.Errorf("command: unknown command %q", name)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, cmd); err != nil {
			return nil, fmt.Errorf("command: bad %s params: %w", name, err)
		}
	}
	return deref(cmd), nil
}

func deref(cmd Command) Command {
	switch c := cmd.(type) {
	case *LoadBay:
		return *c
	case *Unload:
		return *c
	case *SetFollower:
		return *c
	case *CalibrateHub:
		return *c
	case *CalibratePath:
		return *c
	case *GroupLoad:
		return *c
	case *GroupUnload:
		return *c
	case *ClearErrors:
		return *c
	case *SetSpool:
		return *c
	case *QueryClicks:
		return *c
	case *Stats:
		return *c
	}
	return cmd
}
