package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oams-go-migration/pkg/config"
	"oams-go-migration/pkg/group"
	"oams-go-migration/pkg/hw"
	"oams-go-migration/pkg/monitor"
	"oams-go-migration/pkg/reactor"
	"oams-go-migration/pkg/store"
	"oams-go-migration/pkg/unit"
)

func newOrchestrator(t *testing.T) (*group.Orchestrator, *hw.SimBackend) {
	t.Helper()
	cfg := &config.Default().Units[0]
	r := reactor.New()
	r.Run()
	t.Cleanup(func() { r.End(); r.Wait() })

	sim := hw.NewSimBackend()
	sim.SetRPM(120)
	st, err := store.Open("")
	require.NoError(t, err)
	mon := monitor.New(r)
	t.Cleanup(mon.Close)

	u, err := unit.New(cfg, r, sim, mon, &monitor.StopFlag{}, st)
	require.NoError(t, err)
	t.Cleanup(u.Close)

	o := group.New(r, nil, group.Settings{})
	o.AddUnit(u)
	o.AddGroup("T0", []group.BayRef{{Unit: u, Bay: 0}})
	return o, sim
}

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		params string
		want   Command
	}{
		{"load", `{"unit":"oams1","bay":2}`, LoadBay{Unit: "oams1", Bay: 2}},
		{"unload", `{"unit":"oams1"}`, Unload{Unit: "oams1"}},
		{"follower", `{"unit":"oams1","enable":true,"direction":"backward"}`,
			SetFollower{Unit: "oams1", Enable: true, Direction: "backward"}},
		{"group_load", `{"group":"T0"}`, GroupLoad{Group: "T0"}},
		{"set_spool", `{"unit":"oams1","bay":1,"material":"ABS","percentage":80}`,
			SetSpool{Unit: "oams1", Bay: 1, Material: "ABS", Percentage: 80}},
		{"clear_errors", ``, ClearErrors{}},
		{"stats", ``, Stats{}},
	}
	for _, tc := range tests {
		cmd, err := Parse(tc.name, json.RawMessage(tc.params))
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, cmd, tc.name)
	}
}

func TestParseRejects(t *testing.T) {
	_, err := Parse("bogus", nil)
	assert.Error(t, err)
	_, err = Parse("load", json.RawMessage(`{"bay":"two"}`))
	assert.Error(t, err)
}

func TestSetSpoolAndQueryClicks(t *testing.T) {
	o, _ := newOrchestrator(t)

	_, err := SetSpool{Unit: "oams1", Bay: 1, Material: "ABS", Percentage: 75}.Execute(o)
	require.NoError(t, err)

	res, err := QueryClicks{Unit: "oams1"}.Execute(o)
	require.NoError(t, err)
	bays := res["bays"].([]Result)
	require.Len(t, bays, 4)
	assert.Equal(t, 75.0, bays[1]["percentage"])
	assert.Empty(t, bays[0])
}

func TestUnknownUnitRejected(t *testing.T) {
	o, _ := newOrchestrator(t)
	for _, cmd := range []Command{
		LoadBay{Unit: "nope"},
		Unload{Unit: "nope"},
		SetFollower{Unit: "nope"},
		CalibrateHub{Unit: "nope"},
		QueryClicks{Unit: "nope"},
		SetSpool{Unit: "nope"},
	} {
		_, err := cmd.Execute(o)
		assert.Error(t, err, "%T", cmd)
	}
}

func TestStats(t *testing.T) {
	o, sim := newOrchestrator(t)
	sim.SetADC("hub0", 0.9)
	require.NoError(t, o.Unit("oams1").DetermineState())

	res, err := Stats{}.Execute(o)
	require.NoError(t, err)
	units := res["units"].(map[string]interface{})
	snap := units["oams1"].(map[string]interface{})
	assert.Equal(t, 0, snap["current_bay"])
}

func TestClearErrorsFleetWide(t *testing.T) {
	o, sim := newOrchestrator(t)
	sim.SetADC("hub0", 0.9)
	sim.SetADC("hub1", 0.9)
	require.Error(t, o.Unit("oams1").DetermineState())

	sim.SetADC("hub1", 0.1)
	_, err := ClearErrors{}.Execute(o)
	require.NoError(t, err)
	assert.Equal(t, 0, o.Unit("oams1").CurrentBay())
}

func TestGroupLoadNoReadyBay(t *testing.T) {
	o, _ := newOrchestrator(t)
	_, err := GroupLoad{Group: "T0"}.Execute(o)
	assert.Error(t, err)
	_, err = GroupUnload{Group: "T0"}.Execute(o)
	assert.Error(t, err)
}
