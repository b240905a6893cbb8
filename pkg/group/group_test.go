package group

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oams-go-migration/pkg/config"
	"oams-go-migration/pkg/fault"
	"oams-go-migration/pkg/hw"
	"oams-go-migration/pkg/monitor"
	"oams-go-migration/pkg/motor"
	"oams-go-migration/pkg/reactor"
	"oams-go-migration/pkg/store"
	"oams-go-migration/pkg/unit"
)

type fakeHost struct {
	mu       sync.Mutex
	printing bool
	pos      float64
	pauses   int
	msgs     []string
}

func (h *fakeHost) IsPrinting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.printing
}

func (h *fakeHost) ExtruderPos() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pos
}

func (h *fakeHost) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pauses++
	h.printing = false
}

func (h *fakeHost) RespondInfo(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *fakeHost) setPos(pos float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pos = pos
}

func (h *fakeHost) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.msgs...)
}

func (h *fakeHost) pauseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pauses
}

type fleet struct {
	orch *Orchestrator
	unit *unit.Unit
	sim  *hw.SimBackend
	host *fakeHost
}

func newFleet(t *testing.T) *fleet {
	t.Helper()
	cfg := &config.Default().Units[0]
	cfg.Timeout = 5
	cfg.LoadSlowClicks = 50
	cfg.PathLength = 1000

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

	host := &fakeHost{printing: true}
	o := New(r, host, Settings{SafetyMargin: 20, ReloadLead: 100, PauseDistance: 60})
	o.AddUnit(u)
	o.AddGroup("T0", []BayRef{
		{Unit: u, Bay: 0}, {Unit: u, Bay: 1}, {Unit: u, Bay: 2}, {Unit: u, Bay: 3},
	})
	return &fleet{orch: o, unit: u, sim: sim, host: host}
}

// driveLoad walks the simulated hardware through a load of the given bay.
func (f *fleet) driveLoad(t *testing.T, bay int) {
	t.Helper()
	hub := []string{"hub0", "hub1", "hub2", "hub3"}[bay]
	time.Sleep(200 * time.Millisecond)
	f.sim.SetADC(hub, 0.9)
	// the sequence dwells past the hub before it starts counting clicks
	time.Sleep(1500 * time.Millisecond)
	for i := 0; i < 12; i++ {
		f.sim.AddClicks(10)
		time.Sleep(30 * time.Millisecond)
	}
	f.sim.SetADC("pressure", 0.9)
}

func TestLoadGroupPicksFirstReadyBay(t *testing.T) {
	f := newFleet(t)
	// bays 0 and 1 empty, 2 and 3 hold spools
	f.sim.SetADC("feeder2", 0.9)
	f.sim.SetADC("feeder3", 0.9)

	done := make(chan error, 1)
	go func() { done <- f.orch.LoadGroup("T0") }()
	f.driveLoad(t, 2)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("load never finished")
	}
	assert.Equal(t, 2, f.unit.CurrentBay())
}

func TestLoadGroupErrors(t *testing.T) {
	f := newFleet(t)
	assert.Error(t, f.orch.LoadGroup("T9"), "unknown group")
	assert.Error(t, f.orch.LoadGroup("T0"), "no ready bay")
	assert.Error(t, f.orch.UnloadGroup("T9"))
	assert.Error(t, f.orch.UnloadGroup("T0"), "nothing loaded")
}

func TestRunoutHandOff(t *testing.T) {
	f := newFleet(t)
	// bay 0 printing, bay 1 holds the replacement spool
	f.sim.SetADC("feeder0", 0.9)
	f.sim.SetADC("hub0", 0.9)
	require.NoError(t, f.unit.DetermineState())
	f.unit.Follower().Enable(motor.Forward)
	f.sim.SetADC("feeder1", 0.9)

	f.host.setPos(100)
	f.orch.tick(0)
	_, _, active := f.orch.Runout()
	assert.False(t, active, "no runout while the hub reads filament")

	// the spool tail clears the hub; the feeder still reads the tail
	f.sim.SetADC("hub0", 0.1)
	f.orch.tick(1)
	runoutUnit, runoutBay, active := f.orch.Runout()
	require.True(t, active)
	assert.Equal(t, "oams1", runoutUnit)
	assert.Equal(t, 0, runoutBay)
	enabled, _ := f.unit.Follower().Enabled()
	assert.True(t, enabled, "follower keeps feeding the tail at detection")

	// the follower feeds another 60mm before letting the tail coast
	f.host.setPos(150)
	f.orch.tick(2)
	enabled, _ = f.unit.Follower().Enabled()
	assert.True(t, enabled)

	f.host.setPos(160)
	f.orch.tick(3)
	enabled, _ = f.unit.Follower().Enabled()
	assert.False(t, enabled, "follower coasts once the tail is past the drive")

	// usable path is 1000/1.14 - 20 = 857.2mm; the hand-off arms 100mm
	// before that, measured from the coast point, so 700mm is still quiet
	f.host.setPos(160 + 700)
	f.orch.tick(4)
	assert.Equal(t, 0, f.unit.CurrentBay(), "hand-off must not start early")

	f.host.setPos(160 + 760)
	f.orch.tick(5)
	go f.driveLoad(t, 1)

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, _, active := f.orch.Runout(); !active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("hand-off never completed")
		}
		time.Sleep(50 * time.Millisecond)
	}

	assert.Equal(t, 1, f.unit.CurrentBay())
	assert.Equal(t, unit.Unloaded, f.unit.State(0))
	assert.Equal(t, unit.LoadedForward, f.unit.State(1))
	assert.Equal(t, 0, f.host.pauseCount())

	resolved := false
	for _, msg := range f.host.messages() {
		if strings.Contains(msg, "Runout resolved") {
			resolved = true
		}
	}
	assert.True(t, resolved, "host must be told about the hand-off")
}

func TestRunoutPausesWhenGroupExhausted(t *testing.T) {
	f := newFleet(t)
	f.sim.SetADC("feeder3", 0.9)
	f.sim.SetADC("hub3", 0.9)
	require.NoError(t, f.unit.DetermineState())

	f.host.setPos(0)
	f.sim.SetADC("hub3", 0.1)
	f.orch.tick(0)
	_, _, active := f.orch.Runout()
	require.True(t, active)

	// coast after 60mm, then the tail may ride the buffer for another
	// 1000/1.14 - 20 - 100 = 757.2mm before a replacement must be in
	f.host.setPos(60)
	f.orch.tick(1)
	f.host.setPos(60 + 700)
	f.orch.tick(2)
	assert.Equal(t, 0, f.host.pauseCount(), "budget left, no pause yet")

	f.host.setPos(60 + 760)
	f.orch.tick(3)
	assert.Equal(t, 1, f.host.pauseCount())
	_, _, active = f.orch.Runout()
	assert.False(t, active, "session cleared after pausing")

	// the pause happens exactly once
	f.orch.tick(4)
	f.orch.tick(5)
	assert.Equal(t, 1, f.host.pauseCount())

	require.NotNil(t, f.orch.LastFault())
	assert.Equal(t, fault.ErrGroupExhausted, f.orch.LastFault().Code)
	f.orch.ClearFault()
	assert.Nil(t, f.orch.LastFault())
}

func TestNoRunoutDetectionWhileIdle(t *testing.T) {
	f := newFleet(t)
	f.sim.SetADC("hub0", 0.9)
	require.NoError(t, f.unit.DetermineState())
	f.host.mu.Lock()
	f.host.printing = false
	f.host.mu.Unlock()

	f.orch.tick(0)
	_, _, active := f.orch.Runout()
	assert.False(t, active)
}

func TestSnapshotIncludesGroupsAndRunout(t *testing.T) {
	f := newFleet(t)
	f.sim.SetADC("hub0", 0.9)
	require.NoError(t, f.unit.DetermineState())
	f.sim.SetADC("hub0", 0.1)
	f.orch.tick(0)

	snap := f.orch.Snapshot()
	groups := snap["groups"].(map[string]interface{})
	require.Contains(t, groups, "T0")
	assert.Equal(t, []string{"oams1-0", "oams1-1", "oams1-2", "oams1-3"}, groups["T0"])

	runout := snap["runout"].(map[string]interface{})
	assert.Equal(t, "oams1", runout["unit"])
	assert.Equal(t, 0, runout["bay"])
}
