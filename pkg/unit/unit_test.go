package unit

import (
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
)

func TestTransitionTable(t *testing.T) {
	okCases := []struct {
		from  BayState
		event Event
		to    BayState
	}{
		{Unloaded, EventLoad, Loading},
		{Loading, EventLoadingEnd, LoadedForward},
		{LoadedForward, EventUnload, Unloading},
		{LoadedBackward, EventUnload, Unloading},
		{Unloading, EventUnloadingEnd, Unloaded},
		{LoadedForward, EventRetract, LoadedBackward},
		{LoadedBackward, EventRetract, LoadedBackward},
		{Unloaded, EventRetract, Unloaded},
		{LoadedBackward, EventExtrude, LoadedForward},
		{LoadedForward, EventExtrude, LoadedForward},
		{Unloaded, EventAdopt, LoadedForward},
		{Loading, EventFault, BayError},
		{Unloading, EventFault, BayError},
		{BayError, EventClear, Unloaded},
	}
	for _, c := range okCases {
		to, err := Next(c.from, c.event)
		require.NoError(t, err, "%s on %s", c.from, c.event)
		assert.Equal(t, c.to, to, "%s on %s", c.from, c.event)
	}

	badCases := []struct {
		from  BayState
		event Event
	}{
		{Unloaded, EventUnload},
		{Unloaded, EventLoadingEnd},
		{Loading, EventLoad},
		{Loading, EventUnload},
		{LoadedForward, EventLoad},
		{BayError, EventLoad},
		{BayError, EventUnload},
		{BayError, EventFault},
	}
	for _, c := range badCases {
		_, err := Next(c.from, c.event)
		assert.Error(t, err, "%s on %s must be rejected", c.from, c.event)
	}
}

func TestSpoolPercentage(t *testing.T) {
	s := Spool{Material: "PLA", StartPercentage: 100}
	assert.Equal(t, 100.0, s.Percentage())

	// PLA holds 330m at 2 clicks/mm, so 330000 clicks is half a spool
	s.Clicks = 330000
	assert.InDelta(t, 50.0, s.Percentage(), 1e-9)

	s.Clicks = 2000000
	assert.Equal(t, 0.0, s.Percentage())

	abs := Spool{Material: "ABS", StartPercentage: 50, Clicks: 76000}
	assert.InDelta(t, 40.0, abs.Percentage(), 1e-9)
}

func TestSpoolUnloadDelay(t *testing.T) {
	full := Spool{Material: "PLA", StartPercentage: 100}
	empty := Spool{Material: "PLA", StartPercentage: 0}
	assert.InDelta(t, 1.0, full.UnloadDelay(), 1e-9)
	assert.InDelta(t, 0.1, empty.UnloadDelay(), 1e-9)
}

func newTestUnit(t *testing.T, mutate func(*config.UnitConfig)) (*Unit, *hw.SimBackend) {
	t.Helper()
	cfg := &config.Default().Units[0]
	if mutate != nil {
		mutate(cfg)
	}
	r := reactor.New()
	r.Run()
	t.Cleanup(func() { r.End(); r.Wait() })

	sim := hw.NewSimBackend()
	sim.SetRPM(120)
	st, err := store.Open("")
	require.NoError(t, err)
	mon := monitor.New(r)
	t.Cleanup(mon.Close)

	u, err := New(cfg, r, sim, mon, &monitor.StopFlag{}, st)
	require.NoError(t, err)
	t.Cleanup(u.Close)
	return u, sim
}

func waitResult(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("sequence never finished")
		return nil
	}
}

func TestLoadUnloadRoundTrip(t *testing.T) {
	u, sim := newTestUnit(t, func(c *config.UnitConfig) {
		c.Timeout = 5
		c.LoadSlowClicks = 50
		c.PathLength = 200
	})
	sim.SetADC("feeder0", 0.9)

	done := make(chan error, 1)
	go func() { done <- u.LoadSpool(0) }()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, Loading, u.State(0))
	sim.SetADC("hub0", 0.9)
	// the first stage dwells past the hub, then lets go before the
	// shared drive starts the slow feed
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, 0.0, sim.Pin("f1_pwm_a").Get())
	for i := 0; i < 12; i++ {
		sim.AddClicks(10)
		time.Sleep(30 * time.Millisecond)
	}
	sim.SetADC("pressure", 0.9)

	require.NoError(t, waitResult(t, done))
	assert.Equal(t, LoadedForward, u.State(0))
	assert.Equal(t, 0, u.CurrentBay())
	enabled, dir := u.Follower().Enabled()
	assert.True(t, enabled)
	assert.Equal(t, motor.Forward, dir)
	assert.Equal(t, 1.0, sim.Pin("led0").Get())

	// a second load must be rejected while bay 0 holds the path
	sim.SetADC("feeder1", 0.9)
	require.Error(t, u.LoadSpool(1))

	sim.SetADC("pressure", 0.5)
	go func() { done <- u.UnloadSpool() }()
	time.Sleep(1500 * time.Millisecond)
	sim.SetADC("hub0", 0.1)

	require.NoError(t, waitResult(t, done))
	assert.Equal(t, Unloaded, u.State(0))
	assert.Equal(t, -1, u.CurrentBay())
	enabled, _ = u.Follower().Enabled()
	assert.False(t, enabled)
	assert.Equal(t, 0.0, sim.Pin("led0").Get())

	// the spool record survives the unload
	spool, ok := u.BaySpool(0)
	require.True(t, ok)
	assert.Equal(t, "PLA", spool.Material)
}

func TestLoadRejectsWhileAnotherBayLoading(t *testing.T) {
	u, sim := newTestUnit(t, func(c *config.UnitConfig) { c.Timeout = 1 })
	sim.SetADC("feeder0", 0.9)
	sim.SetADC("feeder1", 0.9)

	done := make(chan error, 1)
	go func() { done <- u.LoadSpool(0) }()
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, Loading, u.State(0))

	// the shared drive is committed to bay 0 until its sequence resolves
	err := u.LoadSpool(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
	assert.Equal(t, Unloaded, u.State(1))

	// bay 0 times out waiting on the hub; the drive frees up
	require.Error(t, waitResult(t, done))
}

func TestLoadRejectsEmptyFeeder(t *testing.T) {
	u, _ := newTestUnit(t, nil)
	err := u.LoadSpool(0)
	require.Error(t, err)
	assert.Equal(t, Unloaded, u.State(0))
}

func TestLoadTimeoutFaultsBay(t *testing.T) {
	u, sim := newTestUnit(t, func(c *config.UnitConfig) { c.Timeout = 0.3 })
	sim.SetADC("feeder2", 0.9)

	err := u.LoadSpool(2)
	require.Error(t, err)
	assert.Equal(t, fault.ErrHubStuckOff, fault.CodeOf(err))
	assert.Equal(t, BayError, u.State(2))
	assert.Error(t, u.LastFault(2))
	assert.Equal(t, -1, u.CurrentBay())

	// errored bays stay latched until cleared
	assert.Error(t, u.LoadSpool(2))
	require.NoError(t, u.ClearErrors())
	assert.Equal(t, Unloaded, u.State(2))
}

func TestUnloadWithoutLoadRejected(t *testing.T) {
	u, _ := newTestUnit(t, nil)
	assert.Error(t, u.UnloadSpool())
}

func TestDetermineStateAdoptsSingleLoadedBay(t *testing.T) {
	u, sim := newTestUnit(t, nil)
	sim.SetADC("hub2", 0.9)
	require.NoError(t, u.DetermineState())
	assert.Equal(t, LoadedForward, u.State(2))
	assert.Equal(t, 2, u.CurrentBay())

	spool, ok := u.BaySpool(2)
	require.True(t, ok)
	assert.Equal(t, 100.0, spool.Percentage())
}

func TestDetermineStateTooManyLoadedIsHardFault(t *testing.T) {
	u, sim := newTestUnit(t, nil)
	sim.SetADC("hub0", 0.9)
	sim.SetADC("hub1", 0.9)

	err := u.DetermineState()
	require.Error(t, err)
	assert.Equal(t, fault.ErrTooManySpoolsLoaded, fault.CodeOf(err))
	assert.Equal(t, BayError, u.State(0))
	assert.Equal(t, BayError, u.State(1))

	// all motion refused until cleared
	sim.SetADC("feeder3", 0.9)
	err = u.LoadSpool(3)
	require.Error(t, err)
	assert.Equal(t, fault.ErrTooManySpoolsLoaded, fault.CodeOf(err))

	// resolve by hand, then clear
	sim.SetADC("hub1", 0.1)
	require.NoError(t, u.ClearErrors())
	assert.Equal(t, LoadedForward, u.State(0))
	assert.Equal(t, 0, u.CurrentBay())
}

func TestRetractExtrude(t *testing.T) {
	u, sim := newTestUnit(t, nil)
	sim.SetADC("hub1", 0.9)
	require.NoError(t, u.DetermineState())

	require.NoError(t, u.Retract())
	assert.Equal(t, LoadedBackward, u.State(1))
	_, dir := u.Follower().Enabled()
	assert.Equal(t, motor.Backward, dir)

	require.NoError(t, u.Extrude())
	assert.Equal(t, LoadedForward, u.State(1))

	// extruding an already forward bay is a harmless self loop
	require.NoError(t, u.Extrude())
	assert.Equal(t, LoadedForward, u.State(1))
}

func TestSetFollowerNeedsLoadedBay(t *testing.T) {
	u, sim := newTestUnit(t, nil)
	assert.Error(t, u.SetFollower(true, motor.Forward))

	sim.SetADC("hub0", 0.9)
	require.NoError(t, u.DetermineState())
	require.NoError(t, u.SetFollower(true, motor.Forward))
	enabled, _ := u.Follower().Enabled()
	assert.True(t, enabled)

	require.NoError(t, u.SetFollower(false, motor.Forward))
	enabled, _ = u.Follower().Enabled()
	assert.False(t, enabled)
}

func TestSetSpool(t *testing.T) {
	u, _ := newTestUnit(t, nil)
	require.NoError(t, u.SetSpool(1, "ABS", 75))
	spool, ok := u.BaySpool(1)
	require.True(t, ok)
	assert.Equal(t, "ABS", spool.Material)
	assert.Equal(t, 75.0, spool.Percentage())

	assert.Error(t, u.SetSpool(9, "ABS", 50))
}

func TestSnapshot(t *testing.T) {
	u, sim := newTestUnit(t, nil)
	sim.SetADC("hub3", 0.9)
	require.NoError(t, u.DetermineState())

	snap := u.Snapshot()
	assert.Equal(t, "oams1", snap["name"])
	assert.Equal(t, 3, snap["current_bay"])
	bays := snap["bays"].([]map[string]interface{})
	require.Len(t, bays, 4)
	assert.Equal(t, "loaded_fw", bays[3]["state"])
	assert.Equal(t, true, bays[3]["hub"])
}
