package motor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oams-go-migration/pkg/hw"
	"oams-go-migration/pkg/reactor"
)

type recPin struct{ history []float64 }

func (p *recPin) Set(v float64) { p.history = append(p.history, v) }

func (p *recPin) Get() float64 {
	if len(p.history) == 0 {
		return 0
	}
	return p.history[len(p.history)-1]
}

// recBackend records every pin write so tests can assert on ordering.
type recBackend struct {
	pins map[string]*recPin
	rpm  float64
}

func newRecBackend() *recBackend {
	return &recBackend{pins: make(map[string]*recPin)}
}

func (b *recBackend) OutputPin(name string) (hw.OutputPin, error) {
	p, ok := b.pins[name]
	if !ok {
		p = &recPin{}
		b.pins[name] = p
	}
	return p, nil
}

func (b *recBackend) SubscribeADC(name string, cb hw.ADCCallback) error { return nil }
func (b *recBackend) SubscribeEncoder(cb func(delta int))               {}
func (b *recBackend) RPM() float64                                      { return b.rpm }
func (b *recBackend) Close() error                                      { return nil }

func TestMotorSelect(t *testing.T) {
	cases := []struct {
		rev       string
		bay       int
		direction Direction
		high, low float64
	}{
		{BoardRev11, 0, Forward, 0, 0},
		{BoardRev11, 1, Forward, 1, 1},
		{BoardRev11, 2, Forward, 0, 1},
		{BoardRev11, 3, Forward, 1, 0},
		{BoardRev11, 0, Backward, 0, 0},
		{BoardRev11, 1, Backward, 1, 0},
		{BoardRev11, 2, Backward, 0, 1},
		{BoardRev11, 3, Backward, 1, 1},
		{BoardRev14, 0, Forward, 0, 0},
		{BoardRev14, 1, Forward, 0, 1},
		{BoardRev14, 2, Forward, 1, 0},
		{BoardRev14, 3, Forward, 1, 1},
		{BoardRev14, 0, Backward, 0, 0},
		{BoardRev14, 1, Backward, 0, 1},
		{BoardRev14, 2, Backward, 1, 0},
		{BoardRev14, 3, Backward, 1, 1},
	}
	for _, c := range cases {
		high, low, err := MotorSelect(c.rev, c.bay, c.direction)
		require.NoError(t, err)
		assert.Equal(t, c.high, high, "rev %s bay %d %s high", c.rev, c.bay, c.direction)
		assert.Equal(t, c.low, low, "rev %s bay %d %s low", c.rev, c.bay, c.direction)
	}
}

func TestMotorSelectRejectsBadInput(t *testing.T) {
	_, _, err := MotorSelect(BoardRev14, 4, Forward)
	assert.Error(t, err)
	_, _, err = MotorSelect(BoardRev14, -1, Forward)
	assert.Error(t, err)
	_, _, err = MotorSelect("2.0", 0, Forward)
	assert.Error(t, err)
}

func TestF1DriverRunAndStop(t *testing.T) {
	backend := newRecBackend()
	f1, err := NewF1Driver(backend, BoardRev14, F1Pins{
		SelectHigh: "f1_sel_h", SelectLow: "f1_sel_l",
		PWMA: "f1_pwm_a", PWMB: "f1_pwm_b",
	})
	require.NoError(t, err)

	require.NoError(t, f1.Run(2, Forward, 0.5))
	assert.Equal(t, 1.0, backend.pins["f1_sel_h"].Get())
	assert.Equal(t, 0.0, backend.pins["f1_sel_l"].Get())
	assert.Equal(t, 0.5, backend.pins["f1_pwm_a"].Get())
	assert.Equal(t, 0.0, backend.pins["f1_pwm_b"].Get())
	assert.Equal(t, 2, f1.Active())

	require.NoError(t, f1.Run(1, Backward, 1.0))
	assert.Equal(t, 0.0, backend.pins["f1_pwm_a"].Get())
	assert.Equal(t, 1.0, backend.pins["f1_pwm_b"].Get())

	f1.Stop()
	assert.Equal(t, 0.0, backend.pins["f1_pwm_a"].Get())
	assert.Equal(t, 0.0, backend.pins["f1_pwm_b"].Get())
	assert.Equal(t, -1, f1.Active())
}

func TestF1DriverRejectsBadBay(t *testing.T) {
	backend := newRecBackend()
	f1, err := NewF1Driver(backend, BoardRev14, F1Pins{
		SelectHigh: "h", SelectLow: "l", PWMA: "a", PWMB: "b",
	})
	require.NoError(t, err)
	assert.Error(t, f1.Run(5, Forward, 0.5))
}

func newTestQueue(t *testing.T) (*Queue, *recBackend, *float64) {
	t.Helper()
	backend := newRecBackend()
	drive, err := NewDrive(backend, DrivePins{
		PWM: "bldc_pwm", Dir: "bldc_dir", Enable: "bldc_en", Reset: "bldc_reset",
	})
	require.NoError(t, err)
	rpm := 100.0
	q := NewQueue(reactor.New(), drive, func() float64 { return rpm })
	t.Cleanup(q.Close)
	return q, backend, &rpm
}

func TestQueueRunForward(t *testing.T) {
	q, backend, _ := newTestQueue(t)
	require.True(t, q.Enqueue(RunForward(0.6)))
	q.drain(0)
	assert.Equal(t, RunningForward, q.State())
	// pwm input is active low
	assert.InDelta(t, 0.4, backend.pins["bldc_pwm"].Get(), 1e-9)
	assert.Equal(t, 0.0, backend.pins["bldc_dir"].Get())
	assert.Equal(t, 1.0, backend.pins["bldc_en"].Get())
	assert.True(t, q.Empty())
}

func TestQueueDrainsAllPendingPerWake(t *testing.T) {
	q, _, _ := newTestQueue(t)
	q.Enqueue(RunForward(0.5))
	q.Enqueue(StopCmd())
	fired := false
	q.Enqueue(Command{Action: RunForward(0.7).Action, Callback: func() { fired = true }})
	q.drain(0)
	assert.Equal(t, RunningForward, q.State())
	assert.True(t, q.Empty(), "one wake executes the whole backlog")
	assert.True(t, fired)
}

func TestQueueLockDropsCommands(t *testing.T) {
	q, _, _ := newTestQueue(t)
	q.Lock()
	assert.False(t, q.Enqueue(RunForward(0.5)))
	assert.True(t, q.Empty())
	q.Unlock()
	assert.True(t, q.Enqueue(RunForward(0.5)))
}

func TestQueuePurgeDropsPendingCommands(t *testing.T) {
	q, backend, _ := newTestQueue(t)
	fired := false
	q.Enqueue(Command{Action: RunForward(0.5).Action, Callback: func() { fired = true }})
	q.Enqueue(StopCmd())
	q.Purge()
	assert.True(t, q.Empty())
	q.drain(0)
	assert.Equal(t, Stopped, q.State())
	assert.False(t, fired)
	assert.Equal(t, 0.0, backend.pins["bldc_en"].Get())
}

func TestQueueReversalPassesThroughStop(t *testing.T) {
	q, backend, _ := newTestQueue(t)
	q.Enqueue(RunForward(0.5))
	q.drain(0)
	q.Enqueue(RunBackward(0.5))
	q.drain(DrainPeriod)
	assert.Equal(t, RunningBackward, q.State())
	assert.Equal(t, 1.0, backend.pins["bldc_dir"].Get())

	// the bridge saw a stop (pwm back to idle 1.0) between directions
	hist := backend.pins["bldc_pwm"].history
	require.GreaterOrEqual(t, len(hist), 3)
	assert.Equal(t, 1.0, hist[len(hist)-2])
}

func TestQueueCoast(t *testing.T) {
	q, backend, _ := newTestQueue(t)
	q.Enqueue(RunForward(0.5))
	q.drain(0)
	q.Enqueue(CoastCmd())
	q.drain(DrainPeriod)
	assert.Equal(t, Coasting, q.State())
	assert.Equal(t, 0.0, backend.pins["bldc_en"].Get())
}

func TestQueueStallResetsController(t *testing.T) {
	q, backend, rpm := newTestQueue(t)
	q.Enqueue(RunForward(0.5))
	q.drain(0)
	*rpm = 0

	for i := 1; i <= minResetCount; i++ {
		q.drain(float64(i) * DrainPeriod)
	}
	assert.Equal(t, 1, q.Resets())

	// reset line was pulled low then released
	hist := backend.pins["bldc_reset"].history
	require.GreaterOrEqual(t, len(hist), 3)
	assert.Equal(t, 0.0, hist[len(hist)-2])
	assert.Equal(t, 1.0, hist[len(hist)-1])

	// the motion command was replayed after the reset
	assert.Equal(t, RunningForward, q.State())
	assert.InDelta(t, 0.5, backend.pins["bldc_pwm"].Get(), 1e-9)
}

func TestQueueStallCounterClearsOnSpin(t *testing.T) {
	q, _, rpm := newTestQueue(t)
	q.Enqueue(RunForward(0.5))
	q.drain(0)
	*rpm = 0
	for i := 1; i < minResetCount; i++ {
		q.drain(float64(i) * DrainPeriod)
	}
	*rpm = 50
	q.drain(0.5)
	*rpm = 0
	for i := 1; i < minResetCount; i++ {
		q.drain(0.5 + float64(i)*DrainPeriod)
	}
	assert.Equal(t, 0, q.Resets())
}

func TestQueueStallEscalatesToOverload(t *testing.T) {
	q, _, rpm := newTestQueue(t)
	overloaded := false
	q.SetOverloadCallback(func() { overloaded = true })
	q.Enqueue(RunForward(0.5))
	q.drain(0)
	*rpm = 0
	for i := 1; i <= maxResetRuns*minResetCount; i++ {
		q.drain(float64(i) * DrainPeriod)
	}
	assert.Equal(t, Overloaded, q.State())
	assert.True(t, overloaded)
	assert.Equal(t, maxResetRuns, q.Resets())
}

func TestQueueOverloadLatch(t *testing.T) {
	q, backend, _ := newTestQueue(t)
	q.Enqueue(RunForward(0.5))
	q.drain(0)
	q.Overload()
	assert.Equal(t, Overloaded, q.State())
	assert.Equal(t, 1.0, backend.pins["bldc_pwm"].Get())

	q.Enqueue(RunForward(0.5))
	q.drain(DrainPeriod)
	assert.Equal(t, Overloaded, q.State())

	// a stop is honored even while latched, but runs stay refused
	q.Enqueue(StopCmd())
	q.drain(2 * DrainPeriod)
	assert.Equal(t, Stopped, q.State())
	q.Enqueue(RunForward(0.5))
	q.drain(3 * DrainPeriod)
	assert.Equal(t, Stopped, q.State())

	q.ClearOverload()
	q.Enqueue(RunForward(0.5))
	q.drain(4 * DrainPeriod)
	assert.Equal(t, RunningForward, q.State())
}
