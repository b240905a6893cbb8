package control

// Unload rewind speed envelope. A fuller spool has more inertia and is
// rewound faster to keep the filament taut.
const (
	UnloadSpeedFloor = 0.40
	UnloadSpeedSpan  = 0.17
)

// SpeedStrategy yields the rewind duty to use while a spool unloads.
type SpeedStrategy interface {
	Speed(eventtime float64) float64
}

// PercentageSpeed derives the rewind duty from the estimated remaining
// spool percentage: floor + span * pct/100.
type PercentageSpeed struct {
	Floor      float64
	Span       float64
	Percentage func() float64
}

// NewPercentageSpeed creates the strategy with the default envelope.
func NewPercentageSpeed(percentage func() float64) *PercentageSpeed {
	return &PercentageSpeed{Floor: UnloadSpeedFloor, Span: UnloadSpeedSpan, Percentage: percentage}
}

func (s *PercentageSpeed) Speed(eventtime float64) float64 {
	pct := clamp(s.Percentage(), 0, 100)
	return s.Floor + s.Span*pct/100
}

// CurrentFeedbackSpeed trims the rewind duty with a PID loop holding the
// rewind motor current at its setpoint. Rising current means the spool is
// fighting the rewind and the duty backs off.
type CurrentFeedbackSpeed struct {
	PID     *PID
	Base    float64
	Span    float64
	Current func() float64
}

// NewCurrentFeedbackSpeed creates the strategy around an existing PID.
func NewCurrentFeedbackSpeed(pid *PID, current func() float64) *CurrentFeedbackSpeed {
	return &CurrentFeedbackSpeed{
		PID:     pid,
		Base:    UnloadSpeedFloor + UnloadSpeedSpan/2,
		Span:    UnloadSpeedSpan,
		Current: current,
	}
}

func (s *CurrentFeedbackSpeed) Speed(eventtime float64) float64 {
	out := s.PID.Update(eventtime, s.Current())
	return clamp(s.Base+out*s.Span, 0, 1)
}
