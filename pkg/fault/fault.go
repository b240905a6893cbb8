// Unified fault handling for the OAMS host
//
// Hardware and sensor faults carry a stable code plus the observed values
// that triggered them, so an operator can tell a stalled feed motor from a
// stuck hub sensor without reading logs. Operator-input mistakes are plain
// errors rejected synchronously by the command layer and never become a
// Fault.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package fault

import (
	"fmt"
	"sort"
	"strings"
)

// Code identifies the fault category.
type Code string

const (
	// Feed motor commanded to run but the tachometer reads zero.
	ErrMotorNotSpinning Code = "MOTOR_NOT_SPINNING"

	// First-stage DC motor current above the overload ceiling.
	ErrFirstStageOvercurrent Code = "F1S_OVERCURRENT"

	// A load/unload sequence exceeded its time ceiling.
	ErrOperationTimeout Code = "OPERATION_TIMEOUT"

	// Travel encoder not advancing while filament should be moving.
	ErrEncoderStalled Code = "ENCODER_STALLED"

	// Hub sensor still asserted after the spool should have cleared it.
	ErrHubStuckOn Code = "HUB_STUCK_ON"

	// Hub sensor never asserted while feeding toward the hub.
	ErrHubStuckOff Code = "HUB_STUCK_OFF"

	// Encoder clicks past the slow-feed length plus margin.
	ErrExcessTravel Code = "EXCESS_TRAVEL"

	// Buffer pressure did not reach the upper threshold during load.
	ErrBufferNotLoading Code = "BUFFER_NOT_LOADING"

	// Buffer pressure did not release during unload.
	ErrBufferNotReleasing Code = "BUFFER_NOT_RELEASING"

	// More than one bay reads loaded at startup.
	ErrTooManySpoolsLoaded Code = "TOO_MANY_SPOOLS_LOADED"

	// No ready bay remained in the filament group at hand-off.
	ErrGroupExhausted Code = "GROUP_EXHAUSTED"

	// Operation aborted because a monitor tripped the hard stop.
	ErrHardStop Code = "HARD_STOP"
)

// Fault is a hardware/sensor fault with observed trigger values.
type Fault struct {
	Code     Code
	Message  string
	Observed map[string]float64
	Err      error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if len(f.Observed) == 0 {
		return fmt.Sprintf("[%s] %s", f.Code, f.Message)
	}
	keys := make([]string, 0, len(f.Observed))
	for k := range f.Observed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%s=%.3f", k, f.Observed[k])
	}
	return fmt.Sprintf("[%s] %s (%s)", f.Code, f.Message, sb.String())
}

// Unwrap returns the wrapped error, if any.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Observe attaches an observed value that triggered the fault.
func (f *Fault) Observe(key string, value float64) *Fault {
	if f.Observed == nil {
		f.Observed = make(map[string]float64)
	}
	f.Observed[key] = value
	return f
}

// New creates a fault with the given code.
func New(code Code, format string, args ...interface{}) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error with a fault code.
func Wrap(err error, code Code, message string) *Fault {
	return &Fault{Code: code, Message: message, Err: err}
}

// Is reports whether err is a *Fault with the given code.
func Is(err error, code Code) bool {
	f, ok := err.(*Fault)
	return ok && f.Code == code
}

// CodeOf returns the code of err, or "" if err is not a *Fault.
func CodeOf(err error) Code {
	if f, ok := err.(*Fault); ok {
		return f.Code
	}
	return ""
}
