// This file may be distributed under the terms of the GNU GPLv3 license.
package motor

import "fmt"

// Direction of filament travel through the shared feed path.
type Direction int

const (
	// Forward feeds filament toward the print head.
	Forward Direction = iota
	// Backward rewinds filament onto the spool.
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Board revisions with distinct first-stage mux wiring.
const (
	BoardRev11 = "1.1"
	BoardRev14 = "1.4"
)

// Revision 1.1 boards route the mux select lines through a level shifter
// that permutes the codes, and the permutation differs by direction.
// Revision 1.4 wires the lines straight through.
var (
	rev11Forward  = [4]uint8{0b00, 0b11, 0b01, 0b10}
	rev11Backward = [4]uint8{0b00, 0b10, 0b01, 0b11}
)

// MotorSelect returns the two mux select line levels that route the
// first-stage drive current to the given bay for the given direction.
// The first return is the high select bit, the second the low bit.
func MotorSelect(boardRevision string, bay int, direction Direction) (float64, float64, error) {
	if bay < 0 || bay > 3 {
		return 0, 0, fmt.Errorf("motor: bay %d out of range", bay)
	}
	var code uint8
	switch boardRevision {
	case BoardRev11:
		if direction == Forward {
			code = rev11Forward[bay]
		} else {
			code = rev11Backward[bay]
		}
	case BoardRev14:
		code = uint8(bay)
	default:
		return 0, 0, fmt.Errorf("motor: unknown board revision %q", boardRevision)
	}
	return float64(code >> 1 & 1), float64(code & 1), nil
}
