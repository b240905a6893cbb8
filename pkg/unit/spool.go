// This file may be distributed under the terms of the GNU GPLv3 license.
package unit

// ClicksPerMM converts encoder clicks to filament travel.
const ClicksPerMM = 2.0

// Full-spool filament lengths in meters by material.
var materialMeters = map[string]float64{
	"ABS": 380,
	"PLA": 330,
}

// MaterialMeters returns the full-spool length for a material, falling
// back to the PLA length for unknown materials.
func MaterialMeters(material string) float64 {
	if m, ok := materialMeters[material]; ok {
		return m
	}
	return materialMeters["PLA"]
}

// Spool models the filament remaining on a loaded spool. Clicks is the
// travel consumed since StartPercentage was set.
type Spool struct {
	Material        string
	StartPercentage float64
	Clicks          int
}

// Percentage estimates the remaining filament percentage.
func (s Spool) Percentage() float64 {
	full := MaterialMeters(s.Material) * 1000 * ClicksPerMM
	pct := s.StartPercentage - float64(s.Clicks)/full*100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// UnloadDelay is how long the first stage rewinds alone before the
// shared drive joins. A fuller spool needs longer to overcome inertia.
func (s Spool) UnloadDelay() float64 {
	return 0.1 + 0.9*s.Percentage()/100
}
