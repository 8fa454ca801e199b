package telemetry

import (
	"fmt"

	"coldchain/internal/model"
)

// Band is the acceptable temperature range for a zone. Deviation is measured
// from the nearest edge of [Min, Max].
type Band struct {
	Min           float64 `yaml:"min" json:"min"`
	Max           float64 `yaml:"max" json:"max"`
	Tolerance     float64 `yaml:"tolerance" json:"tolerance"`
	CriticalDelta float64 `yaml:"critical_delta" json:"criticalDelta"`
	// Hysteresis is how far back inside the band a reading must be before an
	// active alert clears.
	Hysteresis float64 `yaml:"hysteresis" json:"hysteresis"`
}

func DefaultBands() map[model.Zone]Band {
	return map[model.Zone]Band{
		model.ZoneFrozen:  {Min: -25, Max: -18, Tolerance: 1, CriticalDelta: 5, Hysteresis: 0.5},
		model.ZoneChilled: {Min: 0, Max: 4, Tolerance: 1, CriticalDelta: 5, Hysteresis: 0.5},
		model.ZoneAmbient: {Min: 10, Max: 25, Tolerance: 2, CriticalDelta: 8, Hysteresis: 1},
	}
}

func (b Band) Validate() error {
	if b.Min >= b.Max {
		return fmt.Errorf("min %.1f must be below max %.1f", b.Min, b.Max)
	}
	if b.Tolerance < 0 || b.CriticalDelta < b.Tolerance {
		return fmt.Errorf("need 0 <= tolerance (%.1f) <= critical_delta (%.1f)", b.Tolerance, b.CriticalDelta)
	}
	if b.Hysteresis < 0 || 2*b.Hysteresis >= b.Max-b.Min {
		return fmt.Errorf("hysteresis %.1f does not fit the band", b.Hysteresis)
	}
	return nil
}

// Deviation is 0 inside the band, otherwise the distance to the nearest edge.
func (b Band) Deviation(c float64) float64 {
	switch {
	case c > b.Max:
		return c - b.Max
	case c < b.Min:
		return b.Min - c
	}
	return 0
}

// Classify grades a reading by how far outside the band it is. ok is false
// for readings inside the band.
func (b Band) Classify(c float64) (level model.AlertLevel, ok bool) {
	d := b.Deviation(c)
	switch {
	case d == 0:
		return "", false
	case d <= b.Tolerance:
		return model.AlertInfo, true
	case d <= b.CriticalDelta:
		return model.AlertWarning, true
	}
	return model.AlertCritical, true
}

// Cleared reports whether c is back inside the band by the hysteresis margin.
func (b Band) Cleared(c float64) bool {
	return c >= b.Min+b.Hysteresis && c <= b.Max-b.Hysteresis
}
