package formula

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// MeasurementMode selects how the meter-side flow is derived from the meter
// reading. The two visual modes report the flow directly on the instrument,
// so the reading passes through unchanged; every other mode totalizes a
// volume that must be divided by the corrected collection time.
type MeasurementMode string

const (
	// ModePulsed is the default totalizing mode.
	ModePulsed MeasurementMode = "pulsed"

	// ModeVisualDynamic reads the flow off the meter with the flow running.
	ModeVisualDynamic MeasurementMode = "visual-dynamic"

	// ModeVisualStatic reads the flow off the meter between start/stop.
	ModeVisualStatic MeasurementMode = "visual-static"
)

// Visual reports whether the mode passes the meter reading through as a flow.
func (m MeasurementMode) Visual() bool {
	return m == ModeVisualDynamic || m == ModeVisualStatic
}

// Valid reports whether m is a known mode.
func (m MeasurementMode) Valid() bool {
	switch m {
	case ModePulsed, ModeVisualDynamic, ModeVisualStatic:
		return true
	}
	return false
}

// Constants is the read-only bag of calibration constants shared by every
// reading of a workbook. It is loaded once and never mutated; workers may
// share it freely.
type Constants struct {
	// PulseVolume is the reference standard's pulse volume in liters/pulse.
	PulseVolume *apd.Decimal

	// MeterPulseVolume is the equipment-side pulse volume in liters/pulse.
	MeterPulseVolume *apd.Decimal

	// TimeSlope and TimeOffset are the linear collection-time correction
	// coefficients: corrected = raw - (raw*TimeSlope + TimeOffset).
	TimeSlope  *apd.Decimal
	TimeOffset *apd.Decimal

	// TempSlope and TempOffset are the water-temperature correction
	// coefficients, applied with the same linear form as the time correction.
	TempSlope  *apd.Decimal
	TempOffset *apd.Decimal

	// FlowTempConstant and FlowSlope parameterize the flow/temperature
	// linearity correction factor: (FlowTempConstant + FlowSlope*flow)/100.
	FlowTempConstant *apd.Decimal
	FlowSlope        *apd.Decimal

	// Mode selects the meter-flow derivation.
	Mode MeasurementMode
}

// Validate checks that every constant is present and the mode is known.
func (c Constants) Validate() error {
	fields := []struct {
		name string
		val  *apd.Decimal
	}{
		{"pulse_volume", c.PulseVolume},
		{"meter_pulse_volume", c.MeterPulseVolume},
		{"time_slope", c.TimeSlope},
		{"time_offset", c.TimeOffset},
		{"temp_slope", c.TempSlope},
		{"temp_offset", c.TempOffset},
		{"flow_temp_constant", c.FlowTempConstant},
		{"flow_slope", c.FlowSlope},
	}
	for _, f := range fields {
		if f.val == nil {
			return fmt.Errorf("constant %s is missing", f.name)
		}
	}
	if c.PulseVolume.IsZero() {
		return fmt.Errorf("constant pulse_volume must be non-zero")
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("unknown measurement mode %q", c.Mode)
	}
	return nil
}
