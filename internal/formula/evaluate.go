package formula

import (
	"github.com/cockroachdb/apd/v3"

	"github.com/dmtavares/flowcal/internal/dec"
)

// Input is one reading's raw quadruple as handed over by the loading
// collaborator. All values are exact decimals.
type Input struct {
	Pulses         *apd.Decimal
	CollectionTime *apd.Decimal
	MeterReading   *apd.Decimal
	Temperature    *apd.Decimal
}

// Derived is the per-reading output block of the engine, recomputed on every
// candidate evaluation and never cached as mutable state.
type Derived struct {
	CorrectedTime           *apd.Decimal
	CorrectedTemperature    *apd.Decimal
	StandardVolume          *apd.Decimal
	CorrectedStandardVolume *apd.Decimal
	ReferenceFlow           *apd.Decimal
	MeterFlow               *apd.Decimal
	PercentError            *apd.Decimal
}

// Evaluate runs the full formula chain for one reading.
//
// The chain follows the workbook's dependency order: corrected time and
// temperature first, then the standard volume, the uncorrected flow feeding
// the correction factor, the corrected standard volume, and finally the
// reference flow, meter flow, and percent error.
//
// A zero corrected time (or zero corrected volume) yields an
// UndefinedValueError; the caller excludes the reading from aggregation.
func Evaluate(ctx *dec.Context, in Input, c Constants) (Derived, error) {
	var d Derived
	var err error

	d.CorrectedTime, err = CorrectedTime(ctx, in.CollectionTime, c)
	if err != nil {
		return Derived{}, err
	}
	d.CorrectedTemperature, err = CorrectedTemperature(ctx, in.Temperature, c)
	if err != nil {
		return Derived{}, err
	}
	d.StandardVolume, err = StandardVolume(ctx, in.Pulses, c.PulseVolume)
	if err != nil {
		return Derived{}, err
	}

	rawFlow, err := RawReferenceFlow(ctx, d.StandardVolume, d.CorrectedTime)
	if err != nil {
		return Derived{}, err
	}
	factor, err := CorrectionFactor(ctx, rawFlow, c)
	if err != nil {
		return Derived{}, err
	}
	d.CorrectedStandardVolume, err = CorrectedStandardVolume(ctx, d.StandardVolume, factor)
	if err != nil {
		return Derived{}, err
	}

	d.ReferenceFlow, err = ReferenceFlow(ctx, d.CorrectedStandardVolume, d.CorrectedTime)
	if err != nil {
		return Derived{}, err
	}
	d.MeterFlow, err = MeterFlow(ctx, in.MeterReading, d.CorrectedTime, c.Mode)
	if err != nil {
		return Derived{}, err
	}
	d.PercentError, err = PercentError(ctx, in.MeterReading, d.CorrectedStandardVolume)
	if err != nil {
		return Derived{}, err
	}

	return d, nil
}
