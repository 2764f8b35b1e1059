// Package formula reproduces the reference workbook's derived-quantity
// formulas as pure functions over exact decimals.
//
// Every function takes the decimal context explicitly and quantizes its
// result at the context scale with round-half-up, the single uniform rounding
// policy of the engine. Zero denominators surface as UndefinedValueError -
// the spreadsheet's blank-propagation rule - never as zero results.
package formula

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/apd/v3"

	"github.com/dmtavares/flowcal/internal/dec"
)

var (
	secondsPerHour = apd.New(3600, 0)
	hundred        = apd.New(100, 0)
)

// UndefinedValueError marks a derived quantity that the workbook would leave
// blank: a formula whose denominator is zero. The quantity is undefined for
// that reading and must be excluded from aggregates.
type UndefinedValueError struct {
	// Quantity names the derived value that could not be computed.
	Quantity string

	// Err is the underlying division error.
	Err error
}

// Error implements the error interface.
func (e *UndefinedValueError) Error() string {
	return fmt.Sprintf("%s is undefined: %v", e.Quantity, e.Err)
}

// Unwrap returns the underlying division error.
func (e *UndefinedValueError) Unwrap() error {
	return e.Err
}

// IsUndefined reports whether err marks an undefined derived quantity.
func IsUndefined(err error) bool {
	var ue *UndefinedValueError
	return errors.As(err, &ue)
}

// undefined wraps a division failure with the quantity name. Non-division
// errors pass through untouched.
func undefined(quantity string, err error) error {
	if dec.IsDivisionByZero(err) {
		return &UndefinedValueError{Quantity: quantity, Err: err}
	}
	return err
}

// CorrectedTime applies the linear collection-time correction:
// raw - (raw*slope + offset).
func CorrectedTime(ctx *dec.Context, rawTime *apd.Decimal, c Constants) (*apd.Decimal, error) {
	scaled, err := ctx.Mul(rawTime, c.TimeSlope)
	if err != nil {
		return nil, err
	}
	corr, err := ctx.Add(scaled, c.TimeOffset)
	if err != nil {
		return nil, err
	}
	out, err := ctx.Sub(rawTime, corr)
	if err != nil {
		return nil, err
	}
	return ctx.Quantize(out)
}

// CorrectedTemperature applies the linear water-temperature correction:
// raw - (raw*slope + offset).
func CorrectedTemperature(ctx *dec.Context, rawTemp *apd.Decimal, c Constants) (*apd.Decimal, error) {
	scaled, err := ctx.Mul(rawTemp, c.TempSlope)
	if err != nil {
		return nil, err
	}
	corr, err := ctx.Add(scaled, c.TempOffset)
	if err != nil {
		return nil, err
	}
	out, err := ctx.Sub(rawTemp, corr)
	if err != nil {
		return nil, err
	}
	return ctx.Quantize(out)
}

// StandardVolume converts a pulse count into liters using the standard's
// pulse volume.
func StandardVolume(ctx *dec.Context, pulses, pulseVolume *apd.Decimal) (*apd.Decimal, error) {
	v, err := ctx.Mul(pulses, pulseVolume)
	if err != nil {
		return nil, err
	}
	return ctx.Quantize(v)
}

// RawReferenceFlow is the uncorrected reference flow in L/h:
// volume / correctedTime * 3600.
func RawReferenceFlow(ctx *dec.Context, volume, correctedTime *apd.Decimal) (*apd.Decimal, error) {
	q, err := ctx.Div(volume, correctedTime)
	if err != nil {
		return nil, undefined("raw reference flow", err)
	}
	f, err := ctx.Mul(q, secondsPerHour)
	if err != nil {
		return nil, err
	}
	return ctx.Quantize(f)
}

// CorrectionFactor is the flow/temperature linearity correction:
// (tempConstant + slope*flow) / 100.
func CorrectionFactor(ctx *dec.Context, flow *apd.Decimal, c Constants) (*apd.Decimal, error) {
	scaled, err := ctx.Mul(c.FlowSlope, flow)
	if err != nil {
		return nil, err
	}
	sum, err := ctx.Add(c.FlowTempConstant, scaled)
	if err != nil {
		return nil, err
	}
	f, err := ctx.Div(sum, hundred)
	if err != nil {
		return nil, err
	}
	return ctx.Quantize(f)
}

// CorrectedStandardVolume applies the correction factor to the raw standard
// volume: volume - factor*volume.
func CorrectedStandardVolume(ctx *dec.Context, volume, factor *apd.Decimal) (*apd.Decimal, error) {
	corr, err := ctx.Mul(factor, volume)
	if err != nil {
		return nil, err
	}
	corr, err = ctx.Quantize(corr)
	if err != nil {
		return nil, err
	}
	out, err := ctx.Sub(volume, corr)
	if err != nil {
		return nil, err
	}
	return ctx.Quantize(out)
}

// ReferenceFlow is the certified reference flow in L/h:
// correctedVolume / correctedTime * 3600.
func ReferenceFlow(ctx *dec.Context, correctedVolume, correctedTime *apd.Decimal) (*apd.Decimal, error) {
	q, err := ctx.Div(correctedVolume, correctedTime)
	if err != nil {
		return nil, undefined("reference flow", err)
	}
	f, err := ctx.Mul(q, secondsPerHour)
	if err != nil {
		return nil, err
	}
	return ctx.Quantize(f)
}

// MeterFlow derives the meter-side flow. Visual modes report the flow
// directly, so the reading passes through unchanged; totalizing modes divide
// the reading by the corrected collection time.
func MeterFlow(ctx *dec.Context, meterReading, correctedTime *apd.Decimal, mode MeasurementMode) (*apd.Decimal, error) {
	if mode.Visual() {
		return new(apd.Decimal).Set(meterReading), nil
	}
	q, err := ctx.Div(meterReading, correctedTime)
	if err != nil {
		return nil, undefined("meter flow", err)
	}
	f, err := ctx.Mul(q, secondsPerHour)
	if err != nil {
		return nil, err
	}
	return ctx.Quantize(f)
}

// PercentError is (meterReading - reference) / reference * 100.
//
// The numerator convention follows the workbook's error column: the meter
// reading minus the corrected standard volume, so a meter that over-reads
// produces a positive error.
func PercentError(ctx *dec.Context, meterReading, reference *apd.Decimal) (*apd.Decimal, error) {
	diff, err := ctx.Sub(meterReading, reference)
	if err != nil {
		return nil, err
	}
	q, err := ctx.Div(diff, reference)
	if err != nil {
		return nil, undefined("percent error", err)
	}
	p, err := ctx.Mul(q, hundred)
	if err != nil {
		return nil, err
	}
	return ctx.Quantize(p)
}
