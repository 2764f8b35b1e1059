// Package metrics computes the three certificate aggregates - mean reference
// flow, trend, and sample standard deviation - from per-reading formula
// outputs. These are the values a harmonized candidate must preserve.
package metrics

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/apd/v3"

	"github.com/dmtavares/flowcal/internal/dec"
	"github.com/dmtavares/flowcal/internal/formula"
)

// AveragingPolicy selects how the trend treats exact-zero percent errors.
// Both conventions exist in the reference workbooks.
type AveragingPolicy string

const (
	// PolicyUnconditional averages every percent error, matching the literal
	// AVERAGE formula of the certificate sheet. This is the default.
	PolicyUnconditional AveragingPolicy = "unconditional"

	// PolicyFilterZero drops exact-zero errors before averaging, matching the
	// blank-propagation variant of older workbooks.
	PolicyFilterZero AveragingPolicy = "filter-zero"
)

// Valid reports whether p is a known policy.
func (p AveragingPolicy) Valid() bool {
	return p == PolicyUnconditional || p == PolicyFilterZero
}

// InsufficientDataError reports a calibration point with too few valid
// readings for a sample standard deviation to exist.
type InsufficientDataError struct {
	// Valid is the number of usable readings found.
	Valid int
}

// Error implements the error interface.
func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %d valid readings, need at least 2", e.Valid)
}

// IsInsufficientData reports whether err is (or wraps) an
// InsufficientDataError.
func IsInsufficientData(err error) bool {
	var ie *InsufficientDataError
	return errors.As(err, &ie)
}

// Invariants is the aggregate triple the certificate reports. SampleStdDev
// may be nil when the zero-filtered error set leaves fewer than two values -
// the workbook shows a blank there, not a zero.
type Invariants struct {
	MeanReferenceFlow *apd.Decimal
	Trend             *apd.Decimal
	SampleStdDev      *apd.Decimal
}

// MeanReferenceFlow averages the reference flows of the given derived blocks.
func MeanReferenceFlow(ctx *dec.Context, derived []formula.Derived) (*apd.Decimal, error) {
	flows := make([]*apd.Decimal, 0, len(derived))
	for _, d := range derived {
		flows = append(flows, d.ReferenceFlow)
	}
	m, err := ctx.Mean(flows)
	if err != nil {
		return nil, fmt.Errorf("mean reference flow: %w", err)
	}
	return ctx.Quantize(m)
}

// MeanMeterFlow averages the meter flows. Used by the search cost function.
func MeanMeterFlow(ctx *dec.Context, derived []formula.Derived) (*apd.Decimal, error) {
	flows := make([]*apd.Decimal, 0, len(derived))
	for _, d := range derived {
		flows = append(flows, d.MeterFlow)
	}
	m, err := ctx.Mean(flows)
	if err != nil {
		return nil, fmt.Errorf("mean meter flow: %w", err)
	}
	return ctx.Quantize(m)
}

// Trend averages the percent errors under the given policy. Under
// PolicyFilterZero an all-zero error set yields zero, matching the reference
// behavior.
func Trend(ctx *dec.Context, derived []formula.Derived, policy AveragingPolicy) (*apd.Decimal, error) {
	if !policy.Valid() {
		return nil, fmt.Errorf("unknown averaging policy %q", policy)
	}

	errs := make([]*apd.Decimal, 0, len(derived))
	for _, d := range derived {
		if policy == PolicyFilterZero && d.PercentError.IsZero() {
			continue
		}
		errs = append(errs, d.PercentError)
	}
	if len(errs) == 0 {
		return dec.Zero(), nil
	}

	m, err := ctx.Mean(errs)
	if err != nil {
		return nil, fmt.Errorf("trend: %w", err)
	}
	return ctx.Quantize(m)
}

// SampleStdDev computes the n-1 sample standard deviation of the percent
// errors, excluding exact zeros the way the reference STDEV.S range does.
// Returns nil (undefined) when fewer than two usable values remain.
func SampleStdDev(ctx *dec.Context, derived []formula.Derived) (*apd.Decimal, error) {
	vals := make([]*apd.Decimal, 0, len(derived))
	for _, d := range derived {
		if d.PercentError.IsZero() {
			continue
		}
		vals = append(vals, d.PercentError)
	}
	if len(vals) < 2 {
		return nil, nil
	}

	mean, err := ctx.Mean(vals)
	if err != nil {
		return nil, fmt.Errorf("stddev mean: %w", err)
	}
	mean, err = ctx.Quantize(mean)
	if err != nil {
		return nil, err
	}

	sumSq := dec.Zero()
	for _, v := range vals {
		diff, err := ctx.Sub(v, mean)
		if err != nil {
			return nil, err
		}
		sq, err := ctx.Mul(diff, diff)
		if err != nil {
			return nil, err
		}
		sumSq, err = ctx.Add(sumSq, sq)
		if err != nil {
			return nil, err
		}
	}
	sumSq, err = ctx.Quantize(sumSq)
	if err != nil {
		return nil, err
	}

	variance, err := ctx.Div(sumSq, apd.New(int64(len(vals)-1), 0))
	if err != nil {
		return nil, err
	}
	variance, err = ctx.Quantize(variance)
	if err != nil {
		return nil, err
	}

	sd, err := ctx.Sqrt(variance)
	if err != nil {
		return nil, fmt.Errorf("stddev sqrt: %w", err)
	}
	return ctx.Quantize(sd)
}

// Compute derives the full invariant triple from the valid derived blocks of
// one calibration point. Fewer than two valid readings is fatal - a sample
// standard deviation is undefined below that.
func Compute(ctx *dec.Context, derived []formula.Derived, policy AveragingPolicy) (Invariants, error) {
	if len(derived) < 2 {
		return Invariants{}, &InsufficientDataError{Valid: len(derived)}
	}

	mean, err := MeanReferenceFlow(ctx, derived)
	if err != nil {
		return Invariants{}, err
	}
	trend, err := Trend(ctx, derived, policy)
	if err != nil {
		return Invariants{}, err
	}
	sd, err := SampleStdDev(ctx, derived)
	if err != nil {
		return Invariants{}, err
	}

	return Invariants{
		MeanReferenceFlow: mean,
		Trend:             trend,
		SampleStdDev:      sd,
	}, nil
}
