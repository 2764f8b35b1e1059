// Package verify independently recomputes a harmonized point's aggregates
// from its adjusted readings and compares them against the frozen originals.
// The comparison never trusts the search's own achieved triple.
package verify

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"

	"github.com/dmtavares/flowcal/internal/dec"
	"github.com/dmtavares/flowcal/internal/formula"
	"github.com/dmtavares/flowcal/internal/metrics"
	"github.com/dmtavares/flowcal/internal/point"
	"github.com/dmtavares/flowcal/internal/search"
)

// Semantics selects the drift measure the tolerance is compared against.
type Semantics string

const (
	// SemanticsAbsolute compares the tolerance against |achieved - original|,
	// the certificate convention.
	SemanticsAbsolute Semantics = "absolute"

	// SemanticsRelative compares against the drift divided by the original,
	// falling back to the absolute diff when the original is zero.
	SemanticsRelative Semantics = "relative"
)

// Valid reports whether s is a known semantics value.
func (s Semantics) Valid() bool {
	return s == SemanticsAbsolute || s == SemanticsRelative
}

// Delta compares one aggregate before and after harmonization.
type Delta struct {
	// Name identifies the aggregate in reports.
	Name string

	Original *apd.Decimal
	Achieved *apd.Decimal

	// Diff is achieved minus original, signed.
	Diff *apd.Decimal

	// Relative is Diff divided by the original, nil when the original is
	// zero. Reported regardless of the semantics in effect.
	Relative *apd.Decimal

	// Within reports whether the drift stays inside the tolerance under the
	// chosen semantics.
	Within bool
}

// Report is the verification outcome for one point.
type Report struct {
	PointNumber int
	Label       string

	MeanReferenceFlow Delta
	Trend             Delta

	// SampleStdDev is nil when the deviation is undefined on both sides.
	SampleStdDev *Delta

	// StdDevMismatch flags a deviation defined on one side only.
	StdDevMismatch bool

	// Within reports whether every aggregate stayed inside the tolerance.
	Within bool
}

// Check recomputes the adjusted readings of a harmonization result from
// scratch and compares the recomputed triple against the frozen originals.
// Running it twice over the same result yields the same report.
func Check(dctx *dec.Context, res *search.Result, c formula.Constants, tol *apd.Decimal, sem Semantics, policy metrics.AveragingPolicy) (*Report, error) {
	if tol == nil || tol.Sign() <= 0 {
		return nil, fmt.Errorf("tolerance must be positive")
	}

	readings := make([]point.Reading, len(res.Adjusted))
	for i, a := range res.Adjusted {
		readings[i] = a.Reading()
	}
	derived, err := point.Derived(dctx, readings, c)
	if err != nil {
		return nil, fmt.Errorf("point %d: %w", res.PointNumber, err)
	}
	recomputed, err := metrics.Compute(dctx, derived, policy)
	if err != nil {
		return nil, fmt.Errorf("point %d: %w", res.PointNumber, err)
	}

	return Compare(dctx, res.PointNumber, res.Label, res.Original, recomputed, tol, sem)
}

// Compare builds the per-aggregate deltas between two invariant triples.
func Compare(dctx *dec.Context, number int, label string, original, achieved metrics.Invariants, tol *apd.Decimal, sem Semantics) (*Report, error) {
	if !sem.Valid() {
		return nil, fmt.Errorf("unknown tolerance semantics %q", sem)
	}
	r := &Report{PointNumber: number, Label: label}

	var err error
	r.MeanReferenceFlow, err = delta(dctx, "mean_reference_flow", original.MeanReferenceFlow, achieved.MeanReferenceFlow, tol, sem)
	if err != nil {
		return nil, err
	}
	r.Trend, err = delta(dctx, "trend", original.Trend, achieved.Trend, tol, sem)
	if err != nil {
		return nil, err
	}

	r.Within = r.MeanReferenceFlow.Within && r.Trend.Within

	switch {
	case original.SampleStdDev == nil && achieved.SampleStdDev == nil:
		// Undefined on both sides compares equal.
	case original.SampleStdDev == nil || achieved.SampleStdDev == nil:
		r.StdDevMismatch = true
		r.Within = false
	default:
		d, err := delta(dctx, "sample_std_dev", original.SampleStdDev, achieved.SampleStdDev, tol, sem)
		if err != nil {
			return nil, err
		}
		r.SampleStdDev = &d
		r.Within = r.Within && d.Within
	}

	return r, nil
}

// delta computes the signed drift of one aggregate. Under absolute semantics
// the tolerance applies to the diff itself; under relative semantics it
// applies to the drift divided by the original, or the diff when the original
// is zero.
func delta(dctx *dec.Context, name string, original, achieved, tol *apd.Decimal, sem Semantics) (Delta, error) {
	diff, err := dctx.Sub(achieved, original)
	if err != nil {
		return Delta{}, err
	}

	d := Delta{
		Name:     name,
		Original: original,
		Achieved: achieved,
		Diff:     diff,
	}

	measure := diff
	if !original.IsZero() {
		rel, err := dctx.Div(diff, original)
		if err != nil {
			return Delta{}, err
		}
		d.Relative = rel
		if sem == SemanticsRelative {
			measure = rel
		}
	}

	abs, err := dctx.Abs(measure)
	if err != nil {
		return Delta{}, err
	}
	d.Within = abs.Cmp(tol) <= 0
	return d, nil
}
