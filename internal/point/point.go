// Package point models one calibration point: a nominal flow with its series
// of readings, and the frozen aggregate triple the harmonization must
// preserve.
package point

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/apd/v3"

	"github.com/dmtavares/flowcal/internal/dec"
	"github.com/dmtavares/flowcal/internal/formula"
	"github.com/dmtavares/flowcal/internal/metrics"
)

// Reading is one raw observation at a calibration point.
type Reading struct {
	// Seq is the 1-based position of the reading within its point. The first
	// reading is the master the search scales the others against.
	Seq int

	Pulses         *apd.Decimal
	CollectionTime *apd.Decimal
	MeterReading   *apd.Decimal
	Temperature    *apd.Decimal
}

// Input converts the reading into the formula chain's input block.
func (r Reading) Input() formula.Input {
	return formula.Input{
		Pulses:         r.Pulses,
		CollectionTime: r.CollectionTime,
		MeterReading:   r.MeterReading,
		Temperature:    r.Temperature,
	}
}

// Point is one calibration point. The reading slice is copied on construction
// and never mutated; candidate evaluation works on separate copies, so a
// point can be shared across workers.
type Point struct {
	// Number identifies the point within its session, 1-based.
	Number int

	// Label is the nominal flow designation from the certificate, e.g. "Q3".
	Label string

	readings []Reading

	invOnce sync.Once
	inv     metrics.Invariants
	invErr  error
}

// New validates and builds a point. At least two readings are required for
// the sample standard deviation to exist at all.
func New(number int, label string, readings []Reading) (*Point, error) {
	if len(readings) < 2 {
		return nil, fmt.Errorf("point %d: %w", number, &metrics.InsufficientDataError{Valid: len(readings)})
	}
	for i, r := range readings {
		if r.Pulses == nil || r.CollectionTime == nil || r.MeterReading == nil || r.Temperature == nil {
			return nil, fmt.Errorf("point %d reading %d: incomplete reading", number, i+1)
		}
	}

	cp := make([]Reading, len(readings))
	copy(cp, readings)
	for i := range cp {
		cp[i].Seq = i + 1
	}
	return &Point{Number: number, Label: label, readings: cp}, nil
}

// Readings returns a copy of the point's readings.
func (p *Point) Readings() []Reading {
	cp := make([]Reading, len(p.readings))
	copy(cp, p.readings)
	return cp
}

// Master returns the first reading, the one harmonization scales against.
func (p *Point) Master() Reading {
	return p.readings[0]
}

// Len returns the number of readings.
func (p *Point) Len() int {
	return len(p.readings)
}

// Derived evaluates the formula chain for every reading. Readings whose
// chain hits a zero denominator are dropped, mirroring the workbook's blank
// rows; any other failure aborts with the reading identified.
func Derived(ctx *dec.Context, readings []Reading, c formula.Constants) ([]formula.Derived, error) {
	out := make([]formula.Derived, 0, len(readings))
	for _, r := range readings {
		d, err := formula.Evaluate(ctx, r.Input(), c)
		if err != nil {
			if formula.IsUndefined(err) {
				continue
			}
			return nil, fmt.Errorf("reading %d: %w", r.Seq, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// OriginalInvariants computes the point's aggregate triple from its original
// readings. The result is computed once and frozen before any adjustment is
// attempted, so a later comparison always targets the untouched values.
func (p *Point) OriginalInvariants(ctx *dec.Context, c formula.Constants, policy metrics.AveragingPolicy) (metrics.Invariants, error) {
	p.invOnce.Do(func() {
		derived, err := Derived(ctx, p.readings, c)
		if err != nil {
			p.invErr = fmt.Errorf("point %d: %w", p.Number, err)
			return
		}
		inv, err := metrics.Compute(ctx, derived, policy)
		if err != nil {
			p.invErr = fmt.Errorf("point %d: %w", p.Number, err)
			return
		}
		p.inv = inv
	})
	return p.inv, p.invErr
}

// AdjustedReading pairs a reading's original values with its harmonized
// replacement.
type AdjustedReading struct {
	Seq int

	OriginalPulses *apd.Decimal
	OriginalTime   *apd.Decimal
	OriginalMeter  *apd.Decimal

	Pulses         *apd.Decimal
	CollectionTime *apd.Decimal
	MeterReading   *apd.Decimal

	// Temperature carries over unchanged from the original.
	Temperature *apd.Decimal
}

// Reading returns the adjusted values as a plain reading for re-evaluation.
func (a AdjustedReading) Reading() Reading {
	return Reading{
		Seq:            a.Seq,
		Pulses:         a.Pulses,
		CollectionTime: a.CollectionTime,
		MeterReading:   a.MeterReading,
		Temperature:    a.Temperature,
	}
}
