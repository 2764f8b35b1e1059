// Package search harmonizes the collection times of a calibration point: it
// looks for a new master pulse count and a single canonical collection time
// shared by every reading, scales the other readings' pulses and meter
// readings by their original proportions against the master, and keeps the
// certificate aggregates of the point within tolerance of their frozen
// originals.
//
// The search is a staged grid over the two free variables. The first stage
// sweeps a coarse window around the master reading; each later stage narrows
// the window around the best candidate found so far. Every arithmetic step
// goes through the same exact decimal context as the formula chain, so a
// candidate's cost is reproducible bit for bit.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/apd/v3"

	"github.com/dmtavares/flowcal/internal/dec"
	"github.com/dmtavares/flowcal/internal/formula"
	"github.com/dmtavares/flowcal/internal/metrics"
	"github.com/dmtavares/flowcal/internal/point"
)

// Result is the outcome of harmonizing one calibration point.
type Result struct {
	PointNumber int
	Label       string

	// Original is the frozen aggregate triple of the untouched readings.
	Original metrics.Invariants

	// Achieved is the triple recomputed from the adjusted readings.
	Achieved metrics.Invariants

	// Adjusted pairs every reading's original values with its harmonized
	// replacement. All adjusted readings share one collection time. When the
	// search fails to improve on the originals the adjusted values equal the
	// originals.
	Adjusted []point.AdjustedReading

	// Cost is the best candidate's cost, nil when no candidate was viable.
	Cost *apd.Decimal

	// Converged reports whether the best candidate passed the acceptance
	// check: cost under the tolerance and every aggregate's drift under the
	// square root of the tolerance.
	Converged bool

	// Evaluations counts candidate evaluations across all stages.
	Evaluations int
}

// proportion is a reading's scale relative to the master pulse count. The
// master's own entry has pulses 1.
type proportion struct {
	pulses *apd.Decimal
	meter  *apd.Decimal
}

type candidate struct {
	cost     *apd.Decimal
	pulses   int64
	time     *apd.Decimal
	readings []point.Reading
	derived  []formula.Derived
}

// Harmonize searches for a harmonized master pulse count and canonical
// collection time for one point. It never mutates the point; the adjusted
// values live only in the returned Result.
func Harmonize(goCtx context.Context, dctx *dec.Context, p *point.Point, c formula.Constants, opts ...Option) (*Result, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	orig, err := p.OriginalInvariants(dctx, c, o.policy)
	if err != nil {
		return nil, err
	}
	origDerived, err := point.Derived(dctx, p.Readings(), c)
	if err != nil {
		return nil, fmt.Errorf("point %d: %w", p.Number, err)
	}
	origMeanMeter, err := metrics.MeanMeterFlow(dctx, origDerived)
	if err != nil {
		return nil, fmt.Errorf("point %d: %w", p.Number, err)
	}

	readings := p.Readings()
	master := readings[0]
	if master.Pulses.IsZero() || master.CollectionTime.IsZero() {
		return nil, fmt.Errorf("point %d: master reading has zero pulses or time", p.Number)
	}

	props, err := extractProportions(dctx, readings)
	if err != nil {
		return nil, fmt.Errorf("point %d: %w", p.Number, err)
	}

	masterPulses, err := dctx.RoundToInt(master.Pulses)
	if err != nil {
		return nil, err
	}
	centerPulses, err := masterPulses.Int64()
	if err != nil {
		return nil, fmt.Errorf("point %d: pulse count %s out of range: %w", p.Number, master.Pulses, err)
	}

	acceptTol, err := dctx.Sqrt(o.tolerance)
	if err != nil {
		return nil, err
	}

	s := &searcher{
		dctx:          dctx,
		opts:          o,
		constants:     c,
		props:         props,
		readings:      readings,
		orig:          orig,
		origMeanMeter: origMeanMeter,
		acceptTol:     acceptTol,
	}

	best, evals, err := s.run(goCtx, centerPulses)
	if err != nil {
		return nil, fmt.Errorf("point %d: %w", p.Number, err)
	}

	res := &Result{
		PointNumber: p.Number,
		Label:       p.Label,
		Original:    orig,
		Evaluations: evals,
	}

	if best == nil {
		// Nothing viable in the band; hand the originals back untouched.
		res.Adjusted = unchangedAdjustments(readings)
		res.Achieved = orig
		return res, nil
	}

	achieved, err := metrics.Compute(dctx, best.derived, o.policy)
	if err != nil {
		return nil, fmt.Errorf("point %d: %w", p.Number, err)
	}
	res.Achieved = achieved
	res.Cost = best.cost
	res.Converged = s.accepted
	res.Adjusted = adjustments(readings, best.readings)
	return res, nil
}

type searcher struct {
	dctx          *dec.Context
	opts          *Options
	constants     formula.Constants
	props         []proportion
	readings      []point.Reading
	orig          metrics.Invariants
	origMeanMeter *apd.Decimal
	acceptTol     *apd.Decimal

	evals    int
	best     *candidate
	accepted bool
}

// run drives the staged sweep. Returns the best candidate, nil when every
// candidate was rejected.
func (s *searcher) run(goCtx context.Context, centerPulses int64) (*candidate, int, error) {
	o := s.opts

	// Seed with the unchanged master layout. A point whose readings already
	// share one in-band time reproduces itself at zero cost and returns
	// without sweeping.
	t0 := s.readings[0].CollectionTime
	if t0.Cmp(o.timeMin) >= 0 && t0.Cmp(o.timeMax) <= 0 {
		stop, err := s.evaluate(centerPulses, t0)
		if err != nil {
			return nil, s.evals, err
		}
		if stop {
			return s.best, s.evals, nil
		}
	}

	pulseLo := centerPulses - coarsePulseSpan
	pulseHi := centerPulses + coarsePulseSpan
	pulseStep := int64(coarsePulseStep)

	timeLo := new(apd.Decimal).Set(o.timeMin)
	timeHi := new(apd.Decimal).Set(o.timeMax)
	timeStep, err := s.initialTimeStep()
	if err != nil {
		return nil, 0, err
	}

	for stage := 1; stage <= o.stages; stage++ {
		done, err := s.sweep(goCtx, pulseLo, pulseHi, pulseStep, timeLo, timeHi, timeStep)
		if err != nil {
			return nil, s.evals, err
		}
		slog.Debug("harmonization stage done",
			"stage", stage,
			"evaluations", s.evals,
			"cost", costString(s.best),
		)
		if done || s.best == nil {
			break
		}

		// Narrow around the best candidate for the next stage.
		pulseLo = s.best.pulses - pulseStep
		pulseHi = s.best.pulses + pulseStep
		if pulseStep > 1 {
			pulseStep /= 2
		}

		span := timeStep
		timeStep, err = s.narrowTimeStep(timeStep)
		if err != nil {
			return nil, s.evals, err
		}
		timeLo, timeHi, err = s.clampWindow(s.best.time, span)
		if err != nil {
			return nil, s.evals, err
		}
	}

	return s.best, s.evals, nil
}

// sweep evaluates the full pulse x time grid of one stage. Returns true when
// the search should stop: a candidate was accepted or the budget ran out.
func (s *searcher) sweep(goCtx context.Context, pulseLo, pulseHi, pulseStep int64, timeLo, timeHi, timeStep *apd.Decimal) (bool, error) {
	for pulses := pulseLo; pulses <= pulseHi; pulses += pulseStep {
		if err := goCtx.Err(); err != nil {
			return true, err
		}
		if pulses <= 0 {
			continue
		}

		t := new(apd.Decimal).Set(timeLo)
		for t.Cmp(timeHi) <= 0 {
			stop, err := s.evaluate(pulses, t)
			if err != nil {
				return true, err
			}
			if stop {
				return true, nil
			}
			next, err := s.dctx.Add(t, timeStep)
			if err != nil {
				return true, err
			}
			t = next
		}
	}
	return false, nil
}

// evaluate scores a single (pulses, time) candidate and keeps it if it beats
// the best so far.
func (s *searcher) evaluate(pulses int64, t *apd.Decimal) (bool, error) {
	cand, err := s.buildCandidate(pulses, t)
	if err != nil {
		return false, err
	}

	// Derived already drops readings whose chain hits a zero denominator, so
	// an error here is a real arithmetic failure, not degeneracy.
	derived, err := point.Derived(s.dctx, cand, s.constants)
	if err != nil {
		return false, err
	}
	if len(derived) < 2 {
		// Too few readings survived; the candidate is rejected, not fatal.
		return false, nil
	}

	cost, err := s.cost(derived)
	if err != nil {
		return false, err
	}
	s.evals++

	if s.best == nil || cost.Cmp(s.best.cost) < 0 {
		s.best = &candidate{
			cost:     cost,
			pulses:   pulses,
			time:     new(apd.Decimal).Set(t),
			readings: cand,
			derived:  derived,
		}
		if cost.Cmp(s.opts.tolerance) <= 0 {
			ok, err := s.accept(derived)
			if err != nil {
				return false, err
			}
			if ok {
				s.accepted = true
				return true, nil
			}
		}
	}

	if s.evals >= s.opts.maxCandidates {
		return true, nil
	}
	return false, nil
}

// buildCandidate applies the (pulses, time) master pair to every reading: all
// readings get the shared time, pulses and meter readings scale by their fixed
// proportions, temperatures carry over unchanged.
func (s *searcher) buildCandidate(pulses int64, t *apd.Decimal) ([]point.Reading, error) {
	cand := make([]point.Reading, len(s.readings))
	masterPulses := apd.New(pulses, 0)
	sharedTime := new(apd.Decimal).Set(t)

	for i := range s.readings {
		prop := s.props[i]

		scaledPulses := masterPulses
		if i > 0 {
			sp, err := s.dctx.Mul(masterPulses, prop.pulses)
			if err != nil {
				return nil, err
			}
			scaledPulses, err = s.dctx.RoundToInt(sp)
			if err != nil {
				return nil, err
			}
		}

		scaledMeter, err := s.dctx.Mul(masterPulses, prop.meter)
		if err != nil {
			return nil, err
		}
		scaledMeter, err = s.dctx.Quantize(scaledMeter)
		if err != nil {
			return nil, err
		}

		cand[i] = s.readings[i]
		cand[i].Pulses = scaledPulses
		cand[i].CollectionTime = sharedTime
		cand[i].MeterReading = scaledMeter
	}
	return cand, nil
}

// cost is the sum of squared relative errors of the two mean flows against
// their frozen originals.
func (s *searcher) cost(derived []formula.Derived) (*apd.Decimal, error) {
	meanRef, err := metrics.MeanReferenceFlow(s.dctx, derived)
	if err != nil {
		return nil, err
	}
	meanMeter, err := metrics.MeanMeterFlow(s.dctx, derived)
	if err != nil {
		return nil, err
	}

	refTerm, err := s.relErrSq(meanRef, s.orig.MeanReferenceFlow)
	if err != nil {
		return nil, err
	}
	meterTerm, err := s.relErrSq(meanMeter, s.origMeanMeter)
	if err != nil {
		return nil, err
	}
	return s.dctx.Add(refTerm, meterTerm)
}

func (s *searcher) relErrSq(cand, orig *apd.Decimal) (*apd.Decimal, error) {
	diff, err := s.dctx.Sub(cand, orig)
	if err != nil {
		return nil, err
	}
	if !orig.IsZero() {
		diff, err = s.dctx.Div(diff, orig)
		if err != nil {
			return nil, err
		}
	}
	return s.dctx.Mul(diff, diff)
}

// accept recomputes the full aggregate triple for a sub-tolerance candidate
// and requires every metric's drift to stay under acceptTol. The cost only
// tracks the two means, so the trend and standard deviation get their own
// check here before a candidate can be declared converged.
func (s *searcher) accept(derived []formula.Derived) (bool, error) {
	achieved, err := metrics.Compute(s.dctx, derived, s.opts.policy)
	if err != nil {
		return false, nil
	}

	pairs := [][2]*apd.Decimal{
		{s.orig.MeanReferenceFlow, achieved.MeanReferenceFlow},
		{s.orig.Trend, achieved.Trend},
		{s.orig.SampleStdDev, achieved.SampleStdDev},
	}
	for _, pair := range pairs {
		ok, err := s.within(pair[0], pair[1])
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// within reports whether a metric's drift is inside acceptTol. The drift is
// relative when the original is non-zero, absolute otherwise. A standard
// deviation can be nil on both sides; one-sided nil never passes.
func (s *searcher) within(orig, achieved *apd.Decimal) (bool, error) {
	if orig == nil || achieved == nil {
		return orig == nil && achieved == nil, nil
	}
	diff, err := s.dctx.Sub(achieved, orig)
	if err != nil {
		return false, err
	}
	if !orig.IsZero() {
		diff, err = s.dctx.Div(diff, orig)
		if err != nil {
			return false, err
		}
	}
	diff, err = s.dctx.Abs(diff)
	if err != nil {
		return false, err
	}
	return diff.Cmp(s.acceptTol) <= 0, nil
}

// initialTimeStep splits the band into sixteen coarse steps.
func (s *searcher) initialTimeStep() (*apd.Decimal, error) {
	width, err := s.dctx.Sub(s.opts.timeMax, s.opts.timeMin)
	if err != nil {
		return nil, err
	}
	step, err := s.dctx.Div(width, apd.New(16, 0))
	if err != nil {
		return nil, err
	}
	return s.floorStep(step)
}

// narrowTimeStep shrinks the step for the next stage.
func (s *searcher) narrowTimeStep(step *apd.Decimal) (*apd.Decimal, error) {
	next, err := s.dctx.Div(step, apd.New(8, 0))
	if err != nil {
		return nil, err
	}
	return s.floorStep(next)
}

// floorStep quantizes a step and keeps it strictly positive so time loops
// always terminate.
func (s *searcher) floorStep(step *apd.Decimal) (*apd.Decimal, error) {
	step, err := s.dctx.Quantize(step)
	if err != nil {
		return nil, err
	}
	if step.IsZero() {
		step = apd.New(1, -s.dctx.Scale())
	}
	return step, nil
}

// clampWindow centers a window of the given half-width on t, clipped to the
// band.
func (s *searcher) clampWindow(t, halfWidth *apd.Decimal) (*apd.Decimal, *apd.Decimal, error) {
	lo, err := s.dctx.Sub(t, halfWidth)
	if err != nil {
		return nil, nil, err
	}
	hi, err := s.dctx.Add(t, halfWidth)
	if err != nil {
		return nil, nil, err
	}
	if lo.Cmp(s.opts.timeMin) < 0 {
		lo = new(apd.Decimal).Set(s.opts.timeMin)
	}
	if hi.Cmp(s.opts.timeMax) > 0 {
		hi = new(apd.Decimal).Set(s.opts.timeMax)
	}
	return lo, hi, nil
}

// extractProportions captures each reading's pulse and meter-reading ratios
// against the master pulse count. The master's own meter ratio makes its
// reading scale too, so the point's meter-to-pulse relation survives any
// master pulse count.
func extractProportions(dctx *dec.Context, readings []point.Reading) ([]proportion, error) {
	master := readings[0]
	props := make([]proportion, len(readings))
	for i, r := range readings {
		// Ratios stay at full context precision; only the reconstructed
		// candidate values are quantized.
		pp := apd.New(1, 0)
		if i > 0 {
			var err error
			pp, err = dctx.Div(r.Pulses, master.Pulses)
			if err != nil {
				return nil, fmt.Errorf("reading %d pulse proportion: %w", r.Seq, err)
			}
		}
		mp, err := dctx.Div(r.MeterReading, master.Pulses)
		if err != nil {
			return nil, fmt.Errorf("reading %d meter proportion: %w", r.Seq, err)
		}
		props[i] = proportion{pulses: pp, meter: mp}
	}
	return props, nil
}

// adjustments pairs each original reading with its harmonized replacement.
func adjustments(original, adjusted []point.Reading) []point.AdjustedReading {
	out := make([]point.AdjustedReading, len(original))
	for i := range original {
		out[i] = point.AdjustedReading{
			Seq:            original[i].Seq,
			OriginalPulses: original[i].Pulses,
			OriginalTime:   original[i].CollectionTime,
			OriginalMeter:  original[i].MeterReading,
			Pulses:         adjusted[i].Pulses,
			CollectionTime: adjusted[i].CollectionTime,
			MeterReading:   adjusted[i].MeterReading,
			Temperature:    original[i].Temperature,
		}
	}
	return out
}

// unchangedAdjustments maps readings onto themselves for the no-candidate
// fallback.
func unchangedAdjustments(readings []point.Reading) []point.AdjustedReading {
	return adjustments(readings, readings)
}

func costString(best *candidate) string {
	if best == nil {
		return "none"
	}
	return best.cost.String()
}

// HarmonizeAll harmonizes every point concurrently with a bounded worker
// pool. Results keep the input order. The first error cancels the remaining
// work.
func HarmonizeAll(goCtx context.Context, dctx *dec.Context, points []*point.Point, c formula.Constants, opts ...Option) ([]*Result, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	goCtx, cancel := context.WithCancel(goCtx)
	defer cancel()

	results := make([]*Result, len(points))
	jobs := make(chan int)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	workers := o.workers
	if workers > len(points) {
		workers = len(points)
	}
	if workers < 1 {
		workers = 1
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				res, err := Harmonize(goCtx, dctx, points[i], c, opts...)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
						cancel()
					}
					mu.Unlock()
					continue
				}
				results[i] = res
			}
		}()
	}

	for i := range points {
		select {
		case jobs <- i:
		case <-goCtx.Done():
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := goCtx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
