package search

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"

	"github.com/dmtavares/flowcal/internal/dec"
	"github.com/dmtavares/flowcal/internal/metrics"
)

const (
	defaultStages        = 3
	defaultMaxCandidates = 250000
	defaultWorkers       = 4

	// coarsePulseSpan and coarsePulseStep bound the first-stage sweep around
	// the master reading's original pulse count.
	coarsePulseSpan = 200
	coarsePulseStep = 2
)

// Options configures a harmonization search. Build with New-style functional
// options; the zero value is not usable.
type Options struct {
	timeMin       *apd.Decimal
	timeMax       *apd.Decimal
	tolerance     *apd.Decimal
	stages        int
	maxCandidates int
	workers       int
	policy        metrics.AveragingPolicy
}

// Option mutates Options.
type Option func(*Options)

// WithTimeBand sets the closed interval every harmonized collection time must
// land in.
func WithTimeBand(min, max *apd.Decimal) Option {
	return func(o *Options) {
		o.timeMin = new(apd.Decimal).Set(min)
		o.timeMax = new(apd.Decimal).Set(max)
	}
}

// WithTolerance sets the cost threshold under which a candidate counts as
// converged.
func WithTolerance(tol *apd.Decimal) Option {
	return func(o *Options) {
		o.tolerance = new(apd.Decimal).Set(tol)
	}
}

// WithStages sets the number of grid stages. The first stage sweeps coarsely;
// each following stage narrows around the best candidate so far. Minimum 2.
func WithStages(n int) Option {
	return func(o *Options) {
		o.stages = n
	}
}

// WithMaxCandidates caps the total number of candidate evaluations across all
// stages. The search stops at the cap and reports the best candidate found.
func WithMaxCandidates(n int) Option {
	return func(o *Options) {
		o.maxCandidates = n
	}
}

// WithWorkers sets the point-level parallelism of HarmonizeAll.
func WithWorkers(n int) Option {
	return func(o *Options) {
		o.workers = n
	}
}

// WithAveragingPolicy sets the trend policy used for the invariant triples.
func WithAveragingPolicy(p metrics.AveragingPolicy) Option {
	return func(o *Options) {
		o.policy = p
	}
}

// newOptions applies defaults, then the given options, then validates.
func newOptions(opts []Option) (*Options, error) {
	o := &Options{
		timeMin:       dec.MustParse("239.6"),
		timeMax:       dec.MustParse("240.4"),
		tolerance:     dec.MustParse("0.000001"),
		stages:        defaultStages,
		maxCandidates: defaultMaxCandidates,
		workers:       defaultWorkers,
		policy:        metrics.PolicyUnconditional,
	}
	for _, opt := range opts {
		opt(o)
	}

	// An equal min and max pins the canonical time to one exact target.
	if o.timeMin.Cmp(o.timeMax) > 0 {
		return nil, fmt.Errorf("time band [%s, %s] is inverted", o.timeMin, o.timeMax)
	}
	if o.tolerance.Sign() <= 0 {
		return nil, fmt.Errorf("tolerance %s must be positive", o.tolerance)
	}
	if o.stages < 2 {
		return nil, fmt.Errorf("need at least 2 search stages, got %d", o.stages)
	}
	if o.maxCandidates < 1 {
		return nil, fmt.Errorf("candidate budget %d must be positive", o.maxCandidates)
	}
	if o.workers < 1 {
		return nil, fmt.Errorf("worker count %d must be positive", o.workers)
	}
	if !o.policy.Valid() {
		return nil, fmt.Errorf("unknown averaging policy %q", o.policy)
	}
	return o, nil
}
