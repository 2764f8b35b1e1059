// Package harness runs conformance scenarios end to end: YAML in, evaluated
// (and optionally harmonized) report out, with golden-file comparison for
// regression coverage.
package harness

import (
	"context"
	"fmt"

	"github.com/dmtavares/flowcal/internal/dec"
	"github.com/dmtavares/flowcal/internal/formula"
	"github.com/dmtavares/flowcal/internal/metrics"
	"github.com/dmtavares/flowcal/internal/point"
	"github.com/dmtavares/flowcal/internal/search"
)

// Report is the full outcome of a scenario run. Field order and string
// rendering are stable so reports can be compared against golden files.
type Report struct {
	Scenario string        `json:"scenario"`
	Points   []PointResult `json:"points"`
}

// PointResult is one point's evaluation (and optional harmonization).
type PointResult struct {
	Label      string            `json:"label"`
	Readings   []ReadingResult   `json:"readings"`
	Aggregates Triple            `json:"aggregates"`
	Harmonized *HarmonizedResult `json:"harmonized,omitempty"`
}

// ReadingResult carries the derived values of one reading.
type ReadingResult struct {
	Seq                     int    `json:"seq"`
	CorrectedTime           string `json:"corrected_time"`
	CorrectedTemperature    string `json:"corrected_temperature"`
	StandardVolume          string `json:"standard_volume"`
	CorrectedStandardVolume string `json:"corrected_standard_volume"`
	ReferenceFlow           string `json:"reference_flow"`
	MeterFlow               string `json:"meter_flow"`
	PercentError            string `json:"percent_error"`
}

// Triple is the string form of an invariant triple.
type Triple struct {
	MeanReferenceFlow string `json:"mean_reference_flow"`
	Trend             string `json:"trend"`
	SampleStdDev      string `json:"sample_std_dev,omitempty"`
}

// HarmonizedResult is the search outcome for one point.
type HarmonizedResult struct {
	Converged  bool             `json:"converged"`
	Adjusted   []AdjustedResult `json:"adjusted"`
	Aggregates Triple           `json:"aggregates"`
}

// AdjustedResult is one harmonized reading.
type AdjustedResult struct {
	Seq            int    `json:"seq"`
	Pulses         string `json:"pulses"`
	CollectionTime string `json:"collection_time"`
	MeterReading   string `json:"meter_reading"`
}

// Run executes a scenario: evaluates every point and, when a search section
// is present, harmonizes it too.
func Run(sc *Scenario) (*Report, error) {
	dctx, err := scenarioContext(sc)
	if err != nil {
		return nil, err
	}
	constants, err := scenarioConstants(sc)
	if err != nil {
		return nil, err
	}

	report := &Report{Scenario: sc.Name}
	for i, sp := range sc.Points {
		p, err := buildPoint(i+1, sp)
		if err != nil {
			return nil, err
		}

		result, err := evaluatePoint(dctx, p, constants)
		if err != nil {
			return nil, err
		}

		if sc.Search != nil {
			harmonized, err := harmonizePoint(dctx, p, constants, sc.Search)
			if err != nil {
				return nil, err
			}
			result.Harmonized = harmonized
		}

		report.Points = append(report.Points, *result)
	}
	return report, nil
}

// CheckExpectations validates a report against the scenario's expect block.
// Returns one error per failed expectation.
func CheckExpectations(sc *Scenario, rep *Report) []error {
	if sc.Expect == nil {
		return nil
	}

	var errs []error
	for _, p := range rep.Points {
		if sc.Expect.Converged != nil {
			if p.Harmonized == nil {
				errs = append(errs, fmt.Errorf("point %s: converged expectation without a search section", p.Label))
			} else if p.Harmonized.Converged != *sc.Expect.Converged {
				errs = append(errs, fmt.Errorf("point %s: converged = %v, want %v", p.Label, p.Harmonized.Converged, *sc.Expect.Converged))
			}
		}

		want, ok := sc.Expect.Aggregates[p.Label]
		if !ok {
			continue
		}
		if want.MeanReferenceFlow != "" && want.MeanReferenceFlow != p.Aggregates.MeanReferenceFlow {
			errs = append(errs, fmt.Errorf("point %s: mean reference flow = %s, want %s", p.Label, p.Aggregates.MeanReferenceFlow, want.MeanReferenceFlow))
		}
		if want.Trend != "" && want.Trend != p.Aggregates.Trend {
			errs = append(errs, fmt.Errorf("point %s: trend = %s, want %s", p.Label, p.Aggregates.Trend, want.Trend))
		}
		if want.SampleStdDev != "" && want.SampleStdDev != p.Aggregates.SampleStdDev {
			errs = append(errs, fmt.Errorf("point %s: sample std dev = %s, want %s", p.Label, p.Aggregates.SampleStdDev, want.SampleStdDev))
		}
	}
	return errs
}

func scenarioContext(sc *Scenario) (*dec.Context, error) {
	if sc.Decimal == nil {
		return dec.Default(), nil
	}
	return dec.New(sc.Decimal.Precision, sc.Decimal.Scale)
}

func scenarioConstants(sc *Scenario) (formula.Constants, error) {
	get := func(key string) string { return sc.Constants[key] }

	var c formula.Constants
	var err error
	if c.PulseVolume, err = dec.Parse(get("pulse_volume")); err != nil {
		return formula.Constants{}, fmt.Errorf("constants.pulse_volume: %w", err)
	}
	if c.MeterPulseVolume, err = dec.Parse(get("meter_pulse_volume")); err != nil {
		return formula.Constants{}, fmt.Errorf("constants.meter_pulse_volume: %w", err)
	}
	if c.TimeSlope, err = dec.Parse(get("time_slope")); err != nil {
		return formula.Constants{}, fmt.Errorf("constants.time_slope: %w", err)
	}
	if c.TimeOffset, err = dec.Parse(get("time_offset")); err != nil {
		return formula.Constants{}, fmt.Errorf("constants.time_offset: %w", err)
	}
	if c.TempSlope, err = dec.Parse(get("temp_slope")); err != nil {
		return formula.Constants{}, fmt.Errorf("constants.temp_slope: %w", err)
	}
	if c.TempOffset, err = dec.Parse(get("temp_offset")); err != nil {
		return formula.Constants{}, fmt.Errorf("constants.temp_offset: %w", err)
	}
	if c.FlowTempConstant, err = dec.Parse(get("flow_temp_constant")); err != nil {
		return formula.Constants{}, fmt.Errorf("constants.flow_temp_constant: %w", err)
	}
	if c.FlowSlope, err = dec.Parse(get("flow_slope")); err != nil {
		return formula.Constants{}, fmt.Errorf("constants.flow_slope: %w", err)
	}

	c.Mode = formula.MeasurementMode(get("mode"))
	if c.Mode == "" {
		c.Mode = formula.ModePulsed
	}
	return c, c.Validate()
}

func buildPoint(number int, sp ScenarioPoint) (*point.Point, error) {
	readings := make([]point.Reading, 0, len(sp.Readings))
	for j, sr := range sp.Readings {
		r := point.Reading{}
		var err error
		if r.Pulses, err = dec.Parse(sr.Pulses); err != nil {
			return nil, fmt.Errorf("point %s reading %d pulses: %w", sp.Label, j+1, err)
		}
		if r.CollectionTime, err = dec.Parse(sr.Time); err != nil {
			return nil, fmt.Errorf("point %s reading %d time: %w", sp.Label, j+1, err)
		}
		if r.MeterReading, err = dec.Parse(sr.Meter); err != nil {
			return nil, fmt.Errorf("point %s reading %d meter: %w", sp.Label, j+1, err)
		}
		if r.Temperature, err = dec.Parse(sr.Temperature); err != nil {
			return nil, fmt.Errorf("point %s reading %d temperature: %w", sp.Label, j+1, err)
		}
		readings = append(readings, r)
	}
	return point.New(number, sp.Label, readings)
}

func evaluatePoint(dctx *dec.Context, p *point.Point, c formula.Constants) (*PointResult, error) {
	result := &PointResult{Label: p.Label}

	for _, r := range p.Readings() {
		d, err := formula.Evaluate(dctx, r.Input(), c)
		if err != nil {
			if formula.IsUndefined(err) {
				continue
			}
			return nil, fmt.Errorf("point %s reading %d: %w", p.Label, r.Seq, err)
		}
		result.Readings = append(result.Readings, ReadingResult{
			Seq:                     r.Seq,
			CorrectedTime:           d.CorrectedTime.String(),
			CorrectedTemperature:    d.CorrectedTemperature.String(),
			StandardVolume:          d.StandardVolume.String(),
			CorrectedStandardVolume: d.CorrectedStandardVolume.String(),
			ReferenceFlow:           d.ReferenceFlow.String(),
			MeterFlow:               d.MeterFlow.String(),
			PercentError:            d.PercentError.String(),
		})
	}

	inv, err := p.OriginalInvariants(dctx, c, metrics.PolicyUnconditional)
	if err != nil {
		return nil, err
	}
	result.Aggregates = tripleOf(inv)
	return result, nil
}

func harmonizePoint(dctx *dec.Context, p *point.Point, c formula.Constants, settings *SearchSettings) (*HarmonizedResult, error) {
	opts, err := searchOptions(settings)
	if err != nil {
		return nil, err
	}

	res, err := search.Harmonize(context.Background(), dctx, p, c, opts...)
	if err != nil {
		return nil, err
	}

	h := &HarmonizedResult{
		Converged:  res.Converged,
		Aggregates: tripleOf(res.Achieved),
	}
	for _, a := range res.Adjusted {
		h.Adjusted = append(h.Adjusted, AdjustedResult{
			Seq:            a.Seq,
			Pulses:         a.Pulses.String(),
			CollectionTime: a.CollectionTime.String(),
			MeterReading:   a.MeterReading.String(),
		})
	}
	return h, nil
}

func searchOptions(settings *SearchSettings) ([]search.Option, error) {
	var opts []search.Option
	if settings.TimeMin != "" || settings.TimeMax != "" {
		min, err := dec.Parse(settings.TimeMin)
		if err != nil {
			return nil, fmt.Errorf("search.time_min: %w", err)
		}
		max, err := dec.Parse(settings.TimeMax)
		if err != nil {
			return nil, fmt.Errorf("search.time_max: %w", err)
		}
		opts = append(opts, search.WithTimeBand(min, max))
	}
	if settings.Tolerance != "" {
		tol, err := dec.Parse(settings.Tolerance)
		if err != nil {
			return nil, fmt.Errorf("search.tolerance: %w", err)
		}
		opts = append(opts, search.WithTolerance(tol))
	}
	if settings.Stages > 0 {
		opts = append(opts, search.WithStages(settings.Stages))
	}
	if settings.MaxCandidates > 0 {
		opts = append(opts, search.WithMaxCandidates(settings.MaxCandidates))
	}
	if settings.Policy != "" {
		opts = append(opts, search.WithAveragingPolicy(metrics.AveragingPolicy(settings.Policy)))
	}
	return opts, nil
}

func tripleOf(inv metrics.Invariants) Triple {
	t := Triple{
		MeanReferenceFlow: inv.MeanReferenceFlow.String(),
		Trend:             inv.Trend.String(),
	}
	if inv.SampleStdDev != nil {
		t.SampleStdDev = inv.SampleStdDev.String()
	}
	return t
}
