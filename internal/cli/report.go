package cli

import (
	"fmt"
	"strings"

	"github.com/dmtavares/flowcal/internal/metrics"
	"github.com/dmtavares/flowcal/internal/search"
	"github.com/dmtavares/flowcal/internal/verify"
)

// TripleReport is the printable form of an invariant triple. SampleStdDev is
// empty when the deviation is undefined.
type TripleReport struct {
	MeanReferenceFlow string `json:"mean_reference_flow"`
	Trend             string `json:"trend"`
	SampleStdDev      string `json:"sample_std_dev,omitempty"`
}

func tripleReport(inv metrics.Invariants) TripleReport {
	t := TripleReport{
		MeanReferenceFlow: inv.MeanReferenceFlow.String(),
		Trend:             inv.Trend.String(),
	}
	if inv.SampleStdDev != nil {
		t.SampleStdDev = inv.SampleStdDev.String()
	}
	return t
}

// ReadingReport is the printable form of one adjusted reading.
type ReadingReport struct {
	Seq            int    `json:"seq"`
	OriginalPulses string `json:"original_pulses"`
	OriginalTime   string `json:"original_time"`
	OriginalMeter  string `json:"original_meter"`
	Pulses         string `json:"pulses"`
	CollectionTime string `json:"collection_time"`
	MeterReading   string `json:"meter_reading"`
}

// PointReport is the printable form of one harmonized point.
type PointReport struct {
	Point       int             `json:"point"`
	Label       string          `json:"label"`
	Converged   bool            `json:"converged"`
	Cost        string          `json:"cost,omitempty"`
	Evaluations int             `json:"evaluations"`
	Original    TripleReport    `json:"original"`
	Achieved    TripleReport    `json:"achieved"`
	Readings    []ReadingReport `json:"readings"`
}

// HarmonizeReport is the full output of the harmonize command.
type HarmonizeReport struct {
	RunID        string        `json:"run_id,omitempty"`
	Points       []PointReport `json:"points"`
	AllConverged bool          `json:"all_converged"`
}

func buildHarmonizeReport(results []*search.Result) *HarmonizeReport {
	rep := &HarmonizeReport{AllConverged: true}
	for _, res := range results {
		pr := PointReport{
			Point:       res.PointNumber,
			Label:       res.Label,
			Converged:   res.Converged,
			Evaluations: res.Evaluations,
			Original:    tripleReport(res.Original),
			Achieved:    tripleReport(res.Achieved),
		}
		if res.Cost != nil {
			pr.Cost = res.Cost.String()
		}
		for _, a := range res.Adjusted {
			pr.Readings = append(pr.Readings, ReadingReport{
				Seq:            a.Seq,
				OriginalPulses: a.OriginalPulses.String(),
				OriginalTime:   a.OriginalTime.String(),
				OriginalMeter:  a.OriginalMeter.String(),
				Pulses:         a.Pulses.String(),
				CollectionTime: a.CollectionTime.String(),
				MeterReading:   a.MeterReading.String(),
			})
		}
		if !res.Converged {
			rep.AllConverged = false
		}
		rep.Points = append(rep.Points, pr)
	}
	return rep
}

func (r *HarmonizeReport) String() string {
	var b strings.Builder
	if r.RunID != "" {
		fmt.Fprintf(&b, "run %s\n", r.RunID)
	}
	for _, p := range r.Points {
		status := "converged"
		if !p.Converged {
			status = "NOT CONVERGED"
		}
		fmt.Fprintf(&b, "point %d (%s): %s after %d evaluations\n", p.Point, p.Label, status, p.Evaluations)
		if p.Cost != "" {
			fmt.Fprintf(&b, "  cost %s\n", p.Cost)
		}
		fmt.Fprintf(&b, "  mean reference flow %s -> %s\n", p.Original.MeanReferenceFlow, p.Achieved.MeanReferenceFlow)
		fmt.Fprintf(&b, "  trend %s -> %s\n", p.Original.Trend, p.Achieved.Trend)
		if p.Original.SampleStdDev != "" || p.Achieved.SampleStdDev != "" {
			fmt.Fprintf(&b, "  sample std dev %s -> %s\n", orDash(p.Original.SampleStdDev), orDash(p.Achieved.SampleStdDev))
		}
		for _, rd := range p.Readings {
			fmt.Fprintf(&b, "  reading %d: pulses %s -> %s, time %s -> %s, meter %s -> %s\n",
				rd.Seq, rd.OriginalPulses, rd.Pulses, rd.OriginalTime, rd.CollectionTime,
				rd.OriginalMeter, rd.MeterReading)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// DeltaReport is the printable form of one aggregate drift.
type DeltaReport struct {
	Name     string `json:"name"`
	Original string `json:"original"`
	Achieved string `json:"achieved"`
	Diff     string `json:"diff"`
	Relative string `json:"relative,omitempty"`
	Within   bool   `json:"within"`
}

func deltaReport(d verify.Delta) DeltaReport {
	r := DeltaReport{
		Name:     d.Name,
		Original: d.Original.String(),
		Achieved: d.Achieved.String(),
		Diff:     d.Diff.String(),
		Within:   d.Within,
	}
	if d.Relative != nil {
		r.Relative = d.Relative.String()
	}
	return r
}

// VerifyPointReport is the verification outcome of one point.
type VerifyPointReport struct {
	Point          int           `json:"point"`
	Label          string        `json:"label"`
	Within         bool          `json:"within"`
	StdDevMismatch bool          `json:"std_dev_mismatch,omitempty"`
	Deltas         []DeltaReport `json:"deltas"`
}

// VerifyReport is the full output of the verify command.
type VerifyReport struct {
	RunID     string              `json:"run_id"`
	Tolerance string              `json:"tolerance"`
	Semantics string              `json:"semantics"`
	Points    []VerifyPointReport `json:"points"`
	AllWithin bool                `json:"all_within"`
}

func buildVerifyReport(runID, tolerance, semantics string, reports []*verify.Report) *VerifyReport {
	out := &VerifyReport{RunID: runID, Tolerance: tolerance, Semantics: semantics, AllWithin: true}
	for _, rep := range reports {
		pr := VerifyPointReport{
			Point:          rep.PointNumber,
			Label:          rep.Label,
			Within:         rep.Within,
			StdDevMismatch: rep.StdDevMismatch,
			Deltas: []DeltaReport{
				deltaReport(rep.MeanReferenceFlow),
				deltaReport(rep.Trend),
			},
		}
		if rep.SampleStdDev != nil {
			pr.Deltas = append(pr.Deltas, deltaReport(*rep.SampleStdDev))
		}
		if !rep.Within {
			out.AllWithin = false
		}
		out.Points = append(out.Points, pr)
	}
	return out
}

func (r *VerifyReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (tolerance %s %s)\n", r.RunID, r.Tolerance, r.Semantics)
	for _, p := range r.Points {
		status := "within tolerance"
		if !p.Within {
			status = "OUT OF TOLERANCE"
		}
		fmt.Fprintf(&b, "point %d (%s): %s\n", p.Point, p.Label, status)
		if p.StdDevMismatch {
			fmt.Fprintf(&b, "  sample std dev defined on one side only\n")
		}
		for _, d := range p.Deltas {
			fmt.Fprintf(&b, "  %s: %s -> %s (diff %s)\n", d.Name, d.Original, d.Achieved, d.Diff)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
