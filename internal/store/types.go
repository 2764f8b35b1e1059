package store

import (
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"

	"github.com/dmtavares/flowcal/internal/formula"
	"github.com/dmtavares/flowcal/internal/metrics"
	"github.com/dmtavares/flowcal/internal/search"
)

// Run carries the settings a harmonization run executed under. Decimal
// settings travel as strings so a run can be replayed bit for bit.
type Run struct {
	ID        string
	CreatedAt time.Time

	Precision uint32
	Scale     int32
	Tolerance string
	TimeMin   string
	TimeMax   string
	Policy    string

	Constants ConstantsRecord
}

// ConstantsRecord is the string form of the calibration constants.
type ConstantsRecord struct {
	PulseVolume      string
	MeterPulseVolume string
	TimeSlope        string
	TimeOffset       string
	TempSlope        string
	TempOffset       string
	FlowTempConstant string
	FlowSlope        string
	Mode             string
}

// RecordConstants converts constants into their storable form.
func RecordConstants(c formula.Constants) ConstantsRecord {
	return ConstantsRecord{
		PulseVolume:      c.PulseVolume.String(),
		MeterPulseVolume: c.MeterPulseVolume.String(),
		TimeSlope:        c.TimeSlope.String(),
		TimeOffset:       c.TimeOffset.String(),
		TempSlope:        c.TempSlope.String(),
		TempOffset:       c.TempOffset.String(),
		FlowTempConstant: c.FlowTempConstant.String(),
		FlowSlope:        c.FlowSlope.String(),
		Mode:             string(c.Mode),
	}
}

// PointRecord is one harmonized point as persisted.
type PointRecord struct {
	PointNumber int
	Label       string

	OriginalMeanRefFlow string
	OriginalTrend       string
	OriginalStdDev      *string

	AchievedMeanRefFlow string
	AchievedTrend       string
	AchievedStdDev      *string

	Cost        *string
	Converged   bool
	Evaluations int

	Readings []ReadingRecord
}

// ReadingRecord is one adjusted reading as persisted.
type ReadingRecord struct {
	Seq            int
	OriginalPulses string
	OriginalTime   string
	OriginalMeter  string
	Pulses         string
	CollectionTime string
	MeterReading   string
	Temperature    string
}

// RunRecord bundles a run with its points and readings.
type RunRecord struct {
	Run    Run
	Points []PointRecord
}

// NewRunID returns a time-ordered unique run identifier.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.New().String()
	}
	return id.String()
}

// RecordResults converts harmonization results into their storable form.
func RecordResults(run Run, results []*search.Result) *RunRecord {
	rec := &RunRecord{Run: run, Points: make([]PointRecord, 0, len(results))}
	for _, res := range results {
		pr := PointRecord{
			PointNumber:         res.PointNumber,
			Label:               res.Label,
			OriginalMeanRefFlow: res.Original.MeanReferenceFlow.String(),
			OriginalTrend:       res.Original.Trend.String(),
			OriginalStdDev:      decString(res.Original.SampleStdDev),
			AchievedMeanRefFlow: res.Achieved.MeanReferenceFlow.String(),
			AchievedTrend:       res.Achieved.Trend.String(),
			AchievedStdDev:      decString(res.Achieved.SampleStdDev),
			Cost:                decString(res.Cost),
			Converged:           res.Converged,
			Evaluations:         res.Evaluations,
		}
		for _, a := range res.Adjusted {
			pr.Readings = append(pr.Readings, ReadingRecord{
				Seq:            a.Seq,
				OriginalPulses: a.OriginalPulses.String(),
				OriginalTime:   a.OriginalTime.String(),
				OriginalMeter:  a.OriginalMeter.String(),
				Pulses:         a.Pulses.String(),
				CollectionTime: a.CollectionTime.String(),
				MeterReading:   a.MeterReading.String(),
				Temperature:    a.Temperature.String(),
			})
		}
		rec.Points = append(rec.Points, pr)
	}
	return rec
}

// OriginalInvariants rebuilds the stored original triple as decimals.
func (p PointRecord) OriginalInvariants() (metrics.Invariants, error) {
	return parseInvariants(p.OriginalMeanRefFlow, p.OriginalTrend, p.OriginalStdDev)
}

// AchievedInvariants rebuilds the stored achieved triple as decimals.
func (p PointRecord) AchievedInvariants() (metrics.Invariants, error) {
	return parseInvariants(p.AchievedMeanRefFlow, p.AchievedTrend, p.AchievedStdDev)
}

func parseInvariants(mean, trend string, stddev *string) (metrics.Invariants, error) {
	var inv metrics.Invariants
	var err error
	if inv.MeanReferenceFlow, _, err = apd.NewFromString(mean); err != nil {
		return metrics.Invariants{}, err
	}
	if inv.Trend, _, err = apd.NewFromString(trend); err != nil {
		return metrics.Invariants{}, err
	}
	if stddev != nil {
		if inv.SampleStdDev, _, err = apd.NewFromString(*stddev); err != nil {
			return metrics.Invariants{}, err
		}
	}
	return inv, nil
}

func decString(d *apd.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
