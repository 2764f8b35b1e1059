package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmtavares/flowcal/internal/dec"
	"github.com/dmtavares/flowcal/internal/formula"
	"github.com/dmtavares/flowcal/internal/metrics"
	"github.com/dmtavares/flowcal/internal/point"
)

func testConstants() formula.Constants {
	return formula.Constants{
		PulseVolume:      dec.MustParse("0.02"),
		MeterPulseVolume: dec.MustParse("0.01"),
		TimeSlope:        dec.MustParse("0"),
		TimeOffset:       dec.MustParse("0"),
		TempSlope:        dec.MustParse("0"),
		TempOffset:       dec.MustParse("0"),
		FlowTempConstant: dec.MustParse("0.1"),
		FlowSlope:        dec.MustParse("0.0005"),
		Mode:             formula.ModePulsed,
	}
}

func testPoint(t *testing.T, number int) *point.Point {
	t.Helper()
	p, err := point.New(number, "Q3", []point.Reading{
		{Pulses: dec.MustParse("1000"), CollectionTime: dec.MustParse("239.8"), MeterReading: dec.MustParse("50.0"), Temperature: dec.MustParse("25.0")},
		{Pulses: dec.MustParse("1010"), CollectionTime: dec.MustParse("240.1"), MeterReading: dec.MustParse("50.5"), Temperature: dec.MustParse("25.0")},
		{Pulses: dec.MustParse("990"), CollectionTime: dec.MustParse("239.95"), MeterReading: dec.MustParse("49.8"), Temperature: dec.MustParse("25.0")},
	})
	require.NoError(t, err)
	return p
}

func TestOptions_Validation(t *testing.T) {
	_, err := newOptions([]Option{WithTimeBand(dec.MustParse("240.4"), dec.MustParse("239.6"))})
	assert.Error(t, err, "inverted band must fail")

	_, err = newOptions([]Option{WithTolerance(dec.Zero())})
	assert.Error(t, err, "zero tolerance must fail")

	_, err = newOptions([]Option{WithStages(1)})
	assert.Error(t, err, "fewer than two stages must fail")

	_, err = newOptions([]Option{WithAveragingPolicy(metrics.AveragingPolicy("bogus"))})
	assert.Error(t, err)

	// A degenerate band pins the canonical time to one exact target.
	_, err = newOptions([]Option{WithTimeBand(dec.MustParse("240.0"), dec.MustParse("240.0"))})
	assert.NoError(t, err)
}

func TestHarmonize_Converges(t *testing.T) {
	dctx := dec.Default()
	p := testPoint(t, 1)

	res, err := Harmonize(context.Background(), dctx, p, testConstants())
	require.NoError(t, err)

	assert.True(t, res.Converged, "cost %s after %d evaluations", res.Cost, res.Evaluations)
	require.NotNil(t, res.Cost)
	assert.True(t, res.Cost.Cmp(dec.MustParse("0.000001")) <= 0)
	assert.Len(t, res.Adjusted, 3)
}

func TestHarmonize_TimesInsideBand(t *testing.T) {
	dctx := dec.Default()
	p := testPoint(t, 1)
	min, max := dec.MustParse("239.6"), dec.MustParse("240.4")

	res, err := Harmonize(context.Background(), dctx, p, testConstants(), WithTimeBand(min, max))
	require.NoError(t, err)

	for _, a := range res.Adjusted {
		assert.True(t, a.CollectionTime.Cmp(min) >= 0, "reading %d time %s below band", a.Seq, a.CollectionTime)
		assert.True(t, a.CollectionTime.Cmp(max) <= 0, "reading %d time %s above band", a.Seq, a.CollectionTime)
	}
}

func TestHarmonize_ExactTargetTime(t *testing.T) {
	dctx := dec.Default()
	p, err := point.New(1, "Q3", []point.Reading{
		{Pulses: dec.MustParse("1000"), CollectionTime: dec.MustParse("240.0"), MeterReading: dec.MustParse("50.0"), Temperature: dec.MustParse("25.0")},
		{Pulses: dec.MustParse("1010"), CollectionTime: dec.MustParse("240.0"), MeterReading: dec.MustParse("50.5"), Temperature: dec.MustParse("25.0")},
		{Pulses: dec.MustParse("990"), CollectionTime: dec.MustParse("240.0"), MeterReading: dec.MustParse("49.8"), Temperature: dec.MustParse("25.0")},
	})
	require.NoError(t, err)

	// Readings already sharing the pinned target time come back unchanged
	// from the seed candidate alone.
	res, err := Harmonize(context.Background(), dctx, p, testConstants(),
		WithTimeBand(dec.MustParse("240.0"), dec.MustParse("240.0")),
	)
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Equal(t, 1, res.Evaluations)
	require.NotNil(t, res.Cost)
	assert.True(t, res.Cost.IsZero(), "cost %s", res.Cost)

	for _, a := range res.Adjusted {
		assert.Equal(t, 0, a.Pulses.Cmp(a.OriginalPulses), "reading %d pulses changed", a.Seq)
		assert.Equal(t, 0, a.CollectionTime.Cmp(a.OriginalTime), "reading %d time changed", a.Seq)
		assert.Equal(t, 0, a.MeterReading.Cmp(a.OriginalMeter), "reading %d meter changed", a.Seq)
	}

	assert.Equal(t, 0, res.Achieved.MeanReferenceFlow.Cmp(res.Original.MeanReferenceFlow))
	assert.Equal(t, 0, res.Achieved.Trend.Cmp(res.Original.Trend))
	require.NotNil(t, res.Achieved.SampleStdDev)
	assert.Equal(t, 0, res.Achieved.SampleStdDev.Cmp(res.Original.SampleStdDev))
}

func TestHarmonize_SharedCollectionTime(t *testing.T) {
	dctx := dec.Default()
	p := testPoint(t, 1)

	res, err := Harmonize(context.Background(), dctx, p, testConstants())
	require.NoError(t, err)
	require.True(t, res.Converged)

	canonical := res.Adjusted[0].CollectionTime
	for _, a := range res.Adjusted {
		assert.Equal(t, 0, a.CollectionTime.Cmp(canonical),
			"reading %d time %s differs from canonical %s", a.Seq, a.CollectionTime, canonical)
	}
}

func TestHarmonize_ScalesMeterReadings(t *testing.T) {
	dctx := dec.Default()
	p := testPoint(t, 1)

	res, err := Harmonize(context.Background(), dctx, p, testConstants())
	require.NoError(t, err)
	require.True(t, res.Converged)

	masterPulses := res.Adjusted[0].Pulses
	origMaster := res.Adjusted[0].OriginalPulses
	for _, a := range res.Adjusted {
		assert.Equal(t, 0, a.Temperature.Cmp(dec.MustParse("25.0")), "temperature must not change")

		ratio, err := dctx.Div(a.OriginalMeter, origMaster)
		require.NoError(t, err)
		want, err := dctx.Mul(masterPulses, ratio)
		require.NoError(t, err)
		want, err = dctx.Quantize(want)
		require.NoError(t, err)
		assert.Equal(t, 0, a.MeterReading.Cmp(want),
			"reading %d meter %s, want %s", a.Seq, a.MeterReading, want)
	}
}

func TestHarmonize_PulsesAreWhole(t *testing.T) {
	dctx := dec.Default()
	p := testPoint(t, 1)

	res, err := Harmonize(context.Background(), dctx, p, testConstants())
	require.NoError(t, err)

	for _, a := range res.Adjusted {
		rounded, err := dctx.RoundToInt(a.Pulses)
		require.NoError(t, err)
		assert.Equal(t, 0, a.Pulses.Cmp(rounded), "reading %d pulses %s not whole", a.Seq, a.Pulses)
	}
}

func TestHarmonize_PreservesAggregates(t *testing.T) {
	dctx := dec.Default()
	p := testPoint(t, 1)

	res, err := Harmonize(context.Background(), dctx, p, testConstants())
	require.NoError(t, err)
	require.True(t, res.Converged)

	// A converged cost bounds the mean-flow drift at the square root of the
	// tolerance.
	diff, err := dctx.Sub(res.Achieved.MeanReferenceFlow, res.Original.MeanReferenceFlow)
	require.NoError(t, err)
	rel, err := dctx.Div(diff, res.Original.MeanReferenceFlow)
	require.NoError(t, err)
	rel, err = dctx.Abs(rel)
	require.NoError(t, err)
	assert.True(t, rel.Cmp(dec.MustParse("0.001")) <= 0, "mean reference flow drifted by %s", rel)
}

func TestHarmonize_RoundTrip(t *testing.T) {
	dctx := dec.Default()
	p := testPoint(t, 1)
	c := testConstants()

	res, err := Harmonize(context.Background(), dctx, p, c)
	require.NoError(t, err)

	// Re-deriving the adjusted readings from scratch must reproduce the
	// achieved triple exactly.
	readings := make([]point.Reading, len(res.Adjusted))
	for i, a := range res.Adjusted {
		readings[i] = a.Reading()
	}
	derived, err := point.Derived(dctx, readings, c)
	require.NoError(t, err)
	inv, err := metrics.Compute(dctx, derived, metrics.PolicyUnconditional)
	require.NoError(t, err)

	assert.Equal(t, 0, inv.MeanReferenceFlow.Cmp(res.Achieved.MeanReferenceFlow))
	assert.Equal(t, 0, inv.Trend.Cmp(res.Achieved.Trend))
	if res.Achieved.SampleStdDev != nil {
		require.NotNil(t, inv.SampleStdDev)
		assert.Equal(t, 0, inv.SampleStdDev.Cmp(res.Achieved.SampleStdDev))
	}
}

func TestHarmonize_Deterministic(t *testing.T) {
	dctx := dec.Default()
	c := testConstants()

	first, err := Harmonize(context.Background(), dctx, testPoint(t, 1), c)
	require.NoError(t, err)
	again, err := Harmonize(context.Background(), dctx, testPoint(t, 1), c)
	require.NoError(t, err)

	assert.Equal(t, first.Evaluations, again.Evaluations)
	assert.Equal(t, first.Cost.String(), again.Cost.String())
	for i := range first.Adjusted {
		assert.Equal(t, first.Adjusted[i].Pulses.String(), again.Adjusted[i].Pulses.String())
		assert.Equal(t, first.Adjusted[i].CollectionTime.String(), again.Adjusted[i].CollectionTime.String())
		assert.Equal(t, first.Adjusted[i].MeterReading.String(), again.Adjusted[i].MeterReading.String())
	}
}

func TestHarmonize_BestEffortWhenBandIsFar(t *testing.T) {
	dctx := dec.Default()
	p := testPoint(t, 1)

	// A band nowhere near the original times cannot preserve the flows, so
	// the search reports its best effort without claiming convergence.
	res, err := Harmonize(context.Background(), dctx, p, testConstants(),
		WithTimeBand(dec.MustParse("10"), dec.MustParse("10.5")),
		WithMaxCandidates(2000),
	)
	require.NoError(t, err)
	assert.False(t, res.Converged)
}

func TestEvaluate_PropagatesArithmeticFailure(t *testing.T) {
	dctx := dec.Default()
	p := testPoint(t, 1)
	readings := p.Readings()

	props, err := extractProportions(dctx, readings)
	require.NoError(t, err)
	o, err := newOptions(nil)
	require.NoError(t, err)
	acceptTol, err := dctx.Sqrt(o.tolerance)
	require.NoError(t, err)

	// A flow slope this large overflows the context once the correction
	// factor is quantized; the failure must surface, not silently reject the
	// candidate.
	c := testConstants()
	c.FlowSlope = dec.MustParse("1e40")

	s := &searcher{
		dctx:      dctx,
		opts:      o,
		constants: c,
		props:     props,
		readings:  readings,
		acceptTol: acceptTol,
	}
	_, err = s.evaluate(1000, dec.MustParse("240.0"))
	require.Error(t, err)
}

func TestHarmonize_Cancellation(t *testing.T) {
	dctx := dec.Default()
	p := testPoint(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Harmonize(ctx, dctx, p, testConstants())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHarmonizeAll(t *testing.T) {
	dctx := dec.Default()
	points := []*point.Point{testPoint(t, 1), testPoint(t, 2), testPoint(t, 3)}

	results, err := HarmonizeAll(context.Background(), dctx, points, testConstants(), WithWorkers(2))
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, res := range results {
		require.NotNil(t, res, "missing result for point %d", i+1)
		assert.Equal(t, i+1, res.PointNumber, "results must keep input order")
		assert.True(t, res.Converged)
	}
}

func TestHarmonizeAll_Cancellation(t *testing.T) {
	dctx := dec.Default()
	points := []*point.Point{testPoint(t, 1), testPoint(t, 2)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := HarmonizeAll(ctx, dctx, points, testConstants())
	require.Error(t, err)
}
