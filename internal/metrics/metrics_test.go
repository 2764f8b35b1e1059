package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmtavares/flowcal/internal/dec"
	"github.com/dmtavares/flowcal/internal/formula"
)

// blocks builds derived blocks carrying only the fields the aggregates read.
func blocks(refFlows, meterFlows, percentErrs []string) []formula.Derived {
	out := make([]formula.Derived, len(percentErrs))
	for i := range out {
		if refFlows != nil {
			out[i].ReferenceFlow = dec.MustParse(refFlows[i])
		}
		if meterFlows != nil {
			out[i].MeterFlow = dec.MustParse(meterFlows[i])
		}
		out[i].PercentError = dec.MustParse(percentErrs[i])
	}
	return out
}

func TestMeanReferenceFlow(t *testing.T) {
	ctx := dec.Default()
	d := blocks([]string{"299.25", "300.75", "300.00"}, nil, []string{"0", "0", "0"})

	got, err := MeanReferenceFlow(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(dec.MustParse("300")), "got %s", got)
}

func TestTrend_Policies(t *testing.T) {
	ctx := dec.Default()
	d := blocks(nil, nil, []string{"0", "2", "4"})

	got, err := Trend(ctx, d, PolicyUnconditional)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(dec.MustParse("2")), "unconditional counts the zero, got %s", got)

	got, err = Trend(ctx, d, PolicyFilterZero)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(dec.MustParse("3")), "filter-zero drops the zero, got %s", got)

	_, err = Trend(ctx, d, AveragingPolicy("bogus"))
	assert.Error(t, err)
}

func TestTrend_AllZeroFiltered(t *testing.T) {
	ctx := dec.Default()
	d := blocks(nil, nil, []string{"0", "0"})

	got, err := Trend(ctx, d, PolicyFilterZero)
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "a fully filtered set averages to zero")
}

func TestSampleStdDev(t *testing.T) {
	ctx := dec.Default()

	// diffs from the mean 2 are -1, 0, 1: variance 1, stddev 1.
	d := blocks(nil, nil, []string{"1", "2", "3"})
	got, err := SampleStdDev(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(dec.MustParse("1")), "got %s", got)

	// sqrt(0.5) at twelve digits, half-up.
	d = blocks(nil, nil, []string{"1", "2"})
	got, err = SampleStdDev(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(dec.MustParse("0.707106781187")), "got %s", got)
}

func TestSampleStdDev_UndefinedBelowTwo(t *testing.T) {
	ctx := dec.Default()

	// Zeros are excluded, leaving a single usable value.
	d := blocks(nil, nil, []string{"0", "0", "5"})
	got, err := SampleStdDev(ctx, d)
	require.NoError(t, err)
	assert.Nil(t, got, "fewer than two usable values has no sample deviation")
}

func TestCompute(t *testing.T) {
	ctx := dec.Default()
	d := blocks(
		[]string{"299.25", "300.75"},
		[]string{"298.5", "300.0"},
		[]string{"-0.25", "0.25"},
	)

	inv, err := Compute(ctx, d, PolicyUnconditional)
	require.NoError(t, err)
	assert.Equal(t, 0, inv.MeanReferenceFlow.Cmp(dec.MustParse("300")))
	assert.True(t, inv.Trend.IsZero())
	// diffs from the zero mean are +/-0.25: variance 0.125, sqrt half-up.
	assert.Equal(t, 0, inv.SampleStdDev.Cmp(dec.MustParse("0.353553390593")), "got %s", inv.SampleStdDev)
}

func TestCompute_InsufficientData(t *testing.T) {
	ctx := dec.Default()
	d := blocks([]string{"300"}, []string{"299"}, []string{"-0.1"})

	_, err := Compute(ctx, d, PolicyUnconditional)
	require.Error(t, err)
	assert.True(t, IsInsufficientData(err))

	var ie *InsufficientDataError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 1, ie.Valid)
}
