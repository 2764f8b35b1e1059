package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_FormulaChain(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/formula-chain.yaml")
	require.NoError(t, err)

	rep, err := Run(sc)
	require.NoError(t, err)

	require.Len(t, rep.Points, 1)
	p := rep.Points[0]
	require.Len(t, p.Readings, 2)

	assert.Equal(t, "299.250000000000", p.Readings[0].ReferenceFlow)
	assert.Equal(t, "-0.250626566416", p.Readings[0].PercentError)
	assert.Equal(t, "302.237955000000", p.Readings[1].ReferenceFlow)
	assert.Equal(t, "300.743977500000", p.Aggregates.MeanReferenceFlow)
	assert.Equal(t, "-0.247395071381", p.Aggregates.Trend)
	assert.Equal(t, "0.004570024070", p.Aggregates.SampleStdDev)
	assert.Nil(t, p.Harmonized)

	assert.Empty(t, CheckExpectations(sc, rep))
}

func TestRun_HarmonizeBand(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/harmonize-band.yaml")
	require.NoError(t, err)

	rep, err := Run(sc)
	require.NoError(t, err)

	require.Len(t, rep.Points, 1)
	h := rep.Points[0].Harmonized
	require.NotNil(t, h)
	assert.True(t, h.Converged)
	assert.Len(t, h.Adjusted, 3)

	assert.Empty(t, CheckExpectations(sc, rep))
}

func TestCheckExpectations_ReportsMismatch(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/formula-chain.yaml")
	require.NoError(t, err)

	rep, err := Run(sc)
	require.NoError(t, err)

	agg := sc.Expect.Aggregates["Q3"]
	agg.Trend = "0"
	sc.Expect.Aggregates["Q3"] = agg

	errs := CheckExpectations(sc, rep)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "trend")
}

func TestRun_BadConstants(t *testing.T) {
	sc := &Scenario{
		Name:      "bad",
		Constants: map[string]string{"pulse_volume": "zero point zero two"},
		Points: []ScenarioPoint{{
			Label: "Q1",
			Readings: []ScenarioReading{
				{Pulses: "1", Time: "240", Meter: "1", Temperature: "25"},
				{Pulses: "2", Time: "240", Meter: "2", Temperature: "25"},
			},
		}},
	}
	_, err := Run(sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pulse_volume")
}
