package point

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmtavares/flowcal/internal/dec"
	"github.com/dmtavares/flowcal/internal/formula"
	"github.com/dmtavares/flowcal/internal/metrics"
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

func reading(pulses, time, meter, temp string) Reading {
	return Reading{
		Pulses:         dec.MustParse(pulses),
		CollectionTime: dec.MustParse(time),
		MeterReading:   dec.MustParse(meter),
		Temperature:    dec.MustParse(temp),
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(1, "Q3", []Reading{reading("1000", "240", "19.9", "25")})
	require.Error(t, err, "a single reading is not enough")
	assert.True(t, metrics.IsInsufficientData(err))

	r := reading("1000", "240", "19.9", "25")
	r.Temperature = nil
	_, err = New(1, "Q3", []Reading{r, reading("1010", "240.1", "20.1", "25")})
	assert.Error(t, err, "incomplete readings must be rejected")
}

func TestNew_SequencesAndCopies(t *testing.T) {
	src := []Reading{
		reading("1000", "240", "19.9", "25"),
		reading("1010", "240.1", "20.1", "25"),
	}
	p, err := New(2, "Q2", src)
	require.NoError(t, err)

	got := p.Readings()
	assert.Equal(t, 1, got[0].Seq)
	assert.Equal(t, 2, got[1].Seq)
	assert.Equal(t, 1, p.Master().Seq)
	assert.Equal(t, 2, p.Len())

	// Mutating the source slice must not reach the point.
	src[0].Pulses = dec.MustParse("9999")
	assert.Equal(t, 0, p.Master().Pulses.Cmp(dec.MustParse("1000")))
}

func TestDerived_SkipsUndefinedReadings(t *testing.T) {
	ctx := dec.Default()
	readings := []Reading{
		reading("1000", "240", "19.9", "25"),
		reading("1010", "0", "20.1", "25"),
		reading("990", "239.9", "19.8", "25"),
	}
	for i := range readings {
		readings[i].Seq = i + 1
	}

	derived, err := Derived(ctx, readings, testConstants())
	require.NoError(t, err)
	assert.Len(t, derived, 2, "the zero-time reading drops out")
}

func TestOriginalInvariants_FrozenOnce(t *testing.T) {
	ctx := dec.Default()
	p, err := New(1, "Q3", []Reading{
		reading("1000", "240", "19.9", "25"),
		reading("1010", "240.1", "20.1", "25"),
		reading("990", "239.95", "19.8", "25"),
	})
	require.NoError(t, err)

	first, err := p.OriginalInvariants(ctx, testConstants(), metrics.PolicyUnconditional)
	require.NoError(t, err)
	require.NotNil(t, first.MeanReferenceFlow)

	again, err := p.OriginalInvariants(ctx, testConstants(), metrics.PolicyUnconditional)
	require.NoError(t, err)
	assert.Same(t, first.MeanReferenceFlow, again.MeanReferenceFlow, "the triple is computed once and reused")
}

func TestOriginalInvariants_InsufficientValidReadings(t *testing.T) {
	ctx := dec.Default()
	p, err := New(3, "Q1", []Reading{
		reading("1000", "240", "19.9", "25"),
		reading("1010", "0", "20.1", "25"),
	})
	require.NoError(t, err)

	_, err = p.OriginalInvariants(ctx, testConstants(), metrics.PolicyUnconditional)
	require.Error(t, err)
	assert.True(t, metrics.IsInsufficientData(err))
	assert.Contains(t, err.Error(), "point 3")
}

func TestAdjustedReading_Reading(t *testing.T) {
	a := AdjustedReading{
		Seq:            2,
		OriginalPulses: dec.MustParse("1010"),
		OriginalTime:   dec.MustParse("240.1"),
		OriginalMeter:  dec.MustParse("20.2"),
		Pulses:         dec.MustParse("1008"),
		CollectionTime: dec.MustParse("240.0"),
		MeterReading:   dec.MustParse("20.1"),
		Temperature:    dec.MustParse("25"),
	}
	r := a.Reading()
	assert.Equal(t, 2, r.Seq)
	assert.Equal(t, 0, r.Pulses.Cmp(dec.MustParse("1008")))
	assert.Equal(t, 0, r.CollectionTime.Cmp(dec.MustParse("240.0")))
}
