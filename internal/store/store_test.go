package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id string, createdAt time.Time) *RunRecord {
	stddev := "0.353553390593"
	cost := "0.000000000002"
	return &RunRecord{
		Run: Run{
			ID:        id,
			CreatedAt: createdAt,
			Precision: 50,
			Scale:     12,
			Tolerance: "0.000001",
			TimeMin:   "239.6",
			TimeMax:   "240.4",
			Policy:    "unconditional",
			Constants: ConstantsRecord{
				PulseVolume:      "0.02",
				MeterPulseVolume: "0.01",
				TimeSlope:        "0",
				TimeOffset:       "0",
				TempSlope:        "0",
				TempOffset:       "0",
				FlowTempConstant: "0.1",
				FlowSlope:        "0.0005",
				Mode:             "pulsed",
			},
		},
		Points: []PointRecord{
			{
				PointNumber:         1,
				Label:               "Q3",
				OriginalMeanRefFlow: "300.000000000000",
				OriginalTrend:       "0.000000000000",
				OriginalStdDev:      &stddev,
				AchievedMeanRefFlow: "300.000000000000",
				AchievedTrend:       "0.000000000000",
				AchievedStdDev:      &stddev,
				Cost:                &cost,
				Converged:           true,
				Evaluations:         1234,
				Readings: []ReadingRecord{
					{Seq: 1, OriginalPulses: "1000", OriginalTime: "239.8", OriginalMeter: "50.0", Pulses: "1000", CollectionTime: "239.95", MeterReading: "50.0", Temperature: "25.0"},
					{Seq: 2, OriginalPulses: "1010", OriginalTime: "240.1", OriginalMeter: "50.5", Pulses: "1010", CollectionTime: "239.95", MeterReading: "50.5", Temperature: "25.0"},
				},
			},
			{
				PointNumber:         2,
				Label:               "Q2",
				OriginalMeanRefFlow: "150.000000000000",
				OriginalTrend:       "0.100000000000",
				AchievedMeanRefFlow: "150.000000000000",
				AchievedTrend:       "0.100000000000",
				Converged:           false,
				Evaluations:         250000,
				Readings: []ReadingRecord{
					{Seq: 1, OriginalPulses: "500", OriginalTime: "240.0", OriginalMeter: "10.0", Pulses: "500", CollectionTime: "240.0", MeterReading: "10.0", Temperature: "24.5"},
				},
			},
		},
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	assert.NoError(t, s2.Close())
}

func TestWriteReadRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	created := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	rec := testRecord("run-1", created)
	require.NoError(t, s.WriteRun(ctx, rec))

	got, err := s.ReadRun(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, rec.Run, got.Run)
	require.Len(t, got.Points, 2)
	assert.Equal(t, rec.Points[0], got.Points[0])
	assert.Equal(t, rec.Points[1], got.Points[1])
}

func TestWriteRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := testRecord("run-1", time.Now().UTC())
	require.NoError(t, s.WriteRun(ctx, rec))

	// A second write of the same ID is silently ignored.
	altered := testRecord("run-1", time.Now().UTC())
	altered.Points[0].Evaluations = 1
	require.NoError(t, s.WriteRun(ctx, altered))

	got, err := s.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1234, got.Points[0].Evaluations)
}

func TestReadRun_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.ReadRun(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	older := testRecord("run-old", time.Date(2026, 8, 19, 8, 0, 0, 0, time.UTC))
	newer := testRecord("run-new", time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC))
	require.NoError(t, s.WriteRun(ctx, older))
	require.NoError(t, s.WriteRun(ctx, newer))

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "run-new", runs[0].ID, "newest first")
	assert.Equal(t, "run-old", runs[1].ID)
	assert.Equal(t, 2, runs[0].Points)
	assert.Equal(t, 1, runs[0].Converged)
}

func TestPointRecord_Invariants(t *testing.T) {
	rec := testRecord("run-1", time.Now().UTC())

	inv, err := rec.Points[0].OriginalInvariants()
	require.NoError(t, err)
	assert.Equal(t, "300.000000000000", inv.MeanReferenceFlow.String())
	require.NotNil(t, inv.SampleStdDev)
	assert.Equal(t, "0.353553390593", inv.SampleStdDev.String())

	inv, err = rec.Points[1].OriginalInvariants()
	require.NoError(t, err)
	assert.Nil(t, inv.SampleStdDev)
}

func TestNewRunID_Unique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
