package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound marks a run ID with no stored record.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is the listing view of a stored run.
type RunSummary struct {
	ID        string
	CreatedAt time.Time
	Points    int
	Converged int
}

// ReadRun returns a full run record with deterministic ordering: points by
// number, readings by sequence.
func (s *Store) ReadRun(ctx context.Context, id string) (*RunRecord, error) {
	run, err := s.readRun(ctx, id)
	if err != nil {
		return nil, err
	}

	rec := &RunRecord{Run: *run}
	rec.Points, err = s.readPoints(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) readRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, precision, scale, tolerance, time_min, time_max, policy,
		       pulse_volume, meter_pulse_volume, time_slope, time_offset,
		       temp_slope, temp_offset, flow_temp_constant, flow_slope, mode
		FROM runs
		WHERE id = ?
	`, id)

	var run Run
	var createdAt string
	err := row.Scan(
		&run.ID,
		&createdAt,
		&run.Precision,
		&run.Scale,
		&run.Tolerance,
		&run.TimeMin,
		&run.TimeMax,
		&run.Policy,
		&run.Constants.PulseVolume,
		&run.Constants.MeterPulseVolume,
		&run.Constants.TimeSlope,
		&run.Constants.TimeOffset,
		&run.Constants.TempSlope,
		&run.Constants.TempOffset,
		&run.Constants.FlowTempConstant,
		&run.Constants.FlowSlope,
		&run.Constants.Mode,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read run: %w", err)
	}

	run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("read run: parse created_at: %w", err)
	}
	return &run, nil
}

func (s *Store) readPoints(ctx context.Context, runID string) ([]PointRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT point_number, label,
		       orig_mean_ref_flow, orig_trend, orig_std_dev,
		       ach_mean_ref_flow, ach_trend, ach_std_dev,
		       cost, converged, evaluations
		FROM run_points
		WHERE run_id = ?
		ORDER BY point_number ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run points: %w", err)
	}
	defer rows.Close()

	points := []PointRecord{}
	for rows.Next() {
		var p PointRecord
		if err := rows.Scan(
			&p.PointNumber,
			&p.Label,
			&p.OriginalMeanRefFlow,
			&p.OriginalTrend,
			&p.OriginalStdDev,
			&p.AchievedMeanRefFlow,
			&p.AchievedTrend,
			&p.AchievedStdDev,
			&p.Cost,
			&p.Converged,
			&p.Evaluations,
		); err != nil {
			return nil, fmt.Errorf("scan run point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run points: %w", err)
	}

	for i := range points {
		points[i].Readings, err = s.readReadings(ctx, runID, points[i].PointNumber)
		if err != nil {
			return nil, err
		}
	}
	return points, nil
}

func (s *Store) readReadings(ctx context.Context, runID string, pointNumber int) ([]ReadingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, orig_pulses, orig_time, orig_meter, pulses, collection_time,
		       meter_reading, temperature
		FROM adjusted_readings
		WHERE run_id = ? AND point_number = ?
		ORDER BY seq ASC
	`, runID, pointNumber)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	readings := []ReadingRecord{}
	for rows.Next() {
		var r ReadingRecord
		if err := rows.Scan(
			&r.Seq,
			&r.OriginalPulses,
			&r.OriginalTime,
			&r.OriginalMeter,
			&r.Pulses,
			&r.CollectionTime,
			&r.MeterReading,
			&r.Temperature,
		); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return readings, nil
}

// ListRuns returns stored runs newest first, with point and convergence
// counts.
func (s *Store) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.created_at,
		       COUNT(p.point_number),
		       COALESCE(SUM(p.converged), 0)
		FROM runs r
		LEFT JOIN run_points p ON p.run_id = r.id
		GROUP BY r.id
		ORDER BY r.created_at DESC, r.id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	summaries := []RunSummary{}
	for rows.Next() {
		var sum RunSummary
		var createdAt string
		if err := rows.Scan(&sum.ID, &createdAt, &sum.Points, &sum.Converged); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		sum.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return summaries, nil
}
