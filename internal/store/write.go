package store

import (
	"context"
	"fmt"
	"time"
)

// WriteRun inserts a full run record in a single transaction.
// Uses ON CONFLICT DO NOTHING for idempotency - writing the same run ID twice
// leaves the first write untouched.
func (s *Store) WriteRun(ctx context.Context, rec *RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write run: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	run := rec.Run
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, created_at, precision, scale, tolerance, time_min, time_max, policy,
		 pulse_volume, meter_pulse_volume, time_slope, time_offset,
		 temp_slope, temp_offset, flow_temp_constant, flow_slope, mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
		run.Precision,
		run.Scale,
		run.Tolerance,
		run.TimeMin,
		run.TimeMax,
		run.Policy,
		run.Constants.PulseVolume,
		run.Constants.MeterPulseVolume,
		run.Constants.TimeSlope,
		run.Constants.TimeOffset,
		run.Constants.TempSlope,
		run.Constants.TempOffset,
		run.Constants.FlowTempConstant,
		run.Constants.FlowSlope,
		run.Constants.Mode,
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	for _, p := range rec.Points {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_points
			(run_id, point_number, label,
			 orig_mean_ref_flow, orig_trend, orig_std_dev,
			 ach_mean_ref_flow, ach_trend, ach_std_dev,
			 cost, converged, evaluations)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, point_number) DO NOTHING
		`,
			run.ID,
			p.PointNumber,
			p.Label,
			p.OriginalMeanRefFlow,
			p.OriginalTrend,
			p.OriginalStdDev,
			p.AchievedMeanRefFlow,
			p.AchievedTrend,
			p.AchievedStdDev,
			p.Cost,
			p.Converged,
			p.Evaluations,
		)
		if err != nil {
			return fmt.Errorf("write run point %d: %w", p.PointNumber, err)
		}

		for _, r := range p.Readings {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO adjusted_readings
				(run_id, point_number, seq,
				 orig_pulses, orig_time, orig_meter, pulses, collection_time,
				 meter_reading, temperature)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(run_id, point_number, seq) DO NOTHING
			`,
				run.ID,
				p.PointNumber,
				r.Seq,
				r.OriginalPulses,
				r.OriginalTime,
				r.OriginalMeter,
				r.Pulses,
				r.CollectionTime,
				r.MeterReading,
				r.Temperature,
			)
			if err != nil {
				return fmt.Errorf("write reading %d/%d: %w", p.PointNumber, r.Seq, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write run: commit: %w", err)
	}
	return nil
}
