package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/apd/v3"
	"github.com/spf13/cobra"

	"github.com/dmtavares/flowcal/internal/dec"
	"github.com/dmtavares/flowcal/internal/formula"
	"github.com/dmtavares/flowcal/internal/metrics"
	"github.com/dmtavares/flowcal/internal/point"
	"github.com/dmtavares/flowcal/internal/store"
	"github.com/dmtavares/flowcal/internal/verify"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Database  string
	Tolerance string
	Semantics string
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify <run-id>",
		Short: "Re-verify a stored harmonization run",
		Long: `Recompute the aggregates of a stored run from its adjusted readings and
compare them against the frozen originals. The recomputation is independent:
only the adjusted readings and the run's own constants and decimal settings
are used, never the aggregates the search reported.

The tolerance applies to each aggregate's absolute difference by default;
--semantics relative divides the drift by the original value first.

Exits 1 if any point drifted out of tolerance.

Example:
  flowcal verify --db ./runs.db 0198b5e2-7a3c-7f6e-b1c2-9d4e5f6a7b8c`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Tolerance, "tolerance", "0.000001", "maximum allowed drift per aggregate")
	cmd.Flags().StringVar(&opts.Semantics, "semantics", string(verify.SemanticsAbsolute), "drift measure the tolerance applies to: absolute or relative")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runVerify(opts *VerifyOptions, runID string, cmd *cobra.Command) error {
	setupLogging(opts.Verbose)
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	tol, err := dec.Parse(opts.Tolerance)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid tolerance", err)
	}
	sem := verify.Semantics(opts.Semantics)
	if !sem.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid semantics %q: want absolute or relative", opts.Semantics))
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rec, err := st.ReadRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return WrapExitError(ExitCommandError, "run not found", err)
		}
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	dctx, err := dec.New(rec.Run.Precision, rec.Run.Scale)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid stored decimal settings", err)
	}
	constants, err := parseConstants(rec.Run.Constants)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid stored constants", err)
	}
	policy := metrics.AveragingPolicy(rec.Run.Policy)
	if !policy.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid stored policy %q", rec.Run.Policy))
	}

	reports := make([]*verify.Report, 0, len(rec.Points))
	for _, p := range rec.Points {
		rep, err := verifyPoint(dctx, p, constants, tol, sem, policy)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("point %d", p.PointNumber), err)
		}
		reports = append(reports, rep)
	}

	report := buildVerifyReport(runID, opts.Tolerance, string(sem), reports)
	if err := formatter.Success(report); err != nil {
		return err
	}
	if !report.AllWithin {
		return NewExitError(ExitFailure, "one or more points drifted out of tolerance")
	}
	return nil
}

// verifyPoint recomputes one stored point from its adjusted readings and
// compares against the stored original triple.
func verifyPoint(dctx *dec.Context, p store.PointRecord, c formula.Constants, tol *apd.Decimal, sem verify.Semantics, policy metrics.AveragingPolicy) (*verify.Report, error) {
	readings := make([]point.Reading, 0, len(p.Readings))
	for _, r := range p.Readings {
		reading := point.Reading{Seq: r.Seq}
		var err error
		if reading.Pulses, err = dec.Parse(r.Pulses); err != nil {
			return nil, fmt.Errorf("reading %d pulses: %w", r.Seq, err)
		}
		if reading.CollectionTime, err = dec.Parse(r.CollectionTime); err != nil {
			return nil, fmt.Errorf("reading %d time: %w", r.Seq, err)
		}
		if reading.MeterReading, err = dec.Parse(r.MeterReading); err != nil {
			return nil, fmt.Errorf("reading %d meter: %w", r.Seq, err)
		}
		if reading.Temperature, err = dec.Parse(r.Temperature); err != nil {
			return nil, fmt.Errorf("reading %d temperature: %w", r.Seq, err)
		}
		readings = append(readings, reading)
	}

	derived, err := point.Derived(dctx, readings, c)
	if err != nil {
		return nil, err
	}
	recomputed, err := metrics.Compute(dctx, derived, policy)
	if err != nil {
		return nil, err
	}
	original, err := p.OriginalInvariants()
	if err != nil {
		return nil, fmt.Errorf("stored original aggregates: %w", err)
	}

	return verify.Compare(dctx, p.PointNumber, p.Label, original, recomputed, tol, sem)
}

// parseConstants rebuilds calibration constants from their stored form.
func parseConstants(rec store.ConstantsRecord) (formula.Constants, error) {
	var c formula.Constants
	var err error
	if c.PulseVolume, err = dec.Parse(rec.PulseVolume); err != nil {
		return formula.Constants{}, fmt.Errorf("pulse_volume: %w", err)
	}
	if c.MeterPulseVolume, err = dec.Parse(rec.MeterPulseVolume); err != nil {
		return formula.Constants{}, fmt.Errorf("meter_pulse_volume: %w", err)
	}
	if c.TimeSlope, err = dec.Parse(rec.TimeSlope); err != nil {
		return formula.Constants{}, fmt.Errorf("time_slope: %w", err)
	}
	if c.TimeOffset, err = dec.Parse(rec.TimeOffset); err != nil {
		return formula.Constants{}, fmt.Errorf("time_offset: %w", err)
	}
	if c.TempSlope, err = dec.Parse(rec.TempSlope); err != nil {
		return formula.Constants{}, fmt.Errorf("temp_slope: %w", err)
	}
	if c.TempOffset, err = dec.Parse(rec.TempOffset); err != nil {
		return formula.Constants{}, fmt.Errorf("temp_offset: %w", err)
	}
	if c.FlowTempConstant, err = dec.Parse(rec.FlowTempConstant); err != nil {
		return formula.Constants{}, fmt.Errorf("flow_temp_constant: %w", err)
	}
	if c.FlowSlope, err = dec.Parse(rec.FlowSlope); err != nil {
		return formula.Constants{}, fmt.Errorf("flow_slope: %w", err)
	}
	c.Mode = formula.MeasurementMode(rec.Mode)
	return c, c.Validate()
}
