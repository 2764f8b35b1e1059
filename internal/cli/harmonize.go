package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmtavares/flowcal/internal/search"
	"github.com/dmtavares/flowcal/internal/store"
)

// HarmonizeOptions holds flags for the harmonize command.
type HarmonizeOptions struct {
	*RootOptions
	Database string
}

// NewHarmonizeCommand creates the harmonize command.
func NewHarmonizeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HarmonizeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "harmonize <session-dir>",
		Short: "Harmonize collection times for a calibration session",
		Long: `Harmonize the collection times of every calibration point in a session.

The session directory holds CUE files describing the calibration constants,
the points with their readings, and the search settings. For each point the
search looks for adjusted pulse counts and collection times inside the
configured band that preserve the certificate aggregates.

Exits 1 if any point fails to converge; the best-effort adjustments are still
reported (and stored when --db is given).

Example:
  flowcal harmonize ./session
  flowcal harmonize --db ./runs.db ./session --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarmonize(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database for storing the run")

	return cmd
}

func runHarmonize(opts *HarmonizeOptions, sessionDir string, cmd *cobra.Command) error {
	setupLogging(opts.Verbose)
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	slog.Info("loading session", "dir", sessionDir)
	session, errs := LoadSession(sessionDir)
	if len(errs) > 0 {
		return sessionLoadError(formatter, errs)
	}
	slog.Info("session loaded", "points", len(session.Points))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	results, err := search.HarmonizeAll(ctx, session.Dec, session.Points, session.Constants, session.SearchOptions()...)
	if err != nil {
		return WrapExitError(ExitFailure, "harmonization failed", err)
	}

	report := buildHarmonizeReport(results)

	if opts.Database != "" {
		runID, err := storeRun(ctx, opts.Database, session, results)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to store run", err)
		}
		report.RunID = runID
		slog.Info("run stored", "id", runID, "db", opts.Database)
	}

	if err := formatter.Success(report); err != nil {
		return err
	}
	if !report.AllConverged {
		return NewExitError(ExitFailure, "one or more points did not converge")
	}
	return nil
}

// storeRun persists the results and returns the new run ID.
func storeRun(ctx context.Context, path string, session *Session, results []*search.Result) (string, error) {
	st, err := store.Open(path)
	if err != nil {
		return "", err
	}
	defer st.Close()

	run := store.Run{
		ID:        store.NewRunID(),
		CreatedAt: time.Now().UTC(),
		Precision: session.Settings.Precision,
		Scale:     session.Settings.Scale,
		Tolerance: session.Settings.Tolerance,
		TimeMin:   session.Settings.TimeMin,
		TimeMax:   session.Settings.TimeMax,
		Policy:    session.Settings.Policy,
		Constants: store.RecordConstants(session.Constants),
	}
	if err := st.WriteRun(ctx, store.RecordResults(run, results)); err != nil {
		return "", err
	}
	return run.ID, nil
}

// sessionLoadError reports loader errors and maps them to a command error.
func sessionLoadError(formatter *OutputFormatter, errs []error) error {
	for _, err := range errs {
		code := ErrCodeGeneric
		if le, ok := err.(*LoadError); ok {
			code = le.Code
		}
		_ = formatter.Error(code, err.Error(), nil)
	}
	return NewExitError(ExitCommandError, "failed to load session")
}

// setupLogging configures slog based on the verbose flag.
func setupLogging(verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
