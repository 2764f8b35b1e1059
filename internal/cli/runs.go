package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmtavares/flowcal/internal/store"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	Database string
}

// RunSummaryReport is the printable form of one stored run.
type RunSummaryReport struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	Points    int    `json:"points"`
	Converged int    `json:"converged"`
}

// RunsReport is the full output of the runs command.
type RunsReport struct {
	Runs []RunSummaryReport `json:"runs"`
}

func (r *RunsReport) String() string {
	if len(r.Runs) == 0 {
		return "no stored runs"
	}
	var b strings.Builder
	for _, run := range r.Runs {
		fmt.Fprintf(&b, "%s  %s  %d/%d points converged\n", run.ID, run.CreatedAt, run.Converged, run.Points)
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored harmonization runs",
		Long: `List every harmonization run stored in the database, newest first.

Example:
  flowcal runs --db ./runs.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runRuns(opts *RunsOptions, cmd *cobra.Command) error {
	setupLogging(opts.Verbose)
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
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

	summaries, err := st.ListRuns(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	report := &RunsReport{Runs: []RunSummaryReport{}}
	for _, s := range summaries {
		report.Runs = append(report.Runs, RunSummaryReport{
			ID:        s.ID,
			CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
			Points:    s.Points,
			Converged: s.Converged,
		})
	}
	return formatter.Success(report)
}
