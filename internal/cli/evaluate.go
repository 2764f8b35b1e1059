package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dmtavares/flowcal/internal/formula"
	"github.com/dmtavares/flowcal/internal/point"
)

// DerivedReport is the printable form of one reading's formula outputs.
type DerivedReport struct {
	CorrectedTime           string `json:"corrected_time"`
	CorrectedTemperature    string `json:"corrected_temperature"`
	StandardVolume          string `json:"standard_volume"`
	CorrectedStandardVolume string `json:"corrected_standard_volume"`
	ReferenceFlow           string `json:"reference_flow"`
	MeterFlow               string `json:"meter_flow"`
	PercentError            string `json:"percent_error"`
}

func derivedReport(d formula.Derived) DerivedReport {
	return DerivedReport{
		CorrectedTime:           d.CorrectedTime.String(),
		CorrectedTemperature:    d.CorrectedTemperature.String(),
		StandardVolume:          d.StandardVolume.String(),
		CorrectedStandardVolume: d.CorrectedStandardVolume.String(),
		ReferenceFlow:           d.ReferenceFlow.String(),
		MeterFlow:               d.MeterFlow.String(),
		PercentError:            d.PercentError.String(),
	}
}

// EvaluatePointReport holds one point's derived values and aggregates.
type EvaluatePointReport struct {
	Point    int             `json:"point"`
	Label    string          `json:"label"`
	Readings []DerivedReport `json:"readings"`
	Triple   TripleReport    `json:"aggregates"`
}

// EvaluateReport is the full output of the evaluate command.
type EvaluateReport struct {
	Points []EvaluatePointReport `json:"points"`
}

func (r *EvaluateReport) String() string {
	var b strings.Builder
	for _, p := range r.Points {
		fmt.Fprintf(&b, "point %d (%s)\n", p.Point, p.Label)
		for i, d := range p.Readings {
			fmt.Fprintf(&b, "  reading %d: reference flow %s, meter flow %s, error %s%%\n",
				i+1, d.ReferenceFlow, d.MeterFlow, d.PercentError)
		}
		fmt.Fprintf(&b, "  mean reference flow %s, trend %s, sample std dev %s\n",
			p.Triple.MeanReferenceFlow, p.Triple.Trend, orDash(p.Triple.SampleStdDev))
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <session-dir>",
		Short: "Evaluate a session's formula chain without adjusting anything",
		Long: `Run the full formula chain over every reading of a session and print the
derived values and per-point aggregates. Nothing is searched or adjusted;
this is the certificate math exactly as entered.

Example:
  flowcal evaluate ./session
  flowcal evaluate ./session --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runEvaluate(opts *RootOptions, sessionDir string, cmd *cobra.Command) error {
	setupLogging(opts.Verbose)
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	session, errs := LoadSession(sessionDir)
	if len(errs) > 0 {
		return sessionLoadError(formatter, errs)
	}

	report := &EvaluateReport{}
	for _, p := range session.Points {
		derived, err := point.Derived(session.Dec, p.Readings(), session.Constants)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("point %d", p.Number), err)
		}
		inv, err := p.OriginalInvariants(session.Dec, session.Constants, session.Policy())
		if err != nil {
			return WrapExitError(ExitFailure, "aggregates", err)
		}

		pr := EvaluatePointReport{
			Point:  p.Number,
			Label:  p.Label,
			Triple: tripleReport(inv),
		}
		for _, d := range derived {
			pr.Readings = append(pr.Readings, derivedReport(d))
		}
		report.Points = append(report.Points, pr)
	}

	return formatter.Success(report)
}
