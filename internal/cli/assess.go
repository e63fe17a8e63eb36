package cli

import (
	"fmt"

	"github.com/ashureev/aether-labs/internal/assessment"
	"github.com/ashureev/aether-labs/internal/domain"
	"github.com/ashureev/aether-labs/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var runProgram = func(m tea.Model) error {
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

// AssessCmd runs the assessment wizard in the terminal.
func AssessCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "assess",
		Short: "Take the workshop assessment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cat, err := opts.load()
			if err != nil {
				return err
			}
			logger := opts.logger(cmd)

			flow := assessment.NewFlow(cat,
				assessment.WithScheduler(assessment.WallClock()),
				assessment.WithSubmitter(assessment.SimulatedSubmitter{Logger: logger}),
				assessment.WithLogger(logger),
			)
			defer func() { _ = flow.Close() }()

			model := tui.NewModel(flow, cat)
			if err := runProgram(model); err != nil {
				return fmt.Errorf("run assessment: %w", err)
			}

			snap := flow.Snapshot()
			out := cmd.OutOrStdout()
			switch {
			case snap.Phase == domain.PhaseSuccess:
				fmt.Fprintf(out, "Thanks! Your workshop brief is on its way (reference %s).\n", snap.ReceiptID)
			case snap.Phase == domain.PhaseProcessing:
				fmt.Fprintln(out, "Submission received. Your brief is still being prepared.")
			default:
				fmt.Fprintln(out, "Assessment closed without submitting.")
			}
			return nil
		},
	}
}
