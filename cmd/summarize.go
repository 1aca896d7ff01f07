package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/adaptive-sim/adaptive-sim/sim/trace"
)

var (
	summaryHeader string // Artifact header path
	summaryData   string // Artifact data path
)

// summarizeCmd recomputes the run summary from an exported artifact
var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Summarize an exported run artifact",
	RunE: func(cmd *cobra.Command, args []string) error {
		if summaryHeader == "" || summaryData == "" {
			return errors.New("--header and --data are required")
		}
		art, err := trace.LoadRunArtifact(summaryHeader, summaryData)
		if err != nil {
			return err
		}
		return printSummary(cmd.OutOrStdout(), trace.Summarize(art))
	},
}

func init() {
	summarizeCmd.Flags().StringVar(&summaryHeader, "header", "", "Artifact header (YAML)")
	summarizeCmd.Flags().StringVar(&summaryData, "data", "", "Artifact epoch rows (CSV)")
}
