package cmd

import (
	"github.com/spf13/cobra"
)

var jumptableConfig string // Run config whose jump table is printed

// jumptableCmd prints the configured jump table as CSV
var jumptableCmd = &cobra.Command{
	Use:   "jumptable",
	Short: "Print the jump table a run config selects, in CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadRunConfig(jumptableConfig)
		if err != nil {
			return err
		}
		if err := cfg.JumpTable.validate(); err != nil {
			return err
		}
		table, err := cfg.table()
		if err != nil {
			return err
		}
		return table.WriteCSV(cmd.OutOrStdout())
	},
}

func init() {
	jumptableCmd.Flags().StringVar(&jumptableConfig, "config", "", "Path to the run config YAML")
	_ = jumptableCmd.MarkFlagRequired("config")
}
