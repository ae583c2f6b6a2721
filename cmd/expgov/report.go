package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alejandrodnm/expgov/internal/domain"
	"github.com/alejandrodnm/expgov/internal/ports"
)

var reportCmd = &cobra.Command{
	Use:   "report <experiment-id>",
	Short: "Show an experiment with its run history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		exp, err := current.store.GetExperiment(ctx, args[0])
		if errors.Is(err, ports.ErrNotFound) {
			return domain.NotFound("report", "experiment %s", args[0])
		}
		if err != nil {
			return err
		}
		runs, err := current.store.ListRuns(ctx, exp.ID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]any{"experiment": exp, "runs": runs})
		}
		current.console.PrintRuns(exp, runs)
		return nil
	},
}

var decisionsLimit int

var decisionsCmd = &cobra.Command{
	Use:   "decisions <project-id>",
	Short: "List the latest decisions of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if decisionsLimit <= 0 {
			return fmt.Errorf("--limit must be positive, got %d", decisionsLimit)
		}
		logs, err := current.store.ListDecisionLogs(cmd.Context(), args[0], decisionsLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(logs)
		}
		current.console.PrintDecisions(args[0], logs)
		return nil
	},
}

func init() {
	decisionsCmd.Flags().IntVar(&decisionsLimit, "limit", 100, "max decisions to show")
}
