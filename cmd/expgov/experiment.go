package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alejandrodnm/expgov/internal/domain"
	"github.com/alejandrodnm/expgov/internal/ports"
)

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Manage experiment definitions",
	Long:  `Load experiment definitions from YAML and move them through PLANNED → RUNNING → STOPPED.`,
}

var experimentLoadCmd = &cobra.Command{
	Use:   "load <file.yaml> [file.yaml...]",
	Short: "Load or redefine PLANNED experiments",
	Long: `Load experiment definitions. A definition can be replaced while it is PLANNED;
once started it is immutable.

Examples:
  expgov experiment load experiments/headline.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExperimentLoad,
}

var experimentStartCmd = &cobra.Command{
	Use:   "start <experiment-id>",
	Short: "Start a PLANNED experiment (sets startedAt)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := current.store.StartExperiment(cmd.Context(), args[0], time.Now())
		if err != nil {
			return transitionError("start", args[0], err)
		}
		slog.Info("expgov: experiment started", "experiment_id", args[0])
		return nil
	},
}

var experimentStopCmd = &cobra.Command{
	Use:   "stop <experiment-id>",
	Short: "Stop an experiment without a decision (sets endedAt)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := current.store.StopExperiment(cmd.Context(), args[0], time.Now())
		if err != nil {
			return transitionError("stop", args[0], err)
		}
		slog.Info("expgov: experiment stopped", "experiment_id", args[0])
		return nil
	},
}

var listStatus string

var experimentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		exps, err := current.store.ListExperimentsByStatus(cmd.Context(), domain.ExperimentStatus(listStatus))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(exps)
		}
		if len(exps) == 0 {
			fmt.Printf("No %s experiments.\n", listStatus)
			return nil
		}
		for _, e := range exps {
			started := "-"
			if e.StartedAt != nil {
				started = e.StartedAt.UTC().Format("2006-01-02 15:04")
			}
			fmt.Printf("%-36s %-10s %-8s %-16s %s\n", e.ID, e.ProjectID, e.Rules.PrimaryMetric, started, e.Name)
		}
		return nil
	},
}

func init() {
	experimentListCmd.Flags().StringVar(&listStatus, "status", string(domain.StatusRunning), "PLANNED|RUNNING|COMPLETED|STOPPED")
	experimentCmd.AddCommand(experimentLoadCmd, experimentStartCmd, experimentStopCmd, experimentListCmd)
}

func runExperimentLoad(cmd *cobra.Command, args []string) error {
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %q: %w", path, err)
		}
		exp, err := parseDefinition(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := current.store.CreateExperiment(cmd.Context(), exp); err != nil {
			if errors.Is(err, ports.ErrConflict) {
				return fmt.Errorf("%s: experiment %s already started, definitions are immutable", path, exp.ID)
			}
			return err
		}
		slog.Info("expgov: experiment loaded", "experiment_id", exp.ID, "variants", len(exp.Variants), "file", path)
		if !jsonOutput {
			fmt.Println(exp.ID)
		}
	}
	return nil
}

func transitionError(action, id string, err error) error {
	switch {
	case errors.Is(err, ports.ErrNotFound):
		return domain.NotFound(action, "experiment %s", id)
	case errors.Is(err, ports.ErrConflict):
		return domain.Invalid(action, "experiment %s cannot %s from its current status", id, action)
	}
	return err
}
