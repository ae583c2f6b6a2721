package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alejandrodnm/expgov/internal/domain"
)

var tickCmd = &cobra.Command{
	Use:   "tick <experiment-id>",
	Short: "Run one tick of an experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := current.engine.Tick(cmd.Context(), args[0])
		if err != nil {
			return describe(err)
		}
		if jsonOutput {
			return printJSON(res)
		}
		current.console.PrintTickDetail(res)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Tick every RUNNING experiment once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		report := current.engine.Sweep(cmd.Context())
		if jsonOutput {
			return printJSON(report)
		}
		if err := current.console.NotifyTicks(cmd.Context(), report.Ticks); err != nil {
			return err
		}
		return reportErrors(report.Errors)
	},
}

var (
	evaluateAll  bool
	evaluateUser string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [experiment-id]",
	Short: "Run the conversion-rate significance test",
	Long: `Run the chi-square significance test on a two-variant experiment. The experiment
is completed only if a winner is declared. With --all every RUNNING experiment is evaluated.

Examples:
  expgov evaluate exp-1 --user ana
  expgov evaluate --all`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if evaluateAll {
			report := current.engine.EvaluateRunning(cmd.Context())
			if jsonOutput {
				return printJSON(report)
			}
			for _, r := range report.Evaluations {
				current.console.PrintEvaluation(r)
			}
			return reportErrors(report.Errors)
		}
		if len(args) == 0 {
			return errors.New("experiment id required (or --all)")
		}

		res, err := current.engine.Evaluate(cmd.Context(), args[0], evaluateUser)
		if err != nil {
			return describe(err)
		}
		if jsonOutput {
			return printJSON(res)
		}
		current.console.PrintEvaluation(res)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull daily insights for the entities of RUNNING experiments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if current.syncer == nil {
			return errors.New("insight sync needs META_ACCESS_TOKEN (or meta.access_token)")
		}
		report, err := current.syncer.Sync(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(report)
		}
		current.console.PrintSync(report)
		return nil
	},
}

func init() {
	evaluateCmd.Flags().BoolVar(&evaluateAll, "all", false, "evaluate every RUNNING experiment")
	evaluateCmd.Flags().StringVar(&evaluateUser, "user", "", "user id recorded on the decision log")
}

// describe añade el tipo de error del engine al mensaje.
func describe(err error) error {
	kind := domain.KindOf(err)
	if domain.IsRetryable(err) {
		return fmt.Errorf("%w (retryable)", err)
	}
	slog.Debug("expgov: command failed", "kind", kind, "err", err)
	return err
}

func reportErrors(errs []string) error {
	for _, e := range errs {
		slog.Error("expgov: experiment failed", "err", e)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d experiments failed", len(errs))
	}
	return nil
}
