package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/snow-ghost/skilltuner/pkg/evaluation"
	"github.com/snow-ghost/skilltuner/pkg/router/core"
)

func newEvaluateCommand(flags *globalFlags) *cobra.Command {
	var (
		evaluationID string
		datasetID    string
		logIDs       []string
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run an evaluation over a dataset or explicit logs",
		Long: `Runs one evaluation against the configured store and prints the run as JSON.
Exits with status 1 when the run finishes as failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if evaluationID == "" {
				return errors.New("--evaluation is required")
			}
			if datasetID == "" && len(logIDs) == 0 {
				return errors.New("one of --dataset or --logs is required")
			}

			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			a, err := buildApp(cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context()) //nolint:errcheck

			run, runErr := a.pipeline.Run(cmd.Context(), evaluation.RunRequest{
				EvaluationID: evaluationID,
				DatasetID:    datasetID,
				LogIDs:       logIDs,
			})
			if run == nil {
				return runErr
			}
			if err := printRun(cmd, run); err != nil {
				return err
			}
			if run.Status == core.RunStatusFailed {
				return &RunFailedError{RunID: run.ID, Reason: run.Error}
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&evaluationID, "evaluation", "e", "", "Evaluation ID")
	cmd.Flags().StringVarP(&datasetID, "dataset", "d", "", "Dataset ID to evaluate")
	cmd.Flags().StringSliceVar(&logIDs, "logs", nil, "Explicit log IDs (overrides --dataset)")
	return cmd
}

func printRun(cmd *cobra.Command, run *core.EvaluationRun) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
