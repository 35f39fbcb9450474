package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/snow-ghost/skilltuner/pkg/streaming"
)

func newReconstructCommand() *cobra.Command {
	var (
		kind      string
		showStats bool
	)

	cmd := &cobra.Command{
		Use:   "reconstruct <file|->",
		Short: "Rebuild a non-streamed response body from captured stream chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer in.Close() //nolint:errcheck

			res, err := streaming.ReconstructReader(cmd.Context(), in, streaming.ResponseKind(kind))
			if err != nil {
				return fmt.Errorf("failed to reconstruct: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, string(res.Body))
			if showStats {
				fmt.Fprintf(cmd.ErrOrStderr(), "frames=%d skipped=%d usage_estimated=%t\n",
					res.Stats.Frames, res.Stats.Skipped, res.Stats.UsageEstimated)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", string(streaming.KindChatCompletion), "Response kind: chat_completion or responses")
	cmd.Flags().BoolVar(&showStats, "stats", false, "Print reconstruction statistics to stderr")
	return cmd
}

func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}
