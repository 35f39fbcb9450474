package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/snow-ghost/skilltuner/pkg/router/httpserver"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture and optimization HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			if addr != "" {
				cfg.Server.Addr = addr
			}

			a, err := buildApp(cfg, logger, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}

			server := httpserver.NewServer(cfg.Server, httpserver.Deps{
				Store:        a.store,
				Orchestrator: a.orchestrator,
				Pipeline:     a.pipeline,
				Notifier:     a.notifier,
				Providers:    a.providers,
			}, logger.Named("http"))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()

			select {
			case err = <-errCh:
				if err != nil {
					logger.Error("HTTP server stopped", zap.Error(err))
				}
			case <-ctx.Done():
				logger.Info("Shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if serr := server.Shutdown(shutdownCtx); serr != nil {
				logger.Warn("HTTP shutdown incomplete", zap.Error(serr))
			}
			if cerr := a.Close(shutdownCtx); cerr != nil {
				logger.Warn("Failed to release resources", zap.Error(cerr))
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Override the listen address")
	return cmd
}
