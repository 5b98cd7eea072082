package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/artery-go/health"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var healthAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch loop as a long-lived worker",
		Long: `Connect to the broker and run the dispatch loop until interrupted.

While serving, requests issued by this process complete on the worker, and
health checks are exposed on --health-addr (or health_addr) when set.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if healthAddr != "" {
				cfg.HealthAddr = healthAddr
			}

			logger := opts.logger(cmd, cfg)
			client, err := opts.client(cmd, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			healthErr := make(chan error, 1)
			if cfg.HealthAddr != "" {
				server := health.NewServer(cfg.HealthAddr, client.Health(), health.WithLogger(logger))
				go func() {
					healthErr <- server.ListenAndServe(ctx)
				}()
			} else {
				close(healthErr)
			}

			err = client.RunWorker(ctx, func(ctx context.Context) {
				logger.Info("worker ready", "service", cfg.Service, "servers", len(cfg.Servers))
			})
			stop()

			if herr := <-healthErr; herr != nil {
				logger.Error("health endpoint failed", "error", herr)
			}
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return WrapExitError(ExitFailure, "worker stopped", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "address of the health endpoint (overrides health_addr)")
	return cmd
}
