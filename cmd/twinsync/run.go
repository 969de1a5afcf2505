package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/danielorbach/go-component"
	"github.com/spf13/cobra"

	"github.com/go-digitaltwin/twinsync/deploy"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the twins of the configuration until interrupted",
		Long: `Run opens every topic, subscription and database the configuration names,
starts the twins and keeps them synchronized until SIGINT or SIGTERM. The twins
are then stopped and everything opened is closed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.LogLevel}))
			ctx := component.InjectLogger(cmd.Context(), logger)
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := deploy.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := d.Close(context.WithoutCancel(ctx)); err != nil {
					logger.Error("Couldn't close deployment", slog.Any("error", err))
				}
			}()
			logger.Info("Running twins", slog.Any("twins", d.Engine().Twins()))
			return d.Run(ctx)
		},
	}
}
