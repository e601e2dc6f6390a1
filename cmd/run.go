package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/poacher/internal/server"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Locate the newest repository and poll for new ones until interrupted",
		Long: `Bootstraps a discovery session from the saved checkpoint, then polls the
listing API and hands each new repository to the configured handler. SIGINT or
SIGTERM finishes the current repository, saves the checkpoint and exits 0.`,
		Args: cobra.NoArgs,
		RunE: runRunCommand,
	}
}

func runRunCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, rt.cfg, rt.logger)
	defer app.Close(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("run discovery: %w", err)
	}
	rt.logger.Info("poacher stopped", zap.Int64("newest_id", app.Stats().NewestID))
	return nil
}
