package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/poacher/internal/server"
)

func newLocateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locate",
		Short: "Print the newest assigned repository identifier",
		Args:  cobra.NoArgs,
		RunE:  runLocateCommand,
	}
}

func runLocateCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	app, err := server.Build(cmd.Context(), rt.cfg, rt.logger)
	defer app.Close(context.WithoutCancel(cmd.Context()))
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	id, probes, err := app.Locate(cmd.Context())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "newest repository id: %d (%s probes)\n", id, humanize.Comma(int64(probes)))
	return err
}
