// Package cmd defines and implements the CLI commands for the poacher
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/poacher/internal/config"
	"github.com/JakeFAU/poacher/internal/logging"
)

const banner = `
                            __
    ____  ____  ____ ______/ /_  ___  _____
   / __ \/ __ \/ __ ` + "`" + `/ ___/ __ \/ _ \/ ___/
  / /_/ / /_/ / /_/ / /__/ / / /  __/ /
 / .___/\____/\__,_/\___/_/ /_/\___/_/
/_/`

// runtimeKeyType is the key for storing the runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime carries what every subcommand needs once flags are parsed.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

type rootOptions struct {
	cfgFile string
	verbose bool
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "poacher",
		Short: "Discover newly created GitHub repositories as they appear.",
		Long: `poacher locates the newest repository identifier on GitHub, then polls
the public listing API for every repository created after it. Each new
repository can be handed to a handler, which decides whether its working copy
is archived or discarded. Discovery velocity is tracked across sessions in a
checkpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(opts)
			if err != nil {
				return err
			}
			if opts.verbose {
				printBanner(cmd.ErrOrStderr())
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, rt))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok && rt != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging and startup banner")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newLocateCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

func newRuntime(opts *rootOptions) (*runtime, error) {
	cfg, err := config.Load(opts.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return &runtime{cfg: cfg, logger: logger}, nil
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

func printBanner(w io.Writer) {
	_, _ = color.New(color.FgGreen, color.Bold).Fprintln(w, banner)
	_, _ = color.New(color.Faint).Fprintln(w, "  new repositories, as they happen")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	return execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		if rt, rtErr := resolveRuntime(root.Context()); rtErr == nil {
			rt.logger.Error("command failed", zap.Error(err))
		}
		_, _ = color.New(color.FgRed).Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
