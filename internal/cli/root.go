// Package cli implements the uploadq command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"recording-upload-queue/internal/config"
	"recording-upload-queue/internal/logging"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

// NewRootCommand builds the uploadq command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "uploadq",
		Short: "Offline recording upload queue",
		Long: `uploadq keeps recordings made offline in a durable queue and uploads
them when the network allows, small and short recordings first.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("UPLOADQ_CONFIG"), "YAML config file overlaid on the environment")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		newServeCommand(opts),
		newEnqueueCommand(opts),
		newListCommand(opts),
		newStatsCommand(opts),
		newHistoryCommand(opts),
		newProcessCommand(opts),
		newRetryCommand(opts),
		newRemoveCommand(opts),
		newClearCommand(opts),
		newSettingsCommand(opts),
		newAuditCommand(opts),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	return config.LoadWithFile(o.configPath)
}

// withApp opens the queue for the duration of fn.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) (err error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	var logger logging.Logger = logging.Nop()
	if o.verbose {
		logger = logging.New(cfg.Env)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, app)
}
