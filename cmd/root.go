// Package cmd defines and implements the CLI commands for the scopus-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scopus-crawler/internal/config"
	"github.com/JakeFAU/scopus-crawler/internal/importer"
	"github.com/JakeFAU/scopus-crawler/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

const closeTimeout = 10 * time.Second

// App defines the application surface the commands use, so tests can inject
// a fake.
type App interface {
	Run(ctx context.Context) error
	RunImport(ctx context.Context, location string, execute bool, concurrency int) (importer.Summary, error)
	SweepOnce(ctx context.Context) (int, error)
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, &cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "scopus-crawler",
		Short: "Resumable subject-area crawler for the Scopus search API.",
		Long: `scopus-crawler runs searches against the Scopus search API one subject
category at a time, checkpointing the pagination cursor so interrupted
searches resume where they stopped, and aggregates the results by
subject classification.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed but before the
		// subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
			defer cancel()
			if err := appInstance.Close(ctx); err != nil {
				appInstance.Logger().Warn("application close failed", zap.Error(err))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, /etc/scopus-crawler, $HOME/.scopus-crawler)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newSweepCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	if ctx == nil {
		return nil, errors.New("application context is missing")
	}
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application was not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "command execution failed: %v\n", err)
		os.Exit(1)
	}
}
