// Package cmd defines and implements the CLI commands for the webpeel
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webpeel/webpeel/internal/config"
	"github.com/webpeel/webpeel/internal/engine"
	"github.com/webpeel/webpeel/internal/logging"
)

var cfgFile string

// appKeyType is the key for storing the app in the context.
type appKeyType string

const appKey appKeyType = "app"

// app bundles the services every subcommand needs.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	engine *engine.Engine
}

func (a *app) close() {
	a.engine.Cleanup()
	_ = a.logger.Sync()
}

// newApp is the application factory. It is a variable so tests can swap in
// a stub factory.
var newApp = func() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &app{cfg: cfg, logger: logger, engine: engine.New(cfg, logger)}, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webpeel",
		Short: "Fetches web pages over plain HTTP or a pooled headless browser.",
		Long: `webpeel retrieves web pages through two pipelines: a fast
connection-pooled HTTP path and a headless-browser path for pages that
need JavaScript rendering, scripted interaction or screenshots. Both
paths validate URLs against internal-network targets before any request
leaves the process.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp()
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app); ok && appInstance != nil {
				appInstance.close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional; environment variables with the WEBPEEL_ prefix also apply)")

	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newScreenshotCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*app, error) {
	appInstance, ok := ctx.Value(appKey).(*app)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() error {
	return newRootCmd().Execute()
}
