// Package cmd defines the CLI for the scrape service.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danavision/crawl-service/internal/config"
	"github.com/danavision/crawl-service/internal/scrape"
	"github.com/danavision/crawl-service/internal/server"
)

var cfgFile string

type appKeyType string

const appKey appKeyType = "app"

// App is what subcommands need from the assembled service. Tests swap in
// their own through newApp.
type App interface {
	Logger() *zap.Logger
	Scheduler() *scrape.Scheduler
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scraper",
		Short: "Headless-browser scrape service",
		Long: `scraper renders pages in headless Chrome and returns their markdown,
HTML, and title. "serve" runs the HTTP API; "fetch" scrapes URLs once and
prints the JSON result.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := applyFlagOverrides(cmd, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				return appInstance.Close(cmd.Context())
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON, or TOML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newFetchCmd())
	return cmd
}

// applyFlagOverrides copies explicitly set command flags over the loaded config.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		port, err := flags.GetInt("port")
		if err != nil {
			return fmt.Errorf("read --port: %w", err)
		}
		cfg.Server.Port = port
	}
	if flags.Changed("host") {
		host, err := flags.GetString("host")
		if err != nil {
			return fmt.Errorf("read --host: %w", err)
		}
		cfg.Server.Host = host
	}
	if flags.Changed("max-concurrent") {
		n, err := flags.GetInt("max-concurrent")
		if err != nil {
			return fmt.Errorf("read --max-concurrent: %w", err)
		}
		cfg.Scrape.MaxConcurrent = n
	}
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
