package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	ingestapp "github.com/stacklok/toolhive-ingest/internal/app"
	"github.com/stacklok/toolhive-ingest/internal/config"
	"github.com/stacklok/toolhive-ingest/internal/logger"
)

const defaultGracefulTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	// Flags may also be set as THV_INGEST_ADDRESS and THV_INGEST_CONFIG.
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ingest server",
		Long: `Start the ingest server: the HTTP API for triggering and inspecting runs,
the progress event stream, and the run scheduler when pipeline.schedule is set.

The database schema in database/migrations must already be applied.
See examples/ directory for sample configurations.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v.GetString("config"), v.GetString("address"))
		},
	}

	cmd.Flags().String("address", ":8080", "Address to listen on")
	cmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	cobra.CheckErr(v.BindPFlag("address", cmd.Flags().Lookup("address")))
	cobra.CheckErr(v.BindPFlag("config", cmd.Flags().Lookup("config")))

	return cmd
}

func runServe(parent context.Context, configPath, address string) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ingest, err := ingestapp.NewIngestApp(ctx,
		ingestapp.WithConfig(cfg),
		ingestapp.WithAddress(address),
	)
	if err != nil {
		return fmt.Errorf("failed to build ingest server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- ingest.Start()
	}()

	select {
	case err = <-errCh:
		if err != nil {
			logger.Errorf("Server stopped: %v", err)
		}
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	if stopErr := ingest.Stop(defaultGracefulTimeout); stopErr != nil {
		return fmt.Errorf("shutdown failed: %w", stopErr)
	}
	logger.Info("Server shutdown complete")
	return err
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Infof("Loaded configuration from %s (%d sources, %s storage)",
		configPath, len(cfg.Sources), cfg.Storage.Type)
	return cfg, nil
}
