package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	ingestapp "github.com/stacklok/toolhive-ingest/internal/app"
	"github.com/stacklok/toolhive-ingest/internal/logger"
	"github.com/stacklok/toolhive-ingest/internal/status"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once and exit",
		Long: `Run every configured source once, wait for cleanup, and print the run record.
Interrupting the command cancels the run after the current batch commits.
The command exits non-zero when the run fails.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("failed to get config flag: %w", err)
			}
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return fmt.Errorf("failed to get format flag: %w", err)
			}

			run, err := runOnce(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			if err := renderRun(cmd.OutOrStdout(), format, run); err != nil {
				return err
			}
			if run.Status != status.RunStatusCompleted {
				return fmt.Errorf("run %s finished %s", run.ID, run.Status)
			}
			return nil
		},
	}

	cmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	cmd.Flags().String("format", formatTable, "Output format (table or json)")
	return cmd
}

func runOnce(parent context.Context, configPath string) (*status.PipelineRun, error) {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ingest, err := ingestapp.NewIngestApp(ctx, ingestapp.WithConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer func() {
		if err := ingest.Stop(defaultGracefulTimeout); err != nil {
			logger.Errorf("Failed to stop pipeline: %v", err)
		}
	}()

	orch := ingest.Components().Orchestrator
	handle, err := orch.StartRun(ctx, status.TriggerManual)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	logger.Infof("Started run %s", handle.ID())

	run, err := handle.Wait(ctx)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, context.Canceled) {
		return nil, err
	}

	logger.Warnf("Interrupted, cancelling run %s", handle.ID())
	if cancelErr := orch.Cancel(context.Background(), handle.ID()); cancelErr != nil {
		logger.Warnf("Failed to cancel run %s: %v", handle.ID(), cancelErr)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	return handle.Wait(waitCtx)
}
