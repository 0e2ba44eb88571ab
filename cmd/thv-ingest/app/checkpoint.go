package app

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stacklok/toolhive-ingest/internal/logger"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and reset source checkpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}
	cmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the stored checkpoint of every source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return fmt.Errorf("failed to get format flag: %w", err)
			}
			if err := checkFormat(format); err != nil {
				return err
			}

			s, err := storesFromFlags(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			checkpoints, err := s.checkpoints.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}
			return renderCheckpoints(cmd.OutOrStdout(), format, checkpoints)
		},
	}
	listCmd.Flags().String("format", formatTable, "Output format (table or json)")

	resetCmd := &cobra.Command{
		Use:   "reset SOURCE",
		Short: "Delete the checkpoint of a source so the next run starts from the beginning",
		Long: `Delete the checkpoint of a source so the next run re-reads it from position 0.
Records already ingested are upserted again, not duplicated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, err := cmd.Flags().GetBool("yes")
			if err != nil {
				return fmt.Errorf("failed to get yes flag: %w", err)
			}
			if !yes && !confirm(cmd, fmt.Sprintf("Reset checkpoint of source %s?", args[0])) {
				logger.Info("Reset cancelled")
				return nil
			}

			s, err := storesFromFlags(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.checkpoints.Reset(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to reset checkpoint: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint of source %s reset\n", args[0])
			return err
		},
	}
	resetCmd.Flags().BoolP("yes", "y", false, "Answer yes to all questions")

	cmd.AddCommand(listCmd, resetCmd)
	return cmd
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return fmt.Errorf("failed to get format flag: %w", err)
			}
			if err := checkFormat(format); err != nil {
				return err
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return fmt.Errorf("failed to get limit flag: %w", err)
			}
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}

			s, err := storesFromFlags(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			runs, err := s.runs.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			return renderRuns(cmd.OutOrStdout(), format, runs)
		},
	}
	cmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	cmd.Flags().String("format", formatTable, "Output format (table or json)")
	cmd.Flags().Int("limit", 20, "Maximum number of runs to list")
	return cmd
}

func storesFromFlags(cmd *cobra.Command) (*stores, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return openStores(cmd.Context(), cfg)
}

// confirm asks a yes/no question on the command's input stream.
func confirm(cmd *cobra.Command, prompt string) bool {
	if _, err := fmt.Fprintf(cmd.ErrOrStderr(), "%s (yes/no): ", prompt); err != nil {
		return false
	}
	response, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && response == "" {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "yes" || response == "y"
}
