package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/coachpo/mediation/internal/config"
	"github.com/coachpo/mediation/internal/observability"
)

const defaultConfigPath = "config/mediation.yaml"

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "mediationd",
		Short:         "Ad network mediation runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level override: debug|info|warn|error")

	root.AddCommand(newRunCmd(opts), newValidateCmd(opts))
	return root
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then print it normalised",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context(), resolveConfigPath(opts.configPath))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), cfg)
		},
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

// loadConfig returns the configuration file contents or defaults when it does not exist.
func loadConfig(ctx context.Context, opts *rootOptions) (config.AppConfig, error) {
	cfg, err := config.LoadOrDefault(ctx, resolveConfigPath(opts.configPath))
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) (observability.Logger, error) {
	logger, err := observability.NewZerologLogger(os.Stderr, cfg.Level, observability.Format(cfg.Format))
	if err != nil {
		return nil, fmt.Errorf("configure logger: %w", err)
	}
	observability.SetLogger(logger)
	return logger, nil
}

func writeJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
