package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/betaforge/betaforge/internal/common/config"
	"github.com/betaforge/betaforge/internal/common/logger"
)

var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "betaforge",
		Short: "Deploy simulated beta testers against a web application",
		Long: `betaforge deploys a team of AI tester personas against a target URL,
records everything they do and turns their findings into bug reports.`,
		Version: version,
		// Errors are reported by the command itself.
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "directory containing config.yaml (also searched: . and /etc/betaforge)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newAgentsCmd(opts))
	return cmd
}

// load reads the configuration and initializes the process logger.
func (o *rootOptions) load() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return nil, nil, err
	}
	logger.SetDefault(log)
	return cfg, log, nil
}
