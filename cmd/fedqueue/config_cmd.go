package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/busybox42/fedqueue/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  "Commands for generating, validating, and showing the fedqueue configuration",
}

func init() {
	configCmd.AddCommand(&cobra.Command{
		Use:   "generate [path]",
		Short: "Generate default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  generateConfig,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  validateConfig,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE:  showConfig,
	})
}

func generateConfig(cmd *cobra.Command, args []string) error {
	outputPath := "fedqueue.toml"
	if len(args) > 0 {
		outputPath = args[0]
	}

	if err := config.CreateDefaultConfig(outputPath); err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration generated at: %s\n", outputPath)
	return nil
}

func validateConfig(cmd *cobra.Command, args []string) error {
	configFile := configPath
	if len(args) > 0 {
		configFile = args[0]
	}

	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintln(out, "Configuration is INVALID")
		return err
	}

	fmt.Fprintln(out, "Configuration is VALID")
	if len(cfg.Warnings) > 0 {
		fmt.Fprintf(out, "\nWarnings (%d):\n", len(cfg.Warnings))
		for i, w := range cfg.Warnings {
			fmt.Fprintf(out, "  %d. %s\n", i+1, w)
		}
	}

	fmt.Fprintln(out, "\nSummary:")
	fmt.Fprintf(out, "  Queue store: %s\n", cfg.Queue.Store)
	fmt.Fprintf(out, "  Retry: every %s for %s, then every %s; expire after %s\n",
		cfg.Schedule.DenseInterval.Duration, cfg.Schedule.DenseWindow.Duration,
		cfg.Schedule.SparseInterval.Duration, cfg.Schedule.Retention.Duration)
	fmt.Fprintf(out, "  Runner: %d workers, sweep every %s\n", cfg.Runner.Workers, cfg.Runner.Interval.Duration)
	fmt.Fprintf(out, "  Dead-host cache: %s\n", cfg.Cache.Type)
	fmt.Fprintf(out, "  Directory: %s\n", cfg.Directory.Type)
	if cfg.API.Enabled {
		fmt.Fprintf(out, "  API: %s\n", cfg.API.Listen)
	} else {
		fmt.Fprintln(out, "  API: disabled")
	}
	return nil
}

func showConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := cfg.Redacted().Marshal()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
