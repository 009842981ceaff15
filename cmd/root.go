// Package cmd wires the pipetrace CLI commands.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pipetrace/pipetrace/internal/config"
	"github.com/pipetrace/pipetrace/internal/log"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pipetrace",
	Short: "A workflow and provenance engine for computational analyses",
	Long: `pipetrace records every pipe execution together with its inputs and
outputs in a provenance database, deduplicates repeated work by
fingerprint, and schedules deferred pipelines on a worker pool.`,
	Version:      version,
	SilenceUsage: true,
}

// SetVersion sets the version string shown by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .pipetrace/config.yaml, then ~/.config/pipetrace/config.yaml)")
	rootCmd.PersistentFlags().String("db", "",
		"path to the provenance database file")
	rootCmd.PersistentFlags().String("vault", "",
		"path to the payload vault directory")
	rootCmd.PersistentFlags().Bool("debug", false,
		"enable debug logging to pipetrace.log")

	_ = viper.BindPFlag("database", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("vault", rootCmd.PersistentFlags().Lookup("vault"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("database", defaults.Database)
	viper.SetDefault("vault", defaults.Vault)
	viper.SetDefault("workers", defaults.Workers)
	viper.SetDefault("deep_check", defaults.DeepCheck)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .pipetrace/config.yaml (current directory)
		// 2. ~/.config/pipetrace/config.yaml (user config)
		if _, err := os.Stat(".pipetrace/config.yaml"); err == nil {
			viper.SetConfigFile(".pipetrace/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "pipetrace"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "warning: failed to read config: %v\n", err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to parse config: %v\n", err)
		cfg = config.Defaults()
	}

	if cfg.Debug || os.Getenv("PIPETRACE_DEBUG") != "" {
		if _, err := log.Init("pipetrace.log"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to init debug log: %v\n", err)
		}
	}
}
