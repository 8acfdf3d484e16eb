package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cklxx/orchestrate/internal/config"
	"github.com/cklxx/orchestrate/internal/logging"
)

// lastExitCode carries a subcommand's desired process exit code past
// cobra's own error handling, which only distinguishes zero from non-zero.
var lastExitCode int

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:           "orchestrate",
	Short:         "Run and manage multi-agent task-file sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Path to an orchestrate.yaml config file")
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(unscheduleCmd)
}

// loadConfig assembles a Config for a command invocation. With an explicit
// --config path it reads only that file over config.Default(); .env,
// environment variables and the SwitchboardURL/SwitchboardWS defaults
// derived by config.Load are not applied. Without --config it returns
// config.Load().
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if explicit, _ := cmd.Flags().GetString("config"); explicit != "" {
		v := viper.New()
		v.SetConfigFile(explicit)
		cfg := config.Default()
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, err
		}
		return cfg, nil
	}
	return config.Load()
}

func loggerFor(cfg config.Config, cmd *cobra.Command) logging.Logger {
	level := cfg.LogLevel
	if explicit, _ := cmd.Flags().GetString("log-level"); explicit != "" {
		level = explicit
	}
	return logging.NewStderr(level)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. One context
// per invocation is enough here; orchestrate is a single command, not a
// long-lived daemon process.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
		signal.Stop(sig)
	}()
	return ctx, cancel
}
