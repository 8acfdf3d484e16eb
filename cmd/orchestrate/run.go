package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cklxx/orchestrate/internal/monitor"
	"github.com/cklxx/orchestrate/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run <task-file>",
	Short: "Parse a task file, pre-flight it, and execute it to completion",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().Bool("continue-on-error", false, "Keep executing later tasks after a failure")
	runCmd.Flags().Int("max-concurrency", 0, "Cap concurrent tasks within a group (0 = group size)")
	runCmd.Flags().String("repo-root", ".", "Repository root pre-flight checks run against")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := loggerFor(cfg, cmd)

	continueOnError, _ := cmd.Flags().GetBool("continue-on-error")
	maxConcurrency, _ := cmd.Flags().GetInt("max-concurrency")
	repoRoot, _ := cmd.Flags().GetString("repo-root")

	monitorClient := monitor.New(cfg.TaskMonitorAPIURL, cfg.TaskMonitorEnabled, logger)
	metrics := session.MustNewMetrics(prometheus.NewRegistry())
	driver := session.New(cfg, logger, monitorClient, metrics)

	ctx, cancel := signalContext()
	defer cancel()

	outcome, err := driver.Run(ctx, args[0], session.RunOptions{
		ContinueOnError: continueOnError,
		MaxConcurrency:  maxConcurrency,
		RepoRoot:        repoRoot,
	})
	if err != nil {
		lastExitCode = 1
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session outcome: %s\n", outcome)
	lastExitCode = outcome.ExitCode()
	return nil
}
