package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cklxx/orchestrate/internal/jobs"
)

var unscheduleCmd = &cobra.Command{
	Use:   "unschedule <task-file>",
	Short: "Remove a recurring job from the external cron scheduler's registry",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnschedule,
}

func init() {
	unscheduleCmd.Flags().Bool("disable", false, "Disable the job instead of deleting it")
}

func runUnschedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	registry := jobs.NewRegistry(filepath.Join(cfg.SchedulerHome, "jobs.json"))
	if err := registry.Load(); err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	// Accept either the task-file path schedule was given or a raw job name.
	name := jobNameFor(args[0])
	if _, err := registry.Get(cmd.Context(), name); err != nil {
		name = args[0]
	}

	disableOnly, _ := cmd.Flags().GetBool("disable")
	if disableOnly {
		if err := registry.SetEnabled(cmd.Context(), name, false); err != nil {
			return fmt.Errorf("disable %s: %w", name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "disabled %s\n", name)
		return nil
	}

	if err := registry.Delete(cmd.Context(), name); err != nil {
		return fmt.Errorf("unschedule %s: %w", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "unscheduled %s\n", name)
	return nil
}
