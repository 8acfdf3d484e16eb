package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cklxx/orchestrate/internal/jobs"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule <task-file>",
	Short: "Register a recurring task-file run with the external cron scheduler",
	Long: `schedule writes an entry to the scheduler's jobs.json for an external
cron-style scheduler to pick up. orchestrate never fires the job itself; it
only validates and records it.`,
	Args: cobra.ExactArgs(1),
	RunE: runSchedule,
}

func init() {
	scheduleCmd.Flags().String("cron", "", "Cron expression (required, standard 5-field form)")
	scheduleCmd.Flags().String("name", "", "Job name (default: the task file's base name)")
	scheduleCmd.Flags().String("workdir", ".", "Working directory the external scheduler should run the command in")
	scheduleCmd.Flags().String("description", "", "Optional human-readable description")
	scheduleCmd.MarkFlagRequired("cron")
}

// jobNameFor derives a registry job name from a task-file path, so
// `orchestrate unschedule <task-file>` resolves the same entry that
// `orchestrate schedule <task-file>` created.
func jobNameFor(taskFile string) string {
	base := filepath.Base(taskFile)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	taskFile := args[0]
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = jobNameFor(taskFile)
	}
	cronExpr, _ := cmd.Flags().GetString("cron")
	workdir, _ := cmd.Flags().GetString("workdir")
	description, _ := cmd.Flags().GetString("description")

	registry := jobs.NewRegistry(filepath.Join(cfg.SchedulerHome, "jobs.json"))
	if err := registry.Load(); err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	job := jobs.Job{
		Name:        name,
		Cron:        cronExpr,
		Command:     fmt.Sprintf("orchestrate run %s", taskFile),
		Workdir:     workdir,
		Enabled:     true,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := registry.Save(cmd.Context(), job); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "scheduled %s: %s %s\n", name, cronExpr, job.Command)
	return nil
}
