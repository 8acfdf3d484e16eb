package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cklxx/orchestrate/internal/jobs"
	"github.com/cklxx/orchestrate/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List recorded sessions and scheduled jobs",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print machine-readable JSON instead of a formatted table")
	statusCmd.Flags().Bool("yaml", false, "Print machine-readable YAML instead of a formatted table")
}

type statusReport struct {
	Sessions []state.SessionState `json:"sessions" yaml:"sessions"`
	Jobs     []jobs.Job           `json:"jobs" yaml:"jobs"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sessions, err := state.ListSessions(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	registry := jobs.NewRegistry(filepath.Join(cfg.SchedulerHome, "jobs.json"))
	if err := registry.Load(); err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	jobList, err := registry.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	report := statusReport{Sessions: sessions, Jobs: jobList}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		return enc.Encode(report)
	}

	printSessions(cmd, sessions)
	printJobs(cmd, jobList)
	return nil
}

func printSessions(cmd *cobra.Command, sessions []state.SessionState) {
	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no recorded sessions")
		return
	}
	fmt.Fprintln(out, "SESSIONS")
	for _, s := range sessions {
		passed := 0
		for _, rec := range s.Tasks {
			if rec.Status == state.StatusPassed {
				passed++
			}
		}
		fmt.Fprintf(out, "  %s  %-10s  %d/%d tasks  group=%d  %s\n", s.SessionID, colorizeSession(s.Status), passed, len(s.Tasks), s.CurrentGroup, s.SourcePath)
	}
}

func printJobs(cmd *cobra.Command, jobList []jobs.Job) {
	out := cmd.OutOrStdout()
	if len(jobList) == 0 {
		fmt.Fprintln(out, "no scheduled jobs")
		return
	}
	fmt.Fprintln(out, "JOBS")
	for _, j := range jobList {
		fmt.Fprintf(out, "  %-20s  %-20s  %-9s  %s\n", j.Name, j.Cron, colorizeJob(j.Status), j.Command)
	}
}

func colorizeSession(status state.SessionStatus) string {
	switch status {
	case state.SessionCompleted:
		return color.GreenString(string(status))
	case state.SessionFailed:
		return color.RedString(string(status))
	case state.SessionPaused:
		return color.YellowString(string(status))
	default:
		return color.CyanString(string(status))
	}
}

func colorizeJob(status jobs.JobStatus) string {
	if status == jobs.JobStatusDisabled {
		return color.YellowString(string(status))
	}
	return color.GreenString(string(status))
}
