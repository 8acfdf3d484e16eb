package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cklxx/orchestrate/internal/monitor"
	"github.com/cklxx/orchestrate/internal/session"
	"github.com/cklxx/orchestrate/internal/state"
)

// latestResumableSession picks the most recently created session that has
// not run to completion. ListSessions returns newest-first.
func latestResumableSession(stateDir string) (string, error) {
	sessions, err := state.ListSessions(stateDir)
	if err != nil {
		return "", fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range sessions {
		if s.Status != state.SessionCompleted {
			return s.SessionID, nil
		}
	}
	return "", fmt.Errorf("no resumable session found in %s", stateDir)
}

var resumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Resume a previously interrupted session from its saved state",
	Long: `resume continues a paused or crashed session. With no argument it picks
the most recently created session that is not yet completed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().Bool("continue-on-error", false, "Keep executing later tasks after a failure")
	resumeCmd.Flags().Int("max-concurrency", 0, "Cap concurrent tasks within a group (0 = group size)")
	resumeCmd.Flags().String("repo-root", ".", "Repository root pre-flight checks run against")
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := loggerFor(cfg, cmd)

	continueOnError, _ := cmd.Flags().GetBool("continue-on-error")
	maxConcurrency, _ := cmd.Flags().GetInt("max-concurrency")
	repoRoot, _ := cmd.Flags().GetString("repo-root")

	sessionID := ""
	if len(args) == 1 {
		sessionID = args[0]
	} else {
		sessionID, err = latestResumableSession(cfg.StateDir)
		if err != nil {
			return err
		}
	}

	monitorClient := monitor.New(cfg.TaskMonitorAPIURL, cfg.TaskMonitorEnabled, logger)
	metrics := session.MustNewMetrics(prometheus.NewRegistry())
	driver := session.New(cfg, logger, monitorClient, metrics)

	ctx, cancel := signalContext()
	defer cancel()

	outcome, err := driver.Resume(ctx, sessionID, session.RunOptions{
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
