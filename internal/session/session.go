// Package session implements the top-level session driver: it composes the
// parser, pre-flight checker, state store, and group scheduler into the
// orchestrate run/resume lifecycle, and runs the archiver on successful
// completion.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cklxx/orchestrate/internal/config"
	"github.com/cklxx/orchestrate/internal/executor"
	"github.com/cklxx/orchestrate/internal/filestore"
	"github.com/cklxx/orchestrate/internal/group"
	"github.com/cklxx/orchestrate/internal/logging"
	"github.com/cklxx/orchestrate/internal/memory"
	"github.com/cklxx/orchestrate/internal/monitor"
	"github.com/cklxx/orchestrate/internal/preflight"
	"github.com/cklxx/orchestrate/internal/procutil"
	"github.com/cklxx/orchestrate/internal/qualitygate"
	"github.com/cklxx/orchestrate/internal/state"
	"github.com/cklxx/orchestrate/internal/taskfile"
)

// archiveTimeout bounds the best-effort archiver call so a hung archiver
// program can never block process exit indefinitely.
const archiveTimeout = 2 * time.Minute

// Outcome is the session driver's final classification, mapped to a
// process exit code by ExitCode.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomePartial   Outcome = "partial"
	OutcomePaused    Outcome = "paused"
	OutcomeBlocked   Outcome = "blocked"
)

// ExitCode maps o onto the process exit codes: 0 success, 1 task failure,
// 2 pre-flight block. A paused run (interrupt) exits 0 since it is an
// orderly stop, not a failure.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeCompleted, OutcomePaused:
		return 0
	case OutcomeBlocked:
		return 2
	default:
		return 1
	}
}

// Metrics bundles the per-component series the driver's executor and
// scheduler publish, registered once at process start.
type Metrics struct {
	Executor    *executor.Metrics
	Group       *group.Metrics
	QualityGate *qualitygate.Metrics
}

// MustNewMetrics registers every component's series on registry.
func MustNewMetrics(registry prometheus.Registerer) *Metrics {
	return &Metrics{
		Executor:    executor.MustNewMetrics(registry),
		Group:       group.MustNewMetrics(registry),
		QualityGate: qualitygate.MustNewMetrics(registry),
	}
}

// Driver owns one process's view of the orchestrator: configuration plus
// the shared, long-lived collaborators (monitor client, metrics, logger).
// Per-run state (the state.Store, the executor, the scheduler) is built
// fresh inside Run/Resume, since each run is scoped to one session id.
type Driver struct {
	cfg     config.Config
	logger  logging.Logger
	monitor *monitor.Client
	metrics *Metrics
}

// New returns a Driver. metrics may be nil to disable Prometheus series.
func New(cfg config.Config, logger logging.Logger, monitorClient *monitor.Client, metrics *Metrics) *Driver {
	return &Driver{
		cfg:     cfg,
		logger:  logging.OrNop(logger),
		monitor: monitorClient,
		metrics: metrics,
	}
}

// RunOptions configures one Run/Resume invocation.
type RunOptions struct {
	ContinueOnError bool
	MaxConcurrency  int
	RepoRoot        string
	Report          io.Writer // where the pre-flight report is written; defaults to os.Stderr
}

// Run parses taskFilePath, pre-flights it, creates a fresh session, and
// executes it to completion or interruption. On success the archiver runs;
// on failure the state stays on disk for a later resume.
func (d *Driver) Run(ctx context.Context, taskFilePath string, opts RunOptions) (Outcome, error) {
	plan, err := taskfile.ParseFile(taskFilePath)
	if err != nil {
		return "", fmt.Errorf("session: parse %s: %w", taskFilePath, err)
	}

	blocked, err := d.preflight(ctx, plan, opts)
	if err != nil {
		return "", err
	}
	if blocked {
		return OutcomeBlocked, nil
	}

	sessionID := state.NewSessionID()
	store := state.Open(d.cfg.StateDir, sessionID)
	taskIDs := make([]string, len(plan.Tasks))
	for i, t := range plan.Tasks {
		taskIDs[i] = t.ID
	}
	if _, err := store.Create(taskFilePath, plan.Checksum, taskIDs); err != nil {
		return "", fmt.Errorf("session: create state: %w", err)
	}

	return d.execute(ctx, sessionID, store, plan, opts)
}

// Resume loads sessionID's persisted state, re-parses its recorded
// SourcePath, and continues execution from the saved group pointer.
// Passed tasks stay passed; anything left running is demoted to pending
// by the state store's Load.
func (d *Driver) Resume(ctx context.Context, sessionID string, opts RunOptions) (Outcome, error) {
	store := state.Open(d.cfg.StateDir, sessionID)
	st, err := store.Load()
	if err != nil {
		return "", fmt.Errorf("session: load %s: %w", sessionID, err)
	}

	plan, err := taskfile.ParseFile(st.SourcePath)
	if err != nil {
		return "", fmt.Errorf("session: reparse %s: %w", st.SourcePath, err)
	}
	if plan.Checksum != st.PlanChecksum {
		return "", fmt.Errorf("session: %s has changed since session %s was created; resume refused", st.SourcePath, sessionID)
	}

	return d.execute(ctx, sessionID, store, plan, opts)
}

func (d *Driver) preflight(ctx context.Context, plan *taskfile.TaskPlan, opts RunOptions) (blocked bool, err error) {
	report, err := preflight.Evaluate(ctx, plan, preflight.Options{
		RepoRoot:       opts.RepoRoot,
		BudgetCheckCmd: d.cfg.BudgetCheckCmd,
	})
	if err != nil {
		return false, fmt.Errorf("session: pre-flight: %w", err)
	}

	dest := opts.Report
	if dest == nil {
		dest = os.Stderr
	}
	fmt.Fprint(dest, report.Summary())

	// The human report goes to stderr; the machine report lands next to
	// the session state files.
	if data, marshalErr := filestore.MarshalJSONIndent(report); marshalErr == nil {
		path := filepath.Join(d.cfg.StateDir, shortChecksum(plan.Checksum)+".preflight.json")
		if writeErr := filestore.AtomicWrite(path, data, 0o644); writeErr != nil {
			d.logger.Warn("session: write preflight report: %v", writeErr)
		}
	}

	return !report.Passed(), nil
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

func (d *Driver) execute(ctx context.Context, sessionID string, store *state.Store, plan *taskfile.TaskPlan, opts RunOptions) (Outcome, error) {
	d.monitor.Register(ctx, sessionID, monitor.PlanSummary{TaskCount: len(plan.Tasks), GroupMax: plan.MaxGroup()})

	sched := d.buildScheduler(store, opts)
	groupOutcome, err := sched.RunPlan(ctx, sessionID, plan)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("session: run plan: %w", err)
	}

	outcome := fromGroupOutcome(groupOutcome)
	d.writeSummary(sessionID, store, outcome)
	if outcome == OutcomeCompleted {
		d.archive(sessionID, store)
		d.monitor.Complete(ctx, sessionID, summaryFor(store))
	}
	return outcome, nil
}

// writeSummary persists the structured end-of-run summary beside the state
// file so the monitor TUI and humans can read the result without parsing
// the full session state.
func (d *Driver) writeSummary(sessionID string, store *state.Store, outcome Outcome) {
	summary := summaryFor(store)
	if summary == nil {
		return
	}
	summary["session_id"] = sessionID
	summary["outcome"] = string(outcome)
	data, err := filestore.MarshalJSONIndent(summary)
	if err != nil {
		return
	}
	path := filepath.Join(d.cfg.StateDir, sessionID+".summary.json")
	if err := filestore.AtomicWrite(path, data, 0o644); err != nil {
		d.logger.Warn("session: write summary for %s: %v", sessionID, err)
	}
}

func (d *Driver) buildScheduler(store *state.Store, opts RunOptions) *group.Scheduler {
	workDir := d.cfg.StateDir
	gate := d.buildQualityGate()
	mem := memory.New(d.cfg.MemoryCmd, d.logger)

	var execMetrics *executor.Metrics
	var groupMetrics *group.Metrics
	if d.metrics != nil {
		execMetrics = d.metrics.Executor
		groupMetrics = d.metrics.Group
	}

	ex := executor.New(executor.Dependencies{
		AgentCmd:    d.cfg.AgentCmd,
		RepoRoot:    opts.RepoRoot,
		WorkDir:     workDir,
		QualityGate: gate,
		Memory:      mem,
		Monitor:     d.monitor,
		State:       store,
		Logger:      d.logger,
		Metrics:     execMetrics,
	})

	return group.New(group.Dependencies{
		Executor:        ex,
		State:           store,
		ContinueOnError: opts.ContinueOnError,
		MaxConcurrency:  opts.MaxConcurrency,
		Metrics:         groupMetrics,
		Logger:          d.logger,
	})
}

func (d *Driver) buildQualityGate() *qualitygate.Runner {
	if d.cfg.QualityGateDisabled {
		return nil
	}
	var gateMetrics *qualitygate.Metrics
	if d.metrics != nil {
		gateMetrics = d.metrics.QualityGate
	}
	return qualitygate.New(qualitygate.Config{
		VerifierCmd:   d.cfg.VerifierCmd,
		OutputDir:     d.cfg.OutputDir,
		OutputPattern: d.cfg.OutputPattern,
		SampleSize:    d.cfg.SampleSize,
		Timeout:       d.cfg.QualityGateTimeout,
		Metrics:       gateMetrics,
	})
}

// archive invokes the configured archiver program as a single best-effort
// post-step, invoked only when the session completed. Failures are
// logged, never propagated.
func (d *Driver) archive(sessionID string, store *state.Store) {
	if d.cfg.ArchiverCmd == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	_, err := procutil.Run(ctx, procutil.Spec{
		Command: d.cfg.ArchiverCmd,
		Args:    []string{sessionID, store.StatePath()},
		Timeout: archiveTimeout,
	})
	if err != nil {
		d.logger.Warn("session: archiver failed for %s: %v", sessionID, err)
	}
}

func fromGroupOutcome(o group.Outcome) Outcome {
	switch o {
	case group.OutcomeCompleted:
		return OutcomeCompleted
	case group.OutcomePartial:
		return OutcomePartial
	case group.OutcomePaused:
		return OutcomePaused
	default:
		return OutcomeFailed
	}
}

func summaryFor(store *state.Store) map[string]any {
	st := store.Current()
	if st == nil {
		return nil
	}
	passed, failed, skipped := 0, 0, 0
	for _, rec := range st.Tasks {
		switch rec.Status {
		case state.StatusPassed:
			passed++
		case state.StatusFailed:
			failed++
		case state.StatusSkipped:
			skipped++
		}
	}
	return map[string]any{
		"passed":  passed,
		"failed":  failed,
		"skipped": skipped,
	}
}
