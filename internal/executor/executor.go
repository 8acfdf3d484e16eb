// Package executor implements the per-task lifecycle: pre-hook, subprocess
// spawn, verification, bounded retry, state checkpointing, and monitor
// updates.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cklxx/orchestrate/internal/logging"
	"github.com/cklxx/orchestrate/internal/memory"
	"github.com/cklxx/orchestrate/internal/monitor"
	"github.com/cklxx/orchestrate/internal/procutil"
	"github.com/cklxx/orchestrate/internal/qualitygate"
	"github.com/cklxx/orchestrate/internal/state"
	"github.com/cklxx/orchestrate/internal/taskfile"
)

// Outcome is the terminal result of running one task.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending" // cancelled non-terminally; resumable
)

// Result is returned by Run.
type Result struct {
	Outcome  Outcome
	Attempts int
	Error    string
}

// Metrics are the Prometheus series the executor publishes.
type Metrics struct {
	attemptsTotal *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// MustNewMetrics registers executor's series on registry.
func MustNewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_attempts_total",
			Help: "Task execution attempts by final classification.",
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Wall-clock duration of a task's full attempt loop.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	registry.MustRegister(m.attemptsTotal, m.duration)
	return m
}

// Dependencies wires the executor's collaborators. Fields other than
// AgentCmd/WorkDir/State may be nil/zero, in which case that concern is
// skipped (no quality gate, no memory bridge, no monitor push).
type Dependencies struct {
	AgentCmd    string
	RepoRoot    string
	WorkDir     string // base directory; a per-task subdirectory is created under it
	QualityGate *qualitygate.Runner
	Memory      *memory.Bridge
	Monitor     *monitor.Client
	State       *state.Store
	Logger      logging.Logger
	Metrics     *Metrics
}

// Executor runs one task's full lifecycle.
type Executor struct {
	deps Dependencies
}

// New returns an Executor. deps.AgentCmd and deps.State must be set.
func New(deps Dependencies) *Executor {
	deps.Logger = logging.OrNop(deps.Logger)
	return &Executor{deps: deps}
}

// Run executes task to completion or exhaustion, driving state transitions
// and monitor pushes. ctx carries session-level cancellation.
func (e *Executor) Run(ctx context.Context, sessionID string, task taskfile.Task) (Result, error) {
	d := e.deps

	if err := d.State.MarkRunning(task.ID); err != nil {
		return Result{}, fmt.Errorf("executor: mark running: %w", err)
	}

	prompt := task.Body
	if d.Memory != nil {
		prompt = d.Memory.ComposePrompt(ctx, task.Body)
	}

	workDir := filepath.Join(d.WorkDir, task.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("executor: create work dir: %w", err)
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = taskfile.DefaultTimeout
	}
	maxRetries := task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = taskfile.DefaultMaxRetries
	}

	start := time.Now()
	var lastErr string
	var outcome Outcome
	attempt := 0

	for attempt < maxRetries && outcome == "" {
		attempt++

		if ctx.Err() != nil {
			outcome = OutcomePending
			break
		}

		if err := d.State.RecordAttempt(task.ID); err != nil {
			return Result{}, fmt.Errorf("executor: record attempt: %w", err)
		}
		d.Monitor.Update(ctx, sessionID, task.ID, "running", monitor.Counters{Attempt: attempt})

		agentResult, agentErr := procutil.Run(ctx, procutil.Spec{
			Command: d.AgentCmd,
			Args:    []string{"--mode", "json", "-p", "--no-session", prompt},
			Dir:     workDir,
			Timeout: timeout,
		})
		switch {
		case errors.Is(agentErr, procutil.ErrTimedOut):
			lastErr = fmt.Sprintf("agent subprocess timed out after %s", timeout)
			continue
		case agentErr != nil:
			lastErr = agentErr.Error()
			continue
		case ctx.Err() != nil:
			outcome = OutcomePending
			continue
		}

		verdict, gateErr := e.runQualityGate(ctx, task)
		if gateErr != nil {
			return Result{}, fmt.Errorf("executor: quality gate: %w", gateErr)
		}
		if verdict.Passed() {
			outcome = OutcomePassed
			if d.Memory != nil {
				d.Memory.Learn(ctx, task.Body, string(agentResult.Stdout))
			}
			continue
		}
		lastErr = verdict.Message
	}

	switch outcome {
	case OutcomePassed:
		if err := d.State.MarkPassed(task.ID); err != nil {
			return Result{}, fmt.Errorf("executor: mark passed: %w", err)
		}
	case OutcomePending:
		if err := d.State.MarkPending(task.ID); err != nil {
			return Result{}, fmt.Errorf("executor: mark pending: %w", err)
		}
	default:
		outcome = OutcomeFailed
		if err := d.State.MarkFailed(task.ID, lastErr); err != nil {
			return Result{}, fmt.Errorf("executor: mark failed: %w", err)
		}
	}

	d.Monitor.Update(ctx, sessionID, task.ID, string(outcome), monitor.Counters{Attempt: attempt})
	if d.Metrics != nil {
		d.Metrics.attemptsTotal.WithLabelValues(string(outcome)).Inc()
		d.Metrics.duration.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())
	}

	return Result{Outcome: outcome, Attempts: attempt, Error: lastErr}, nil
}

func (e *Executor) runQualityGate(ctx context.Context, task taskfile.Task) (qualitygate.Verdict, error) {
	d := e.deps
	if d.QualityGate == nil {
		return qualitygate.Verdict{Result: qualitygate.ResultPass}, nil
	}
	testID := ""
	if task.DoD != nil && !task.DoD.IsMissing() {
		testID = task.DoD.Test
	}
	return d.QualityGate.Run(ctx, d.RepoRoot, testID)
}
