// Package group implements the group scheduler: it partitions a plan into
// Parallel groups, runs a bounded worker pool per group honoring
// intra-group dependency waits, and applies the continue-on-error/
// abort-on-error failure policy.
package group

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/cklxx/orchestrate/internal/executor"
	"github.com/cklxx/orchestrate/internal/logging"
	"github.com/cklxx/orchestrate/internal/state"
	"github.com/cklxx/orchestrate/internal/taskfile"
)

// maxDefaultConcurrency caps the worker pool when no explicit
// MaxConcurrency is configured.
const maxDefaultConcurrency = 8

// Outcome is the scheduler's declared result for the whole plan.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomePartial   Outcome = "partial"
	OutcomePaused    Outcome = "paused"
)

// Metrics are the Prometheus series the scheduler publishes.
type Metrics struct {
	tasksRunning *prometheus.GaugeVec
	groupResults *prometheus.CounterVec
}

// MustNewMetrics registers group's series on registry.
func MustNewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "group_tasks_running",
			Help: "Tasks currently running, by group.",
		}, []string{"group"}),
		groupResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "group_results_total",
			Help: "Per-task terminal results, by group.",
		}, []string{"group", "result"}),
	}
	registry.MustRegister(m.tasksRunning, m.groupResults)
	return m
}

// Dependencies wires the scheduler's collaborators.
type Dependencies struct {
	Executor        *executor.Executor
	State           *state.Store
	ContinueOnError bool
	MaxConcurrency  int
	Metrics         *Metrics
	Logger          logging.Logger
}

// Scheduler runs a TaskPlan group by group.
type Scheduler struct {
	deps Dependencies
}

// New returns a Scheduler. deps.Executor and deps.State must be set.
func New(deps Dependencies) *Scheduler {
	deps.Logger = logging.OrNop(deps.Logger)
	return &Scheduler{deps: deps}
}

// RunPlan executes every group in plan from the session's current group
// pointer onward, advancing the pointer as each group finishes, and
// returns the overall outcome.
func (s *Scheduler) RunPlan(ctx context.Context, sessionID string, plan *taskfile.TaskPlan) (Outcome, error) {
	st := s.deps.State.Current()
	if st == nil {
		return "", fmt.Errorf("group: no session state loaded")
	}

	for groupIdx := st.CurrentGroup; groupIdx <= plan.MaxGroup(); groupIdx++ {
		if ctx.Err() != nil {
			if err := s.deps.State.Pause(); err != nil {
				return "", fmt.Errorf("group: pause: %w", err)
			}
			return OutcomePaused, nil
		}

		tasks, err := s.skipBrokenDeps(s.pendingTasksInGroup(plan, groupIdx))
		if err != nil {
			return "", err
		}
		if len(tasks) > 0 {
			groupResult, err := s.runGroup(ctx, sessionID, groupIdx, tasks)
			if err != nil {
				s.deps.State.Fail()
				return OutcomeFailed, err
			}
			switch groupResult {
			case groupAbortedOnFailure:
				s.deps.State.Fail()
				return OutcomeFailed, nil
			case groupCancelled:
				if err := s.deps.State.Pause(); err != nil {
					return "", fmt.Errorf("group: pause: %w", err)
				}
				return OutcomePaused, nil
			}
		}

		if err := s.deps.State.AdvanceGroup(); err != nil {
			return "", fmt.Errorf("group: advance group: %w", err)
		}
	}

	return s.reportOutcome()
}

// pendingTasksInGroup returns the subset of a group's tasks that still
// need to run (excludes passed/skipped tasks on resume).
func (s *Scheduler) pendingTasksInGroup(plan *taskfile.TaskPlan, groupIdx int) []taskfile.Task {
	var out []taskfile.Task
	for _, t := range plan.TasksInGroup(groupIdx) {
		status, ok := s.deps.State.TaskStatus(t.ID)
		if !ok || status == state.StatusPending || status == state.StatusRunning {
			out = append(out, t)
		}
	}
	return out
}

// skipBrokenDeps marks every task whose dependency already ended failed or
// skipped (typically in an earlier group, under continue-on-error) as
// skipped, and returns the remainder. Declaration order guarantees a
// dependency is visited before its dependents, so one pass suffices for
// chains of newly-skipped tasks within the same group.
func (s *Scheduler) skipBrokenDeps(tasks []taskfile.Task) ([]taskfile.Task, error) {
	broken := make(map[string]bool)
	var out []taskfile.Task
	for _, t := range tasks {
		blocked := false
		for _, dep := range t.Dependencies {
			status, ok := s.deps.State.TaskStatus(dep)
			if broken[dep] || (ok && (status == state.StatusFailed || status == state.StatusSkipped)) {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, t)
			continue
		}
		broken[t.ID] = true
		if err := s.deps.State.MarkSkipped(t.ID); err != nil {
			return nil, fmt.Errorf("group: skip %s: %w", t.ID, err)
		}
	}
	return out, nil
}

// taskResult is sent by a dispatched worker back to the single-goroutine
// dispatcher below; only the dispatcher mutates scheduling state, so no
// additional locking is required.
type taskResult struct {
	id      string
	outcome executor.Outcome
	err     error
}

// groupOutcome classifies why runGroup stopped dispatching new work.
type groupOutcome int

const (
	groupOK groupOutcome = iota
	groupAbortedOnFailure
	groupCancelled
)

// runGroup runs tasks (all belonging to one Parallel group) to completion,
// respecting intra-group dependencies via a Kahn's-algorithm ready queue.
func (s *Scheduler) runGroup(ctx context.Context, sessionID string, groupIdx int, tasks []taskfile.Task) (groupOutcome, error) {
	byID := make(map[string]taskfile.Task, len(tasks))
	inDegree := make(map[string]int, len(tasks))
	downstream := make(map[string][]string)

	for _, t := range tasks {
		byID[t.ID] = t
		inDegree[t.ID] = 0
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, inGroup := byID[dep]; inGroup {
				inDegree[t.ID]++
				downstream[dep] = append(downstream[dep], t.ID)
			}
		}
	}

	ready := make(chan string, len(tasks))
	done := make(chan taskResult, len(tasks))
	for id, deg := range inDegree {
		if deg == 0 {
			ready <- id
		}
	}

	concurrency := s.concurrencyCap(len(tasks))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var g errgroup.Group
	g.SetLimit(concurrency)

	label := fmt.Sprintf("%d", groupIdx)
	dispatched := make(map[string]bool, len(tasks))
	outstanding := make(map[string]bool, len(tasks))
	for id := range byID {
		outstanding[id] = true
	}
	var infraErr error
	outcome := groupOK

	// drainStuck removes every task that will never become ready (its
	// dependency chain is broken by the stop condition) from outstanding,
	// so the loop below can still terminate once in-flight work drains.
	drainStuck := func() {
		for id := range outstanding {
			if !dispatched[id] {
				delete(outstanding, id)
			}
		}
	}

	for len(outstanding) > 0 {
		select {
		case id := <-ready:
			if outcome != groupOK {
				delete(outstanding, id)
				continue
			}
			dispatched[id] = true
			task := byID[id]
			s.gaugeTasksRunning(label, 1)
			g.Go(func() error {
				defer s.gaugeTasksRunning(label, -1)
				res, runErr := s.deps.Executor.Run(runCtx, sessionID, task)
				if runErr != nil {
					done <- taskResult{id: task.ID, outcome: executor.OutcomeFailed, err: runErr}
					return nil
				}
				done <- taskResult{id: task.ID, outcome: res.Outcome}
				return nil
			})

		case result := <-done:
			delete(outstanding, result.id)
			s.countResult(label, result.outcome)

			if result.err != nil {
				infraErr = result.err
				outcome = groupAbortedOnFailure
				cancel()
				drainStuck()
				continue
			}

			switch result.outcome {
			case executor.OutcomePassed:
				for _, downID := range downstream[result.id] {
					inDegree[downID]--
					if inDegree[downID] == 0 {
						ready <- downID
					}
				}
			case executor.OutcomeFailed:
				if s.deps.ContinueOnError {
					for _, id := range s.cascadeSkip(result.id, downstream) {
						delete(outstanding, id)
					}
				} else if outcome == groupOK {
					outcome = groupAbortedOnFailure
					cancel()
					drainStuck()
				}
			case executor.OutcomePending:
				if outcome == groupOK {
					outcome = groupCancelled
					cancel()
					drainStuck()
				}
			}
		}
	}

	g.Wait()
	if infraErr != nil {
		return groupOK, fmt.Errorf("group: %w", infraErr)
	}
	return outcome, nil
}

// cascadeSkip marks every task reachable from failedID (through
// downstream) as skipped, since its dependency will never be satisfied.
// Returns the newly-skipped ids, so the caller can remove them from its
// outstanding set.
func (s *Scheduler) cascadeSkip(failedID string, downstream map[string][]string) []string {
	queue := []string{failedID}
	visited := map[string]bool{failedID: true}
	var skipped []string

	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		for _, downID := range downstream[curr] {
			if visited[downID] {
				continue
			}
			visited[downID] = true
			_ = s.deps.State.MarkSkipped(downID)
			skipped = append(skipped, downID)
			queue = append(queue, downID)
		}
	}
	return skipped
}

func (s *Scheduler) concurrencyCap(readyInGroup int) int {
	if s.deps.MaxConcurrency > 0 {
		return s.deps.MaxConcurrency
	}
	if readyInGroup < maxDefaultConcurrency {
		return readyInGroup
	}
	return maxDefaultConcurrency
}

func (s *Scheduler) gaugeTasksRunning(group string, delta float64) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.tasksRunning.WithLabelValues(group).Add(delta)
}

func (s *Scheduler) countResult(group string, outcome executor.Outcome) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.groupResults.WithLabelValues(group, string(outcome)).Inc()
}

// reportOutcome classifies the session's final state by tallying task
// statuses and persists the
// corresponding session status. "partial" has no distinct persisted
// SessionStatus,
// so it is persisted as failed and returned to the caller as the richer
// Outcome for reporting (e.g. `orchestrate status`).
func (s *Scheduler) reportOutcome() (Outcome, error) {
	st := s.deps.State.Current()
	if st == nil {
		return "", fmt.Errorf("group: no session state loaded")
	}

	passed, failed := 0, 0
	for _, rec := range st.Tasks {
		switch rec.Status {
		case state.StatusPassed:
			passed++
		case state.StatusFailed:
			failed++
		}
	}

	switch {
	case failed == 0:
		if err := s.deps.State.Complete(); err != nil {
			return "", fmt.Errorf("group: complete: %w", err)
		}
		return OutcomeCompleted, nil
	case passed > 0 && s.deps.ContinueOnError:
		if err := s.deps.State.Fail(); err != nil {
			return "", fmt.Errorf("group: fail: %w", err)
		}
		return OutcomePartial, nil
	default:
		if err := s.deps.State.Fail(); err != nil {
			return "", fmt.Errorf("group: fail: %w", err)
		}
		return OutcomeFailed, nil
	}
}
