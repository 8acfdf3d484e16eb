package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cklxx/orchestrate/internal/procutil"
	"github.com/cklxx/orchestrate/internal/taskfile"
)

// tokens stripped (case-insensitively) from a Questions/Blockers line before
// deciding whether it is a live blocker.
var resolvedTokens = []string{"none", "n/a", "nothing", "no questions", "no blockers"}

var batchWords = []string{"batch", "pipeline", "extract", "overnight", "nightly", "long-running"}
var outputMonitorHints = []string{"output_dir", "output validation", "quality-monitor", "quality monitor"}
var llmBudgetTokens = []string{"chutes", "llm", "scillm", "batch"}

// Options configures an Evaluate run.
type Options struct {
	// RepoRoot is the working directory sanity scripts and test files are
	// resolved against. Defaults to the current directory.
	RepoRoot string
	// BudgetCheckCmd, if set, is invoked for check 7 when the task file
	// mentions external LLM usage.
	BudgetCheckCmd string
}

// Evaluate runs all seven checks against plan and returns the aggregate
// report. Check failures are represented as StatusFail entries, never as
// a non-nil error; the returned error is reserved for infrastructure
// problems (e.g. a cancelled context).
func Evaluate(ctx context.Context, plan *taskfile.TaskPlan, opts Options) (Report, error) {
	root := opts.RepoRoot
	if root == "" {
		root = "."
	}

	var report Report
	report.Add(checkQuestionsBlockers(plan))
	sanityExist, missingSanity := checkSanityScriptsExist(plan, root)
	report.Add(sanityExist)
	if sanityExist.Status != StatusFail {
		check, err := checkSanityScriptsPass(ctx, plan, root)
		if err != nil {
			return report, err
		}
		report.Add(check)
	} else {
		report.Add(Check{Name: CheckSanityPass, Status: StatusFail, Detail: "skipped: " + missingSanity})
	}
	report.Add(checkDoDDefined(plan))
	report.Add(checkTestFilesExist(plan, root))
	report.Add(checkBatchQualityMonitoring(plan))

	budget, err := checkBudget(ctx, plan, opts)
	if err != nil {
		return report, err
	}
	report.Add(budget)

	return report, nil
}

func checkQuestionsBlockers(plan *taskfile.TaskPlan) Check {
	var blockers []string
	for _, line := range plan.Questions {
		text := strings.TrimSpace(line)
		if !strings.HasPrefix(text, "-") {
			continue
		}
		residue := strings.TrimSpace(strings.TrimPrefix(text, "-"))
		residue = stripResolvedTokens(residue)
		if residue != "" {
			blockers = append(blockers, strings.TrimSpace(strings.TrimPrefix(text, "-")))
		}
	}
	if len(blockers) > 0 {
		return Check{
			Name:   CheckQuestionsBlockers,
			Status: StatusFail,
			Detail: "Unresolved blockers found: " + strings.Join(blockers, "; "),
		}
	}
	return Check{Name: CheckQuestionsBlockers, Status: StatusPass}
}

func stripResolvedTokens(s string) string {
	residue := strings.ToLower(s)
	for _, tok := range resolvedTokens {
		residue = strings.ReplaceAll(residue, tok, "")
	}
	return strings.TrimSpace(residue)
}

func checkSanityScriptsExist(plan *taskfile.TaskPlan, root string) (Check, string) {
	var missing []string
	for _, script := range plan.SanityScripts {
		if !fileExists(resolvePath(root, script)) {
			missing = append(missing, script)
		}
	}
	if len(missing) > 0 {
		detail := "missing sanity scripts: " + strings.Join(missing, ", ")
		return Check{Name: CheckSanityExist, Status: StatusFail, Detail: detail}, detail
	}
	return Check{Name: CheckSanityExist, Status: StatusPass}, ""
}

func checkSanityScriptsPass(ctx context.Context, plan *taskfile.TaskPlan, root string) (Check, error) {
	if len(plan.SanityScripts) == 0 {
		return Check{Name: CheckSanityPass, Status: StatusPass, Detail: "no sanity scripts declared"}, nil
	}
	var failures []string
	for _, script := range plan.SanityScripts {
		path := resolvePath(root, script)
		result, err := procutil.Run(ctx, procutil.Spec{Command: interpreterFor(path), Args: []string{path}, Dir: root})
		if err != nil && err != procutil.ErrTimedOut {
			return Check{}, fmt.Errorf("preflight: run sanity script %s: %w", script, err)
		}
		switch result.ExitCode {
		case 0:
			continue
		case 42:
			failures = append(failures, fmt.Sprintf("%s: needs human clarification (exit 42)", script))
		default:
			failures = append(failures, fmt.Sprintf("%s: exit %d", script, result.ExitCode))
		}
	}
	if len(failures) > 0 {
		return Check{Name: CheckSanityPass, Status: StatusFail, Detail: strings.Join(failures, "; ")}, nil
	}
	return Check{Name: CheckSanityPass, Status: StatusPass}, nil
}

func interpreterFor(path string) string {
	if strings.HasSuffix(path, ".py") {
		return "python3"
	}
	return path
}

func checkDoDDefined(plan *taskfile.TaskPlan) Check {
	var missing []string
	for _, t := range plan.Tasks {
		if t.Agent.IsResearch() {
			continue
		}
		if t.DoD == nil || t.DoD.IsMissing() {
			missing = append(missing, t.ID)
		}
	}
	if len(missing) > 0 {
		return Check{
			Name:   CheckDoDDefined,
			Status: StatusFail,
			Detail: "missing Definition of Done for: " + strings.Join(missing, ", "),
		}
	}
	return Check{Name: CheckDoDDefined, Status: StatusPass}
}

func checkTestFilesExist(plan *taskfile.TaskPlan, root string) Check {
	var missing []string
	for _, f := range plan.TestFiles {
		if !fileExists(resolvePath(root, f)) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return Check{
			Name:   CheckTestFilesExist,
			Status: StatusFail,
			Detail: "missing test files: " + strings.Join(missing, ", "),
		}
	}
	return Check{Name: CheckTestFilesExist, Status: StatusPass}
}

func checkBatchQualityMonitoring(plan *taskfile.TaskPlan) Check {
	lower := strings.ToLower(plan.RawSource)
	hasBatchWord := false
	for _, w := range batchWords {
		if strings.Contains(lower, w) {
			hasBatchWord = true
			break
		}
	}
	if !hasBatchWord {
		return Check{Name: CheckBatchQuality, Status: StatusPass}
	}
	for _, hint := range outputMonitorHints {
		if strings.Contains(lower, hint) {
			return Check{Name: CheckBatchQuality, Status: StatusPass}
		}
	}
	return Check{
		Name:   CheckBatchQuality,
		Status: StatusWarn,
		Detail: "batch/pipeline language found with no OUTPUT_DIR or quality-monitor pattern",
	}
}

func checkBudget(ctx context.Context, plan *taskfile.TaskPlan, opts Options) (Check, error) {
	lower := strings.ToLower(plan.RawSource)
	mentionsLLM := false
	for _, tok := range llmBudgetTokens {
		if strings.Contains(lower, tok) {
			mentionsLLM = true
			break
		}
	}
	if !mentionsLLM {
		return Check{Name: CheckBudget, Status: StatusPass}, nil
	}
	if opts.BudgetCheckCmd == "" {
		return Check{
			Name:   CheckBudget,
			Status: StatusWarn,
			Detail: "external LLM usage mentioned but no budget-check program configured",
		}, nil
	}

	root := opts.RepoRoot
	if root == "" {
		root = "."
	}
	result, err := procutil.Run(ctx, procutil.Spec{Command: opts.BudgetCheckCmd, Dir: root})
	if err != nil && err != procutil.ErrTimedOut {
		return Check{}, fmt.Errorf("preflight: run budget check: %w", err)
	}
	if result.ExitCode != 0 {
		return Check{
			Name:   CheckBudget,
			Status: StatusFail,
			Detail: fmt.Sprintf("budget check exited %d: %s", result.ExitCode, result.StderrTail(200)),
		}, nil
	}
	return Check{Name: CheckBudget, Status: StatusPass}, nil
}

func resolvePath(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
