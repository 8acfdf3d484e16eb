// Package qualitygate wraps the external verifier program: it classifies
// the verifier's exit code and, when configured, performs the advisory
// output-quality sampling sub-check.
package qualitygate

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cklxx/orchestrate/internal/procutil"
	"github.com/prometheus/client_golang/prometheus"
)

// Result classifies a verifier run.
type Result string

const (
	ResultPass          Result = "pass"
	ResultSkipRejected  Result = "skip_rejected"
	ResultFail          Result = "fail"
)

// skipRejectedMessage is the fixed message for verifier exit code 3: the
// runner rejects the sentinel "skip" value.
const skipRejectedMessage = "skip is not acceptable for implementation tasks"

// Verdict is the outcome of one Run call.
type Verdict struct {
	Result     Result
	Message    string
	ExitCode   int
	OutputWarn []string
}

// Passed reports whether the verifier accepted the task.
func (v Verdict) Passed() bool { return v.Result == ResultPass }

// Config configures one Runner.
type Config struct {
	VerifierCmd   string
	OutputDir     string
	OutputPattern string
	SampleSize    int
	Timeout       time.Duration
	Metrics       *Metrics
}

// Metrics are the Prometheus series qualitygate publishes.
type Metrics struct {
	runsTotal *prometheus.CounterVec
}

// MustNewMetrics registers qualitygate's series on registry and panics on
// a registration conflict, so a duplicate wiring mistake surfaces at
// start-up.
func MustNewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qualitygate_runs_total",
			Help: "Verifier invocations by classification.",
		}, []string{"result"}),
	}
	registry.MustRegister(m.runsTotal)
	return m
}

func (m *Metrics) observe(result Result) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(string(result)).Inc()
}

// Runner invokes the verifier program and classifies its result.
type Runner struct {
	cfg Config
}

// New returns a Runner for cfg. cfg.VerifierCmd must be set.
func New(cfg Config) *Runner {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 5
	}
	if cfg.OutputPattern == "" {
		cfg.OutputPattern = "*.md"
	}
	return &Runner{cfg: cfg}
}

// Run invokes the verifier scoped to testID (empty for whole-suite mode)
// with repoRoot as its working directory.
func (r *Runner) Run(ctx context.Context, repoRoot, testID string) (Verdict, error) {
	var args []string
	if testID != "" {
		args = []string{testID}
	}

	env := os.Environ()
	if r.cfg.OutputDir != "" {
		env = append(env, "OUTPUT_DIR="+r.cfg.OutputDir, "OUTPUT_PATTERN="+r.cfg.OutputPattern, fmt.Sprintf("SAMPLE_SIZE=%d", r.cfg.SampleSize))
	}

	result, runErr := procutil.Run(ctx, procutil.Spec{
		Command: r.cfg.VerifierCmd,
		Args:    args,
		Dir:     repoRoot,
		Env:     env,
		Timeout: r.cfg.Timeout,
	})
	if runErr != nil && runErr != procutil.ErrTimedOut {
		return Verdict{}, fmt.Errorf("qualitygate: run verifier: %w", runErr)
	}

	verdict := classify(result)

	if verdict.Passed() && r.cfg.OutputDir != "" {
		warnings, critical, err := sampleOutputDir(r.cfg.OutputDir, r.cfg.OutputPattern, r.cfg.SampleSize)
		if err != nil {
			return Verdict{}, fmt.Errorf("qualitygate: sample output dir: %w", err)
		}
		verdict.OutputWarn = warnings
		if critical {
			verdict.Result = ResultFail
			verdict.Message = "output-quality sample flagged a critical file; see OutputWarn"
		}
	}

	r.cfg.Metrics.observe(verdict.Result)
	return verdict, nil
}

func classify(result procutil.Result) Verdict {
	switch result.ExitCode {
	case 0:
		return Verdict{Result: ResultPass, ExitCode: 0}
	case 3:
		return Verdict{Result: ResultSkipRejected, ExitCode: 3, Message: skipRejectedMessage}
	default:
		return Verdict{
			Result:   ResultFail,
			ExitCode: result.ExitCode,
			Message:  strings.TrimSpace(string(result.StderrTail(2000))),
		}
	}
}

// sampleOutputDir samples up to sampleSize random files matching pattern
// from dir and flags suspected-wrong-format, empty, or suspiciously-small
// files. A flagged empty or wrong-format
// file is critical and fails the task; a suspiciously-small file only
// surfaces as a warning.
func sampleOutputDir(dir, pattern string, sampleSize int) (warnings []string, critical bool, err error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, false, err
	}
	if len(matches) == 0 {
		return nil, false, nil
	}

	rand.Shuffle(len(matches), func(i, j int) { matches[i], matches[j] = matches[j], matches[i] })
	if len(matches) > sampleSize {
		matches = matches[:sampleSize]
	}

	for _, path := range matches {
		info, statErr := os.Stat(path)
		if statErr != nil {
			continue
		}
		if info.Size() == 0 {
			warnings = append(warnings, fmt.Sprintf("%s: empty file", path))
			critical = true
			continue
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			continue
		}
		if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
			warnings = append(warnings, fmt.Sprintf("%s: suspected wrong format (starts with %q)", path, string(data[0])))
			critical = true
			continue
		}
		if info.Size() < 100 {
			warnings = append(warnings, fmt.Sprintf("%s: suspiciously small (%d bytes)", path, info.Size()))
		}
	}
	return warnings, critical, nil
}
