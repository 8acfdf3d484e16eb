// Package memory implements the memory bridge: a pre-task recall hook
// that prepends prior solutions to a task prompt,
// and a best-effort post-task learn call. Failures on either side are
// logged and never block the task.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cklxx/orchestrate/internal/logging"
	"github.com/cklxx/orchestrate/internal/procutil"
)

// Item is one recalled {problem, solution} pair.
type Item struct {
	Problem  string `json:"problem"`
	Solution string `json:"solution"`
}

type recallResponse struct {
	Items []Item `json:"items"`
	Found bool   `json:"found"`
}

const recallPreamble = "Memory Recall (Prior Solutions Found)"
const separator = "----------------------------------------"

// Bridge invokes the configured memory program
// (`<memory-program> recall --q "<query>"` / `learn --problem ... --solution ...`).
type Bridge struct {
	cmd    string
	logger logging.Logger
}

// New returns a Bridge. An empty cmd disables the bridge entirely:
// ComposePrompt always returns the prompt unchanged and Learn is a no-op.
func New(cmd string, logger logging.Logger) *Bridge {
	return &Bridge{cmd: cmd, logger: logging.OrNop(logger)}
}

// ComposePrompt runs recall for taskBody and, if any items are found,
// prepends the canonical preamble; on any recall failure it logs a warning
// and returns taskBody unchanged, never blocking the task.
func (b *Bridge) ComposePrompt(ctx context.Context, taskBody string) string {
	if b == nil || b.cmd == "" {
		return taskBody
	}

	items, err := b.recall(ctx, taskBody)
	if err != nil {
		b.logger.Warn("memory: recall failed, proceeding with unmodified prompt: %v", err)
		return taskBody
	}
	if len(items) == 0 {
		return taskBody
	}

	var preamble strings.Builder
	preamble.WriteString(recallPreamble)
	preamble.WriteString(":\n\n")
	for i, item := range items {
		fmt.Fprintf(&preamble, "%d. Problem: %s\n   Solution: %s\n", i+1, item.Problem, item.Solution)
	}
	preamble.WriteString(separator)
	preamble.WriteString("\n\n")
	preamble.WriteString(taskBody)
	return preamble.String()
}

func (b *Bridge) recall(ctx context.Context, query string) ([]Item, error) {
	result, err := procutil.Run(ctx, procutil.Spec{
		Command: b.cmd,
		Args:    []string{"recall", "--q", query},
	})
	if err != nil && err != procutil.ErrTimedOut {
		return nil, fmt.Errorf("memory: recall: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("memory: recall exited %d: %s", result.ExitCode, bytes.TrimSpace(result.Stderr))
	}

	var resp recallResponse
	if err := json.Unmarshal(result.Stdout, &resp); err != nil {
		return nil, fmt.Errorf("memory: decode recall response: %w", err)
	}
	return resp.Items, nil
}

// Learn synthesises a {problem, solution} pair from the task body and its
// output and invokes the learn call. Failures are logged and swallowed.
func (b *Bridge) Learn(ctx context.Context, taskBody, taskOutput string) {
	if b == nil || b.cmd == "" {
		return
	}
	result, err := procutil.Run(ctx, procutil.Spec{
		Command: b.cmd,
		Args:    []string{"learn", "--problem", taskBody, "--solution", taskOutput},
	})
	if err != nil && err != procutil.ErrTimedOut {
		b.logger.Warn("memory: learn failed: %v", err)
		return
	}
	if result.ExitCode != 0 {
		b.logger.Warn("memory: learn exited %d: %s", result.ExitCode, bytes.TrimSpace(result.Stderr))
	}
}
