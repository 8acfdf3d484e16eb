package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fakeMemoryProgram(t *testing.T, recallJSON string, learnExit int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.sh")
	script := `#!/bin/sh
case "$1" in
  recall) echo '` + recallJSON + `' ;;
  learn) exit ` + itoa(learnExit) + ` ;;
esac
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func TestComposePromptPrependsPreambleWhenItemsFound(t *testing.T) {
	cmd := fakeMemoryProgram(t, `{"items":[{"problem":"p1","solution":"s1"}],"found":true}`, 0)
	b := New(cmd, nil)

	out := b.ComposePrompt(context.Background(), "original task body")
	if !strings.Contains(out, recallPreamble) {
		t.Errorf("expected preamble in output, got %q", out)
	}
	if !strings.Contains(out, "original task body") {
		t.Error("expected original body preserved")
	}
	if !strings.HasSuffix(out, "original task body") {
		t.Error("expected original body to come last")
	}
}

func TestComposePromptUnchangedWhenEmpty(t *testing.T) {
	cmd := fakeMemoryProgram(t, `{"items":[],"found":false}`, 0)
	b := New(cmd, nil)

	out := b.ComposePrompt(context.Background(), "original task body")
	if out != "original task body" {
		t.Errorf("expected unchanged prompt, got %q", out)
	}
}

func TestComposePromptSwallowsRecallFailure(t *testing.T) {
	b := New("/does/not/exist/memory-program", nil)
	out := b.ComposePrompt(context.Background(), "original task body")
	if out != "original task body" {
		t.Errorf("expected unchanged prompt on failure, got %q", out)
	}
}

func TestComposePromptDisabledWithoutCommand(t *testing.T) {
	b := New("", nil)
	out := b.ComposePrompt(context.Background(), "body")
	if out != "body" {
		t.Errorf("expected passthrough when no command configured, got %q", out)
	}
}

func TestLearnSwallowsFailure(t *testing.T) {
	cmd := fakeMemoryProgram(t, `{}`, 1)
	b := New(cmd, nil)
	b.Learn(context.Background(), "problem", "solution") // must not panic
}
