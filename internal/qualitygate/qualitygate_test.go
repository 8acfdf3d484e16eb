package qualitygate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cklxx/orchestrate/internal/procutil"
)

func TestClassifyPass(t *testing.T) {
	v := classify(procutil.Result{ExitCode: 0})
	if v.Result != ResultPass {
		t.Errorf("Result = %q, want pass", v.Result)
	}
}

func TestClassifySkipRejected(t *testing.T) {
	v := classify(procutil.Result{ExitCode: 3})
	if v.Result != ResultSkipRejected {
		t.Errorf("Result = %q, want skip_rejected", v.Result)
	}
	if v.Message != skipRejectedMessage {
		t.Errorf("Message = %q", v.Message)
	}
}

func TestClassifyFail(t *testing.T) {
	v := classify(procutil.Result{ExitCode: 1, Stderr: []byte("boom")})
	if v.Result != ResultFail {
		t.Errorf("Result = %q, want fail", v.Result)
	}
}

func TestRunWholeSuiteVsScopedTest(t *testing.T) {
	script := writeScript(t, `#!/bin/sh
if [ -n "$1" ]; then echo "scoped:$1"; else echo "whole-suite"; fi
exit 0
`)
	r := New(Config{VerifierCmd: script})

	v, err := r.Run(context.Background(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !v.Passed() {
		t.Fatalf("expected pass")
	}

	v, err = r.Run(context.Background(), t.TempDir(), "tests/x.py::test_x")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !v.Passed() {
		t.Fatalf("expected pass for scoped run")
	}
}

func TestSampleOutputDirFlagsEmptyAsCritical(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.md"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	warnings, critical, err := sampleOutputDir(dir, "*.md", 5)
	if err != nil {
		t.Fatalf("sampleOutputDir: %v", err)
	}
	if !critical {
		t.Error("expected critical flag for empty file")
	}
	if len(warnings) != 1 {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestSampleOutputDirSmallFileIsWarningOnly(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.md"), []byte("tiny"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, critical, err := sampleOutputDir(dir, "*.md", 5)
	if err != nil {
		t.Fatalf("sampleOutputDir: %v", err)
	}
	if critical {
		t.Error("small file alone should not be critical")
	}
}

func TestSampleOutputDirWrongFormatIsCritical(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.md"), []byte(`{"not":"markdown"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, critical, err := sampleOutputDir(dir, "*.md", 5)
	if err != nil {
		t.Fatalf("sampleOutputDir: %v", err)
	}
	if !critical {
		t.Error("expected critical flag for JSON-shaped file")
	}
}

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "verifier.sh")
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}
