package main

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"genrelay/internal/preflight"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("genrelay", statusError, "Not running", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "genrelay:", "[ERROR] Not running")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("genrelay", statusOK, "Running", true)
	if !strings.HasPrefix(got, ansiGreen) || !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected green line, got %q", got)
	}
}

func TestStatusKindFromSeverity(t *testing.T) {
	cases := map[string]statusKind{
		"ok":      statusOK,
		"WARN":    statusWarn,
		"error":   statusError,
		"info":    statusInfo,
		"unknown": statusInfo,
	}
	for severity, want := range cases {
		if got := statusKindFromSeverity(severity); got != want {
			t.Fatalf("statusKindFromSeverity(%q) = %v, want %v", severity, got, want)
		}
	}
}

func TestPreflightLines(t *testing.T) {
	lines := preflightLines([]preflight.Result{
		{Name: "Data directory", Passed: true, Detail: "/tmp/data"},
		{Name: "Connectivity probe", Passed: false, Detail: "refused"},
	}, false)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "[OK] /tmp/data") || !strings.Contains(lines[1], "[ERROR] refused") {
		t.Fatalf("unexpected lines %q", lines)
	}
}

func TestShouldColorizeNonFile(t *testing.T) {
	if shouldColorize(io.Discard) {
		t.Fatalf("expected non-file writer to disable color")
	}
}
