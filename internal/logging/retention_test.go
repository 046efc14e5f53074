package logging_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"genrelay/internal/logging"
)

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().AddDate(0, 0, -10)
	write := func(name string, mod time.Time) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
		return path
	}
	stale := write("genrelay-a.json", old)
	current := write("genrelay-b.json", old)
	fresh := write("genrelay-c.json", time.Now())
	other := write("notes.txt", old)

	removed := logging.CleanupOldLogs(logging.NewNop(), 7, logging.RetentionTarget{
		Dir:     dir,
		Pattern: "genrelay-*.json",
		Exclude: []string{current},
	})
	if removed != 1 {
		t.Fatalf("expected 1 file removed, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected %s removed, stat err %v", stale, err)
	}
	for _, path := range []string{current, fresh, other} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s kept: %v", path, err)
		}
	}
}

func TestCleanupOldLogsDisabled(t *testing.T) {
	if n := logging.CleanupOldLogs(nil, 0, logging.RetentionTarget{Dir: t.TempDir()}); n != 0 {
		t.Fatalf("expected no pruning, got %d", n)
	}
}
