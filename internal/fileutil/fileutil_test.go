package fileutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUniquePathFree(t *testing.T) {
	dir := t.TempDir()
	got, err := UniquePath(dir, "cat.png")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(dir, "cat.png") {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestUniquePathAddsSuffix(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"cat.png", "cat (1).png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := UniquePath(dir, "cat.png")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(dir, "cat (2).png") {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestUniquePathDotfile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := UniquePath(dir, ".png")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(dir, ".png (1)") {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.bin")

	res, err := WriteAtomic(dst, strings.NewReader("hello world"), 11, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if res.Written != 11 {
		t.Fatalf("written = %d", res.Written)
	}
	if res.SHA256 == "" {
		t.Fatal("expected checksum")
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("content mismatch: %q", got)
	}
}

func TestWriteAtomicSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.bin")

	if _, err := WriteAtomic(dst, strings.NewReader("short"), 100, 0o644); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("destination should not exist, stat err = %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp file left behind: %v", entries)
	}
}
