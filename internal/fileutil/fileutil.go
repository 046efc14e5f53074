package fileutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxUniqueSuffix bounds the " (n)" probing done by UniquePath.
const maxUniqueSuffix = 9999

// UniquePath returns dir/name when free, otherwise the first free
// "base (n).ext" variant. It does not create the file.
func UniquePath(dir, name string) (string, error) {
	candidate := filepath.Join(dir, name)
	if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
		return candidate, nil
	} else if err != nil {
		return "", fmt.Errorf("stat %s: %w", candidate, err)
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = name, ""
	}
	for n := 1; n <= maxUniqueSuffix; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		_, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("no free file name for %q in %s", name, dir)
}

// WriteResult describes a completed WriteAtomic call.
type WriteResult struct {
	Path    string
	Written int64
	SHA256  string
}

// WriteAtomic streams r into a temporary file next to dst and renames it
// into place. When expectedSize is positive the byte count must match or
// the temporary file is removed and an error returned.
func WriteAtomic(dst string, r io.Reader, expectedSize int64, mode os.FileMode) (WriteResult, error) {
	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return WriteResult{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		_ = tmp.Close()
		cleanup()
		return WriteResult{}, fmt.Errorf("write %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return WriteResult{}, fmt.Errorf("close temp file: %w", err)
	}
	if expectedSize > 0 && written != expectedSize {
		cleanup()
		return WriteResult{}, fmt.Errorf("size mismatch: expected %d bytes, wrote %d bytes", expectedSize, written)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		cleanup()
		return WriteResult{}, fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		cleanup()
		return WriteResult{}, fmt.Errorf("rename into place: %w", err)
	}
	return WriteResult{Path: dst, Written: written, SHA256: hex.EncodeToString(hasher.Sum(nil))}, nil
}
