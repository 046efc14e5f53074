package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"genrelay/internal/store"
)

const storageProbeKey = "preflight_probe"

// CheckTarget verifies that the generation site answers over HTTP.
func CheckTarget(ctx context.Context, name, url string) Result {
	url = strings.TrimSpace(url)
	if url == "" {
		return Result{Name: name, Detail: "missing url"}
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, url, nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("request failed (%v)", err)}
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return Result{Name: name, Detail: summarizeNetError(err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Result{Name: name, Detail: fmt.Sprintf("server error (%d)", resp.StatusCode)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("reachable (%d)", resp.StatusCode)}
}

// CheckTCP verifies that addr accepts connections.
func CheckTCP(ctx context.Context, name, addr string) Result {
	if strings.TrimSpace(addr) == "" {
		return Result{Name: name, Detail: "missing address"}
	}
	dialer := net.Dialer{Timeout: 3 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (%s)", addr, summarizeNetError(err))}
	}
	_ = conn.Close()
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s reachable", addr)}
}

// CheckStorage round-trips a probe key through kv.
func CheckStorage(ctx context.Context, name string, kv store.KV) Result {
	if kv == nil {
		return Result{Name: name, Detail: "not configured"}
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := kv.Set(ctx, storageProbeKey, stamp); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("write failed (%v)", err)}
	}
	got, err := kv.Get(ctx, storageProbeKey)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("read failed (%v)", err)}
	}
	if string(got) != string(stamp) {
		return Result{Name: name, Detail: "read back a different value"}
	}
	if err := kv.Remove(ctx, storageProbeKey); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("cleanup failed (%v)", err)}
	}
	return Result{Name: name, Passed: true, Detail: "read/write ok"}
}

// CheckCommand verifies that the first word of command is on PATH.
func CheckCommand(name, command string) Result {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return Result{Name: name, Detail: "not configured"}
	}
	path, err := exec.LookPath(fields[0])
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s not found", fields[0])}
	}
	return Result{Name: name, Passed: true, Detail: path}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

func summarizeNetError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out"
	}
	return err.Error()
}
