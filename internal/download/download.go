// Package download saves generated images into the download directory.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"genrelay/internal/config"
	"genrelay/internal/fileutil"
	"genrelay/internal/logging"
	"genrelay/internal/messages"
	"genrelay/internal/textutil"
)

var (
	// ErrUnsafeURL rejects anything but absolute http(s) URLs.
	ErrUnsafeURL = errors.New("unsafe download url")
	// ErrCircuitOpen reports that recent downloads failed too often.
	ErrCircuitOpen = errors.New("download circuit open")
)

// StatusError is a non-2xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download %s: unexpected status %d", e.URL, e.Code)
}

// Result describes a saved image.
type Result struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Path   string `json:"path"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// Option customizes an Executor.
type Option func(*Executor)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) {
		if c != nil {
			e.client = c
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithBreakerSettings overrides the failure threshold and open period.
func WithBreakerSettings(failures uint32, openFor time.Duration) Option {
	return func(e *Executor) {
		e.tripAfter = failures
		e.openFor = openFor
	}
}

// Executor fetches images over HTTP behind a circuit breaker.
type Executor struct {
	dir       string
	maxName   int
	client    *http.Client
	logger    *slog.Logger
	tripAfter uint32
	openFor   time.Duration
	breaker   *gobreaker.CircuitBreaker
}

// New builds an Executor from the [paths] and [download] sections.
func New(cfg *config.Config, opts ...Option) *Executor {
	e := &Executor{
		dir:       cfg.Paths.DownloadDir,
		maxName:   cfg.Download.MaxFileNameLength,
		client:    &http.Client{Timeout: cfg.Download.Timeout()},
		logger:    logging.NewNop(),
		tripAfter: 5,
		openFor:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.NewComponentLogger(e.logger, "download")
	tripAfter := e.tripAfter
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "download",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     e.openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= tripAfter
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Info("download circuit state changed",
				logging.String(logging.FieldEventType, "download_circuit_state"),
				logging.String("from", from.String()),
				logging.String("to", to.String()),
			)
		},
	})
	return e
}

// State returns the circuit breaker state name.
func (e *Executor) State() string {
	return e.breaker.State().String()
}

// Download saves url as fileName and returns an opaque download id.
func (e *Executor) Download(ctx context.Context, url, fileName string) (string, error) {
	res, err := e.Fetch(ctx, url, fileName)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

// Fetch saves url as fileName, picking "name (n).ext" when the name is
// taken.
func (e *Executor) Fetch(ctx context.Context, url, fileName string) (Result, error) {
	if !messages.IsSafeURL(url) {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsafeURL, url)
	}
	name := textutil.SanitizeFileName(fileName, e.maxName)
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create download dir: %w", err)
	}

	out, err := e.breaker.Execute(func() (any, error) {
		return e.fetch(ctx, url, name)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{}, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	if err != nil {
		logging.WarnWithContext(e.logger, "download failed", "download_attempt_failed",
			logging.String("url", url),
			logging.String("file_name", name),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the router retries with backoff"),
		)
		return Result{}, err
	}
	res := out.(Result)
	e.logger.Info("image saved",
		logging.String(logging.FieldEventType, "download_completed"),
		logging.String("download_id", res.ID),
		logging.String("path", res.Path),
		logging.Int64("bytes", res.Bytes),
	)
	return res, nil
}

func (e *Executor) fetch(ctx context.Context, url, name string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &StatusError{URL: url, Code: resp.StatusCode}
	}

	dst, err := fileutil.UniquePath(e.dir, name)
	if err != nil {
		return Result{}, err
	}
	written, err := fileutil.WriteAtomic(dst, resp.Body, resp.ContentLength, 0o644)
	if err != nil {
		return Result{}, err
	}
	return Result{
		ID:     uuid.NewString(),
		URL:    url,
		Path:   written.Path,
		Bytes:  written.Written,
		SHA256: written.SHA256,
	}, nil
}
