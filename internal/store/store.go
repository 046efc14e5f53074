package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"genrelay/internal/config"
)

// Store keeps paused-job KV entries and tracked jobs in one SQLite file.
type Store struct {
	db   *sql.DB
	path string
	lock lockPolicy
}

// lockPolicy bounds how long a statement waits out a competing writer,
// such as the CLI reading the jobs table while the daemon records progress.
type lockPolicy struct {
	tries int
	first time.Duration
	limit time.Duration
}

var defaultLockPolicy = lockPolicy{tries: 5, first: 10 * time.Millisecond, limit: 200 * time.Millisecond}

// Open creates the state directory when needed and opens the database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenFile(cfg.DatabasePath())
}

// OpenFile opens the database at path. WAL lets the CLI read while the
// daemon writes.
func OpenFile(path string) (*Store, error) {
	db, err := sql.Open("sqlite", connString(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}

	s := &Store{db: db, path: path, lock: defaultLockPolicy}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func connString(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database handle. A nil Store closes cleanly.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// locked reports whether err means another connection holds the write lock.
func locked(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// attempt runs op, retrying with doubling waits while the database is locked.
func (s *Store) attempt(ctx context.Context, op func() error) error {
	policy := s.lock
	if policy.tries <= 0 {
		policy = defaultLockPolicy
	}
	wait := policy.first
	for try := 1; ; try++ {
		err := op()
		if !locked(err) || try >= policy.tries {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, policy.limit)
	}
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = orBackground(ctx)
	var res sql.Result
	err := s.attempt(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// nullText stores empty resume points and error messages as NULL.
func nullText(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullStamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return stamp(*t)
}

func parseStamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	return time.Parse(time.RFC3339Nano, value)
}

// statusList renders "?, ?, ?" for an IN clause over n statuses.
func statusList(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
