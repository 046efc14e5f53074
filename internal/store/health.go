package store

import (
	"context"
	"fmt"
	"strings"
)

// StatusCounts returns the number of tracked jobs per status.
func (s *Store) StatusCounts(ctx context.Context) (map[string]int, error) {
	ctx = orBackground(ctx)
	counts := make(map[string]int)
	err := s.attempt(ctx, func() error {
		clear(counts)
		rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			counts[status] = count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return counts, nil
}

// HealthReport summarizes database health.
type HealthReport struct {
	DatabasePath    string
	SchemaVersion   int
	TotalJobs       int
	IntegrityCheck  bool
	IntegrityDetail string
}

// Health pings the database and runs an integrity check.
func (s *Store) Health(ctx context.Context) (HealthReport, error) {
	ctx = orBackground(ctx)
	report := HealthReport{DatabasePath: s.path, SchemaVersion: schemaVersion}

	if err := s.db.PingContext(ctx); err != nil {
		return report, fmt.Errorf("ping database: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&report.TotalJobs); err != nil {
		return report, fmt.Errorf("count jobs: %w", err)
	}

	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		report.IntegrityDetail = err.Error()
		return report, nil
	}
	report.IntegrityDetail = result
	report.IntegrityCheck = strings.EqualFold(result, "ok")
	return report, nil
}
