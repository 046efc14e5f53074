package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"genrelay/internal/jobs"
)

// PausedJobsKey is the well-known key holding the paused-job list.
const PausedJobsKey = "paused_jobs"

// MaxPausedRecords bounds the paused list; the oldest records are dropped.
const MaxPausedRecords = 50

// LoadPausedList reads the paused list. A missing key yields an empty list.
// Entries that cannot be decoded are returned as zero records so callers
// can detect and clean them up through validation.
func LoadPausedList(ctx context.Context, kv KV) ([]jobs.PausedRecord, error) {
	raw, err := kv.Get(ctx, PausedJobsKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		// The whole list is unreadable; surface it as one corrupt entry.
		return []jobs.PausedRecord{{}}, nil
	}
	records := make([]jobs.PausedRecord, 0, len(entries))
	for _, entry := range entries {
		var rec jobs.PausedRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			rec = jobs.PausedRecord{}
		}
		records = append(records, rec)
	}
	return records, nil
}

// SavePausedList replaces the paused list. An empty list removes the key.
func SavePausedList(ctx context.Context, kv KV, records []jobs.PausedRecord) error {
	if len(records) == 0 {
		return kv.Remove(ctx, PausedJobsKey)
	}
	if len(records) > MaxPausedRecords {
		records = records[len(records)-MaxPausedRecords:]
	}
	encoded, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode paused list: %w", err)
	}
	return kv.Set(ctx, PausedJobsKey, encoded)
}

// AppendPaused adds rec to the paused list, replacing an existing record
// with the same id.
func AppendPaused(ctx context.Context, kv KV, rec jobs.PausedRecord) error {
	records, err := LoadPausedList(ctx, kv)
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, existing := range records {
		if existing.ID != rec.ID {
			kept = append(kept, existing)
		}
	}
	return SavePausedList(ctx, kv, append(kept, rec))
}

// RemovePaused drops the record for id. It reports whether one was removed.
func RemovePaused(ctx context.Context, kv KV, id string) (bool, error) {
	records, err := LoadPausedList(ctx, kv)
	if err != nil {
		return false, err
	}
	kept := records[:0]
	removed := false
	for _, existing := range records {
		if existing.ID == id {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	if !removed {
		return false, nil
	}
	return true, SavePausedList(ctx, kv, kept)
}
