package jobs_test

import (
	"errors"
	"testing"
	"time"

	"genrelay/internal/jobs"
)

func runningJob() jobs.Job {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return jobs.Job{
		ID:         "job-456",
		Prompt:     "a lighthouse at dusk",
		Parameters: map[string]any{"steps": 28.0},
		Status:     jobs.StatusRunning,
		Progress:   jobs.Progress{Current: 3, Total: 10},
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestTransitionPausePreservesIdentity(t *testing.T) {
	job := runningJob()
	now := job.CreatedAt.Add(time.Minute)

	paused, err := job.Transition(jobs.StatusPaused, now)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if paused.ID != job.ID || paused.Progress != job.Progress {
		t.Fatalf("pause changed identity or progress: %+v", paused)
	}
	if paused.PausedAt == nil || !paused.PausedAt.Equal(now) || !paused.UpdatedAt.Equal(now) {
		t.Fatalf("pause timestamps not stamped: %+v", paused)
	}
	if paused.ResumePoint != jobs.DefaultResumePoint {
		t.Fatalf("resume point = %q", paused.ResumePoint)
	}
	if job.Status != jobs.StatusRunning {
		t.Fatal("Transition must not mutate the receiver")
	}

	resumed, err := paused.Transition(jobs.StatusRunning, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.PausedAt != nil {
		t.Fatal("resumed job should clear pausedAt")
	}
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	cases := []struct {
		from, to jobs.Status
	}{
		{jobs.StatusPending, jobs.StatusPaused},
		{jobs.StatusCompleted, jobs.StatusRunning},
		{jobs.StatusCancelled, jobs.StatusRunning},
		{jobs.StatusPaused, jobs.StatusCompleted},
	}
	for _, tc := range cases {
		job := runningJob()
		job.Status = tc.from
		if _, err := job.Transition(tc.to, time.Now()); !errors.Is(err, jobs.ErrInvalidTransition) {
			t.Fatalf("%s -> %s: err = %v", tc.from, tc.to, err)
		}
	}
}

func TestValidate(t *testing.T) {
	job := runningJob()
	if err := job.Validate(); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}
	job.Progress = jobs.Progress{Current: 5, Total: 3}
	if err := job.Validate(); !errors.Is(err, jobs.ErrInvalidJob) {
		t.Fatalf("expected progress error, got %v", err)
	}
	job = runningJob()
	job.ID = "bad id"
	if err := job.Validate(); err == nil {
		t.Fatal("expected id error")
	}
	job = runningJob()
	job.Status = "sleeping"
	if err := job.Validate(); err == nil {
		t.Fatal("expected status error")
	}
}

func TestPausedRecordRoundTrip(t *testing.T) {
	job := runningJob()
	paused, err := job.Transition(jobs.StatusPaused, job.CreatedAt.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	record := jobs.NewPausedRecord(paused, time.Now())
	if err := record.Validate(); err != nil {
		t.Fatalf("record invalid: %v", err)
	}
	if record.PausedAt != paused.PausedAt.UnixMilli() {
		t.Fatalf("pausedAt = %d", record.PausedAt)
	}
	restored := record.Job()
	if restored.ID != job.ID || restored.Prompt != job.Prompt || restored.Progress != job.Progress {
		t.Fatalf("restored job lost data: %+v", restored)
	}
}

func TestPausedRecordValidate(t *testing.T) {
	bad := []jobs.PausedRecord{
		{ID: " ", Status: jobs.StatusPaused, PausedAt: 1},
		{ID: "j", Status: "weird", PausedAt: 1},
		{ID: "j", Status: jobs.StatusPaused},
	}
	for _, r := range bad {
		if err := r.Validate(); err == nil {
			t.Fatalf("expected error for %+v", r)
		}
	}
}

func TestNormalizeResumePoint(t *testing.T) {
	if jobs.NormalizeResumePoint("download_start") != jobs.ResumeDownloadStart {
		t.Fatal("known point should be kept")
	}
	if jobs.NormalizeResumePoint("halfway") != jobs.ResumeGenerationStart {
		t.Fatal("unknown point should default")
	}
}

func TestParseStatus(t *testing.T) {
	if st, ok := jobs.ParseStatus(" Running "); !ok || st != jobs.StatusRunning {
		t.Fatalf("ParseStatus = %q %v", st, ok)
	}
	if _, ok := jobs.ParseStatus("done"); ok {
		t.Fatal("unknown status accepted")
	}
	if !jobs.StatusCompleted.Terminal() || jobs.StatusPaused.Terminal() {
		t.Fatal("Terminal mismatch")
	}
}
