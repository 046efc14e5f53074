package logging

import "testing"

func TestNewProgressSampler(t *testing.T) {
	tests := []struct {
		name       string
		bucketSize float64
		wantSize   float64
	}{
		{"default bucket size for zero", 0, 25},
		{"default bucket size for negative", -1, 25},
		{"custom bucket size", 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewProgressSampler(tt.bucketSize)
			if s.bucketSize != tt.wantSize {
				t.Errorf("bucketSize = %v, want %v", s.bucketSize, tt.wantSize)
			}
			if s.lastBucket != -1 {
				t.Errorf("lastBucket = %d, want -1", s.lastBucket)
			}
		})
	}
}

func TestProgressSampler_NilSampler(t *testing.T) {
	var s *ProgressSampler
	if !s.ShouldLog(1, 2, "running") {
		t.Error("ShouldLog on nil sampler should always return true")
	}
	s.Reset()
}

func TestProgressSampler_StatusChange(t *testing.T) {
	s := NewProgressSampler(25)

	if !s.ShouldLog(0, 10, "running") {
		t.Error("first status should log")
	}
	if s.ShouldLog(1, 10, "running") {
		t.Error("same status and bucket should not log again")
	}
	if !s.ShouldLog(1, 10, "paused") {
		t.Error("status change should log")
	}
}

func TestProgressSampler_BucketCrossing(t *testing.T) {
	s := NewProgressSampler(25)
	s.ShouldLog(0, 8, "running")

	steps := []struct {
		current int
		want    bool
	}{
		{1, false},
		{2, true},
		{3, false},
		{4, true},
		{6, true},
		{8, true},
		{8, false},
	}
	for _, step := range steps {
		if got := s.ShouldLog(step.current, 8, "running"); got != step.want {
			t.Errorf("ShouldLog(%d/8) = %v, want %v", step.current, got, step.want)
		}
	}
}

func TestProgressSampler_UnknownTotal(t *testing.T) {
	s := NewProgressSampler(25)
	if !s.ShouldLog(3, 0, "running") {
		t.Error("first status should log")
	}
	if s.ShouldLog(5, 0, "running") {
		t.Error("unknown total should not log without a status change")
	}
}

func TestProgressSampler_Reset(t *testing.T) {
	s := NewProgressSampler(25)
	s.ShouldLog(5, 10, "running")
	s.Reset()
	if s.lastStatus != "" || s.lastBucket != -1 {
		t.Errorf("Reset did not clear state: %+v", s)
	}
	if !s.ShouldLog(5, 10, "running") {
		t.Error("first event after Reset should log")
	}
}
