package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/sandboxgate/internal/security"
)

// MockStats implements StatsSource for testing
type MockStats struct {
	mu     sync.Mutex
	totals map[security.EventType]int64
}

func (m *MockStats) Stats() security.EventStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	totals := make(map[security.EventType]int64, len(m.totals))
	for k, v := range m.totals {
		totals[k] = v
	}
	return security.EventStats{Retained: 3, Capacity: 1000, Totals: totals}
}

func (m *MockStats) Add(t security.EventType, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totals == nil {
		m.totals = make(map[security.EventType]int64)
	}
	m.totals[t] += n
}

// MockPublisher implements DigestPublisher for testing
type MockPublisher struct {
	mu      sync.Mutex
	digests []Digest
	err     error
}

func (m *MockPublisher) PublishDigest(ctx context.Context, digest any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.digests = append(m.digests, digest.(Digest))
	return nil
}

func (m *MockPublisher) Digests() []Digest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Digest{}, m.digests...)
}

func testJob(id string, intervalMs int64) *Job {
	return &Job{
		ID:       id,
		Name:     "Test " + id,
		Enabled:  true,
		Schedule: ScheduleConfig{Kind: "interval", IntervalMs: intervalMs},
		Action:   ActionConfig{Kind: "digest"},
	}
}

func TestNewScheduler(t *testing.T) {
	source := &MockStats{}
	pub := &MockPublisher{}
	sched := NewScheduler(source, pub, nil)

	if sched == nil {
		t.Fatal("NewScheduler returned nil")
	}
	if sched.source != source || sched.publisher != pub {
		t.Error("dependencies not set correctly")
	}
	if len(sched.jobs) != 0 {
		t.Error("Jobs map should be empty")
	}
}

func TestSchedulerAddJob(t *testing.T) {
	sched := NewScheduler(&MockStats{}, nil, nil)

	if err := sched.AddJob(testJob("test-job", 60000)); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	if _, err := sched.GetJob("test-job"); err != nil {
		t.Errorf("GetJob failed: %v", err)
	}

	if err := sched.AddJob(testJob("test-job", 60000)); err == nil {
		t.Error("expected error for duplicate job ID")
	}

	bad := testJob("bad", 60000)
	bad.Action.Kind = "shell"
	if err := sched.AddJob(bad); err == nil {
		t.Error("expected error for invalid job")
	}
}

func TestSchedulerRemoveJob(t *testing.T) {
	sched := NewScheduler(&MockStats{}, nil, nil)
	_ = sched.AddJob(testJob("test-job", 60000))

	if err := sched.RemoveJob("test-job"); err != nil {
		t.Fatalf("RemoveJob failed: %v", err)
	}
	if _, err := sched.GetJob("test-job"); err == nil {
		t.Error("job should not exist after removal")
	}
	if err := sched.RemoveJob("nonexistent"); !errors.Is(err, ErrJobNotFound) {
		t.Error("expected error for non-existent job")
	}
}

func TestSchedulerUpdateJob(t *testing.T) {
	sched := NewScheduler(&MockStats{}, nil, nil)
	_ = sched.AddJob(testJob("test-job", 60000))

	updated := testJob("test-job", 120000)
	updated.Name = "Updated"
	if err := sched.UpdateJob(updated); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	got, _ := sched.GetJob("test-job")
	if got.Name != "Updated" || got.Schedule.IntervalMs != 120000 {
		t.Errorf("job = %+v", got)
	}

	if err := sched.UpdateJob(testJob("missing", 1000)); err == nil {
		t.Error("expected error for non-existent job")
	}
}

func TestSchedulerListJobs(t *testing.T) {
	sched := NewScheduler(&MockStats{}, nil, nil)
	for _, id := range []string{"a", "b", "c"} {
		_ = sched.AddJob(testJob(id, 60000))
	}
	if jobs := sched.ListJobs(); len(jobs) != 3 {
		t.Errorf("expected 3 jobs, got %d", len(jobs))
	}
}

func TestSchedulerLoadJobs(t *testing.T) {
	sched := NewScheduler(&MockStats{}, nil, nil)

	invalid := testJob("invalid", 0)
	if err := sched.LoadJobs([]*Job{testJob("job1", 60000), testJob("job2", 60000), invalid}); err != nil {
		t.Fatalf("LoadJobs failed: %v", err)
	}
	if jobs := sched.ListJobs(); len(jobs) != 2 {
		t.Errorf("expected 2 valid jobs, got %d", len(jobs))
	}
}

func TestSchedulerGetStats(t *testing.T) {
	sched := NewScheduler(&MockStats{}, nil, nil)

	j1 := testJob("job1", 60000)
	j1.State = JobState{RunCount: 10, ErrorCount: 2}
	j2 := testJob("job2", 60000)
	j2.Enabled = false
	j2.State = JobState{RunCount: 5, ErrorCount: 1}
	_ = sched.AddJob(j1)
	_ = sched.AddJob(j2)

	want := Stats{TotalJobs: 2, ActiveJobs: 1, TotalRuns: 15, TotalErrors: 3}
	if got := sched.GetStats(); got != want {
		t.Errorf("GetStats() = %+v, want %+v", got, want)
	}
}

func TestSchedulerRunJobNow(t *testing.T) {
	source := &MockStats{}
	source.Add(security.EventCommandBlocked, 2)
	pub := &MockPublisher{}
	sched := NewScheduler(source, pub, nil)
	_ = sched.AddJob(testJob("digest", 60000))

	if err := sched.RunJobNow(context.Background(), "digest"); err != nil {
		t.Fatalf("RunJobNow failed: %v", err)
	}

	digests := pub.Digests()
	if len(digests) != 1 {
		t.Fatalf("expected 1 digest, got %d", len(digests))
	}
	if digests[0].Totals[security.EventCommandBlocked] != 2 {
		t.Errorf("totals = %v", digests[0].Totals)
	}

	if err := sched.RunJobNow(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Error("expected error for unknown job")
	}
}

func TestSchedulerRunJobNowRecordsPublishError(t *testing.T) {
	pub := &MockPublisher{err: errors.New("broker down")}
	sched := NewScheduler(&MockStats{}, pub, nil)
	_ = sched.AddJob(testJob("digest", 60000))

	_ = sched.RunJobNow(context.Background(), "digest")

	got, _ := sched.GetJob("digest")
	if got.State.ErrorCount != 1 || got.State.LastError != "broker down" {
		t.Errorf("state = %+v", got.State)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	source := &MockStats{}
	pub := &MockPublisher{}
	sched := NewScheduler(source, pub, nil)
	_ = sched.AddJob(testJob("test-job", 50))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	sched.Stop()

	retrieved, _ := sched.GetJob("test-job")
	if retrieved.State.RunCount == 0 {
		t.Error("Job should have run at least once")
	}
	if len(pub.Digests()) == 0 {
		t.Error("no digests published")
	}

	sched.Stop() // second stop is a no-op
}

func TestSchedulerSetDigestSchedule(t *testing.T) {
	sched := NewScheduler(&MockStats{}, nil, nil)

	if err := sched.SetDigestSchedule("0 * * * *"); err != nil {
		t.Fatalf("SetDigestSchedule failed: %v", err)
	}
	got, err := sched.GetJob(DigestJobID)
	if err != nil || !got.Enabled || got.Schedule.Expr != "0 * * * *" {
		t.Fatalf("job = %+v, err = %v", got, err)
	}

	if err := sched.SetDigestSchedule("*/5 * * * *"); err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}
	got, _ = sched.GetJob(DigestJobID)
	if got.Schedule.Expr != "*/5 * * * *" {
		t.Errorf("expr = %q", got.Schedule.Expr)
	}

	if err := sched.SetDigestSchedule(""); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	got, _ = sched.GetJob(DigestJobID)
	if got.Enabled {
		t.Error("digest job should be disabled")
	}

	if err := sched.SetDigestSchedule("not a schedule"); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}
