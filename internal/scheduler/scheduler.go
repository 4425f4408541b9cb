package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrJobNotFound is returned for an unknown job ID.
	ErrJobNotFound = errors.New("scheduler: job not found")
	// ErrJobExists is returned when adding a job whose ID is taken.
	ErrJobExists = errors.New("scheduler: job already exists")
)

// Scheduler owns the digest jobs and one runner per enabled job while started.
type Scheduler struct {
	source    StatsSource
	publisher DigestPublisher
	logger    *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]*Job
	runners map[string]*JobRunner
	ctx     context.Context // non-nil while started
	cancel  context.CancelFunc
}

// Stats summarises the scheduler for status endpoints.
type Stats struct {
	TotalJobs   int   `json:"total_jobs"`
	ActiveJobs  int   `json:"active_jobs"`
	RunningJobs int   `json:"running_jobs"`
	TotalRuns   int64 `json:"total_runs"`
	TotalErrors int64 `json:"total_errors"`
}

// NewScheduler creates a scheduler whose jobs summarise source. publisher
// may be nil, in which case digests are only logged.
func NewScheduler(source StatsSource, publisher DigestPublisher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		source:    source,
		publisher: publisher,
		logger:    logger.With("component", "scheduler"),
		jobs:      make(map[string]*Job),
		runners:   make(map[string]*JobRunner),
	}
}

func (s *Scheduler) newRunner(job *Job) *JobRunner {
	return NewJobRunner(job, s.source, s.publisher, s.logger)
}

// startLocked starts a runner for job if the scheduler is running and the
// job is enabled. It reports whether a runner was started.
func (s *Scheduler) startLocked(job *Job) bool {
	if s.ctx == nil || !job.Enabled {
		return false
	}
	r := s.newRunner(job)
	s.runners[job.ID] = r
	go r.Start(s.ctx)
	return true
}

func (s *Scheduler) stopLocked(id string) {
	if r, ok := s.runners[id]; ok {
		r.Stop()
		delete(s.runners, id)
	}
}

// Start runs every enabled job until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return errors.New("scheduler: already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		s.startLocked(job)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs), "active_jobs", len(s.runners))
	return nil
}

// Stop stops all runners and waits for them. The scheduler can be started again.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	for id := range s.runners {
		s.stopLocked(id)
	}
	s.ctx, s.cancel = nil, nil
	s.logger.Info("scheduler stopped")
}

// SetDigestSchedule installs or replaces the digest job. An empty expr
// disables it.
func (s *Scheduler) SetDigestSchedule(expr string) error {
	job := DigestJob(expr)
	err := s.UpdateJob(job)
	if errors.Is(err, ErrJobNotFound) {
		return s.AddJob(job)
	}
	return err
}

// AddJob validates and registers job, starting it if the scheduler runs.
func (s *Scheduler) AddJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = job
	started := s.startLocked(job)
	s.logger.Info("job added", "job", job.ID, "enabled", job.Enabled, "started", started)
	return nil
}

// RemoveJob stops and forgets a job.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.stopLocked(id)
	delete(s.jobs, id)
	s.logger.Info("job removed", "job", id)
	return nil
}

// UpdateJob replaces an existing job and restarts its runner.
func (s *Scheduler) UpdateJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	s.stopLocked(job.ID)
	s.jobs[job.ID] = job
	started := s.startLocked(job)
	s.logger.Info("job updated", "job", job.ID, "enabled", job.Enabled, "started", started)
	return nil
}

// GetJob returns a copy of the job with the given ID.
func (s *Scheduler) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// ListJobs returns copies of all jobs.
func (s *Scheduler) ListJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.Clone())
	}
	return jobs
}

// RunJobNow runs a job once, outside its schedule, and waits for it.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	s.newRunner(job).executeJob(ctx)
	return nil
}

// LoadJobs registers jobs from configuration. Invalid jobs are logged and
// skipped.
func (s *Scheduler) LoadJobs(jobs []*Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			s.logger.Warn("invalid job in config, skipping", "job", job.ID, "error", err)
			continue
		}
		s.jobs[job.ID] = job
	}
	s.logger.Info("jobs loaded", "count", len(s.jobs))
	return nil
}

// GetStats returns run and error totals across jobs.
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{TotalJobs: len(s.jobs), RunningJobs: len(s.runners)}
	for _, job := range s.jobs {
		js := job.Snapshot()
		st.TotalRuns += js.RunCount
		st.TotalErrors += js.ErrorCount
		if job.Enabled {
			st.ActiveJobs++
		}
	}
	return st
}
