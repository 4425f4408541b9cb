package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/clawinfra/sandboxgate/internal/security"
)

// StatsSource is where digests read event counts from. *security.EventLog
// implements it.
type StatsSource interface {
	Stats() security.EventStats
}

// DigestPublisher receives each digest a "digest" job builds.
type DigestPublisher interface {
	PublishDigest(ctx context.Context, digest any) error
}

// Digest summarises security events. Totals are lifetime counts; Period
// counts what happened since the job's previous run.
type Digest struct {
	JobID       string                       `json:"job_id"`
	GeneratedAt time.Time                    `json:"generated_at"`
	Since       time.Time                    `json:"since,omitempty"`
	Retained    int                          `json:"retained"`
	Capacity    int                          `json:"capacity"`
	Totals      map[security.EventType]int64 `json:"totals"`
	Period      map[security.EventType]int64 `json:"period"`
}

// PeriodTotal sums Period across event types.
func (d Digest) PeriodTotal() int64 {
	var n int64
	for _, v := range d.Period {
		n += v
	}
	return n
}

// JobRunner executes a single job on schedule
type JobRunner struct {
	job       *Job
	ticker    *time.Ticker
	logger    *slog.Logger
	source    StatsSource
	publisher DigestPublisher
	client    *http.Client
	stopCh    chan struct{}
	doneCh    chan struct{}

	last   map[security.EventType]int64
	lastAt time.Time
}

// NewJobRunner creates a new job runner
func NewJobRunner(job *Job, source StatsSource, publisher DigestPublisher, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	return &JobRunner{
		job:       job,
		source:    source,
		publisher: publisher,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    log.With("job", job.ID),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins executing the job on schedule
func (r *JobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	if !r.job.Enabled {
		r.logger.Debug("job disabled, not starting")
		return
	}

	// Baseline so the first digest reports only what happens after startup.
	if r.source != nil {
		r.last = r.source.Stats().Totals
		r.lastAt = time.Now().UTC()
	}

	nextRun, err := r.job.NextRun(time.Now())
	if err != nil {
		r.logger.Error("failed to calculate next run", "error", err)
		return
	}
	r.job.updateState(func(s *JobState) { s.NextRunAt = nextRun })

	r.logger.Info("job runner started", "next_run", nextRun.Format(time.RFC3339))

	var tickerDuration time.Duration
	switch r.job.Schedule.Kind {
	case "interval":
		tickerDuration = time.Duration(r.job.Schedule.IntervalMs) * time.Millisecond
	case "cron", "at":
		// Check every minute for cron/at schedules
		tickerDuration = 1 * time.Minute
	}

	r.ticker = time.NewTicker(tickerDuration)
	defer r.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("job runner stopped")
			return
		case now := <-r.ticker.C:
			shouldRun := r.job.Schedule.Kind == "interval" || !now.Before(nextRun)
			if !shouldRun {
				continue
			}
			r.executeJob(ctx)

			nextRun, err = r.job.NextRun(time.Now())
			if err != nil {
				r.logger.Error("failed to calculate next run", "error", err)
				continue
			}
			r.job.updateState(func(s *JobState) { s.NextRunAt = nextRun })
			r.logger.Debug("next run scheduled", "next_run", nextRun.Format(time.RFC3339))
		}
	}
}

// Stop stops the job runner
func (r *JobRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// executeJob runs the job once
func (r *JobRunner) executeJob(ctx context.Context) {
	start := time.Now()
	r.logger.Debug("executing job")

	var err error
	digest := r.buildDigest()
	switch r.job.Action.Kind {
	case "digest":
		err = r.publishDigest(ctx, digest)
	case "webhook":
		err = r.postDigest(ctx, digest)
	default:
		err = fmt.Errorf("unknown action kind: %s", r.job.Action.Kind)
	}

	duration := time.Since(start)

	var state JobState
	r.job.updateState(func(s *JobState) {
		s.LastRunAt = time.Now()
		s.LastDuration = duration
		s.RunCount++
		if err != nil {
			s.ErrorCount++
			s.LastError = err.Error()
		} else {
			s.LastError = ""
		}
		state = *s
	})

	if err != nil {
		r.logger.Error("job failed",
			"error", err,
			"duration", duration,
			"run_count", state.RunCount,
			"error_count", state.ErrorCount)
		return
	}
	r.logger.Debug("job completed",
		"duration", duration,
		"run_count", state.RunCount)
}

func (r *JobRunner) buildDigest() Digest {
	d := Digest{
		JobID:       r.job.ID,
		GeneratedAt: time.Now().UTC(),
		Since:       r.lastAt,
		Totals:      map[security.EventType]int64{},
		Period:      map[security.EventType]int64{},
	}
	if r.source == nil {
		return d
	}
	stats := r.source.Stats()
	d.Retained = stats.Retained
	d.Capacity = stats.Capacity
	d.Totals = stats.Totals
	for k, v := range stats.Totals {
		if delta := v - r.last[k]; delta > 0 {
			d.Period[k] = delta
		}
	}
	r.last = stats.Totals
	r.lastAt = d.GeneratedAt
	return d
}

// publishDigest logs the digest and hands it to the publisher, if any.
func (r *JobRunner) publishDigest(ctx context.Context, d Digest) error {
	attrs := []any{"events", d.PeriodTotal(), "retained", d.Retained, "capacity", d.Capacity}
	types := make([]string, 0, len(d.Period))
	for k := range d.Period {
		types = append(types, string(k))
	}
	sort.Strings(types)
	for _, k := range types {
		attrs = append(attrs, k, d.Period[security.EventType(k)])
	}
	r.logger.Info("security digest", attrs...)

	if r.publisher == nil {
		return nil
	}
	return r.publisher.PublishDigest(ctx, d)
}

// postDigest sends the digest to the job's webhook URL.
func (r *JobRunner) postDigest(ctx context.Context, d Digest) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal digest: %w", err)
	}

	method := r.job.Action.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, r.job.Action.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range r.job.Action.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http request failed with status: %d", resp.StatusCode)
	}

	r.logger.Debug("webhook delivered", "status", resp.StatusCode)
	return nil
}
