package scheduler

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DigestJobID is the ID of the job built from the events digest schedule.
const DigestJobID = "security-digest"

// Job represents a scheduled task
type Job struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Schedule ScheduleConfig `json:"schedule"`
	Action   ActionConfig   `json:"action"`
	Enabled  bool           `json:"enabled"`
	State    JobState       `json:"state"`

	mu sync.RWMutex // guards State while a runner owns the job
}

// ScheduleConfig defines when a job runs
type ScheduleConfig struct {
	Kind       string `json:"kind"` // "interval", "cron", "at"
	IntervalMs int64  `json:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty"` // cron expression
	Time       string `json:"time,omitempty"` // "HH:MM" for daily
	Timezone   string `json:"timezone,omitempty"`
}

// ActionConfig defines what a job does with the digest it builds
type ActionConfig struct {
	Kind    string            `json:"kind"` // "digest", "webhook"
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// JobState tracks job execution state
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// DigestJob returns the cron job that summarises security events on expr.
// An empty expr yields a disabled job.
func DigestJob(expr string) *Job {
	return &Job{
		ID:       DigestJobID,
		Name:     "Security event digest",
		Enabled:  expr != "",
		Schedule: ScheduleConfig{Kind: "cron", Expr: expr},
		Action:   ActionConfig{Kind: "digest"},
	}
}

// Validate checks if job configuration is valid
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}
	if j.Name == "" {
		return fmt.Errorf("job name required")
	}

	switch j.Schedule.Kind {
	case "interval":
		if j.Schedule.IntervalMs <= 0 {
			return fmt.Errorf("intervalMs must be positive")
		}
	case "cron":
		if j.Schedule.Expr == "" {
			if !j.Enabled {
				break
			}
			return fmt.Errorf("cron expression required")
		}
		if _, err := cron.ParseStandard(j.Schedule.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	case "at":
		if j.Schedule.Time == "" {
			return fmt.Errorf("time required for 'at' schedule")
		}
		if _, err := time.Parse("15:04", j.Schedule.Time); err != nil {
			return fmt.Errorf("invalid time format (use HH:MM): %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s (use interval, cron, or at)", j.Schedule.Kind)
	}

	switch j.Action.Kind {
	case "digest":
	case "webhook":
		if j.Action.URL == "" {
			return fmt.Errorf("url required for webhook action")
		}
		if j.Action.Method == "" {
			j.Action.Method = "POST"
		}
	default:
		return fmt.Errorf("unknown action kind: %s (use digest or webhook)", j.Action.Kind)
	}

	return nil
}

// NextRun calculates the next run time based on schedule
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	switch j.Schedule.Kind {
	case "interval":
		interval := time.Duration(j.Schedule.IntervalMs) * time.Millisecond
		return from.Add(interval), nil

	case "cron":
		schedule, err := cron.ParseStandard(j.Schedule.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		return schedule.Next(from), nil

	case "at":
		t, err := time.Parse("15:04", j.Schedule.Time)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time: %w", err)
		}

		loc := time.Local
		if j.Schedule.Timezone != "" {
			loc, err = time.LoadLocation(j.Schedule.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("load timezone: %w", err)
			}
		}

		from = from.In(loc)
		next := time.Date(from.Year(), from.Month(), from.Day(),
			t.Hour(), t.Minute(), 0, 0, loc)

		// If time has passed today, schedule for tomorrow
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", j.Schedule.Kind)
	}
}

// Snapshot returns a copy of the job's state.
func (j *Job) Snapshot() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.State
}

func (j *Job) updateState(fn func(*JobState)) {
	j.mu.Lock()
	fn(&j.State)
	j.mu.Unlock()
}

// Clone creates a deep copy of the job
func (j *Job) Clone() *Job {
	j.mu.RLock()
	data, _ := json.Marshal(j)
	j.mu.RUnlock()
	var clone Job
	json.Unmarshal(data, &clone)
	return &clone
}
