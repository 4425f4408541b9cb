package security

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a security event.
type EventType string

const (
	EventPathBlocked      EventType = "path_blocked"
	EventCommandBlocked   EventType = "command_blocked"
	EventSandboxViolation EventType = "sandbox_violation"
	EventPromptInjection  EventType = "prompt_injection"
)

// Event is one entry in the security event log. Entries are never modified
// after they are logged.
type Event struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id,omitempty"`
	Type         EventType `json:"event_type"`
	Details      string    `json:"details"`
	InputPath    string    `json:"input_path,omitempty"`
	InputCommand string    `json:"input_command,omitempty"`
}

// EventSink receives every logged event, e.g. to forward it off-process.
// Publish must not block for long; it runs on the caller's goroutine.
type EventSink interface {
	Publish(Event)
}

// EventRecorder is what the gate and detector log to.
type EventRecorder interface {
	Log(Event) Event
}

// EventLog is a bounded, in-memory, append-only log. Once full, the oldest
// event is evicted for each new one. The log is process-wide, so a noisy
// user can push another user's history out.
type EventLog struct {
	mu       sync.RWMutex
	buf      []Event
	start    int // index of the oldest event
	size     int
	capacity int
	logger   *slog.Logger
	sinks    []EventSink
	counts   map[EventType]int64
}

// NewEventLog creates a log holding at most capacity events.
func NewEventLog(capacity int, logger *slog.Logger) *EventLog {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{
		buf:      make([]Event, capacity),
		capacity: capacity,
		logger:   logger.With("component", "security-events"),
		counts:   make(map[EventType]int64),
	}
}

// AddSink registers s to receive events logged from now on.
func (l *EventLog) AddSink(s EventSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Log stamps e with an ID and timestamp if missing, records it and returns
// the stored copy.
func (l *EventLog) Log(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.logger.Warn("security event",
		"type", e.Type,
		"user", e.UserID,
		"session", e.SessionID,
		"details", e.Details,
	)

	l.mu.Lock()
	idx := (l.start + l.size) % l.capacity
	l.buf[idx] = e
	if l.size < l.capacity {
		l.size++
	} else {
		l.start = (l.start + 1) % l.capacity
	}
	l.counts[e.Type]++
	sinks := l.sinks
	l.mu.Unlock()

	for _, s := range sinks {
		s.Publish(e)
	}
	return e
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// ForUser returns the most recent limit events for userID, oldest first.
// limit <= 0 means no limit.
func (l *EventLog) ForUser(userID string, limit int) []Event {
	return l.collect(limit, func(e *Event) bool { return e.UserID == userID })
}

// All returns the most recent limit events across all users, oldest first.
func (l *EventLog) All(limit int) []Event {
	return l.collect(limit, nil)
}

func (l *EventLog) collect(limit int, keep func(*Event) bool) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	// Walk newest to oldest so the limit keeps the most recent.
	for i := l.size - 1; i >= 0; i-- {
		e := &l.buf[(l.start+i)%l.capacity]
		if keep != nil && !keep(e) {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// EventStats summarizes what the log has seen since start.
type EventStats struct {
	Retained int                 `json:"retained"`
	Capacity int                 `json:"capacity"`
	Totals   map[EventType]int64 `json:"totals"`
}

// Stats returns lifetime counts per event type, including evicted events.
func (l *EventLog) Stats() EventStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	totals := make(map[EventType]int64, len(l.counts))
	for k, v := range l.counts {
		totals[k] = v
	}
	return EventStats{Retained: l.size, Capacity: l.capacity, Totals: totals}
}
