package models

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Status enumerates the task lifecycle states persisted by the store.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusScheduled,
	StatusPending,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

var transitions = map[Status][]Status{
	StatusScheduled: {StatusPending, StatusCancelled},
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusPending, StatusFailed},
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority orders tasks for selection; a larger value runs first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority accepts the names low, normal, high and urgent. Empty means normal.
func ParsePriority(v string) (Priority, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if name == v {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", v)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// DefaultMaxRetries applies when a submission does not set its own retry limit.
const DefaultMaxRetries = 3

// Task is one requested video upload with its scheduling and retry metadata.
type Task struct {
	ID            string     `json:"id"`
	Platform      string     `json:"platform"`
	VideoPath     string     `json:"video_path"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Priority      Priority   `json:"priority"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Status        Status     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	RemoteID      string     `json:"remote_id,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with the scheduler.
func (t Task) Clone() Task {
	out := t
	if t.Tags != nil {
		out.Tags = append([]string(nil), t.Tags...)
	}
	if t.ScheduledTime != nil {
		v := *t.ScheduledTime
		out.ScheduledTime = &v
	}
	if t.NextAttemptAt != nil {
		v := *t.NextAttemptAt
		out.NextAttemptAt = &v
	}
	if t.LastError != nil {
		v := *t.LastError
		out.LastError = &v
	}
	return out
}

// Ready reports whether a PENDING task may be dispatched at now.
func (t Task) Ready(now time.Time) bool {
	if t.Status != StatusPending {
		return false
	}
	if t.ScheduledTime != nil && now.Before(*t.ScheduledTime) {
		return false
	}
	if t.NextAttemptAt != nil && now.Before(*t.NextAttemptAt) {
		return false
	}
	return true
}

// DueForPromotion reports whether a SCHEDULED task has reached its start time.
func (t Task) DueForPromotion(now time.Time) bool {
	return t.Status == StatusScheduled && (t.ScheduledTime == nil || !now.Before(*t.ScheduledTime))
}

// RunsBefore is the selection order: higher priority first, then earlier creation.
func (t Task) RunsBefore(o Task) bool {
	if t.Priority != o.Priority {
		return t.Priority > o.Priority
	}
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return t.CreatedAt.Before(o.CreatedAt)
	}
	return t.ID < o.ID
}

// ErrorText returns LastError or an empty string.
func (t Task) ErrorText() string {
	if t.LastError == nil {
		return ""
	}
	return *t.LastError
}

// DefaultTitle derives a title from the video file name.
func DefaultTitle(videoPath string) string {
	base := filepath.Base(videoPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Filter narrows ListTasks results. Zero values match everything.
type Filter struct {
	Status   Status
	Platform string
}

// Match reports whether t passes the filter.
func (f Filter) Match(t Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Platform != "" && t.Platform != f.Platform {
		return false
	}
	return true
}

// Stats summarizes the task table.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	Running  int            `json:"running"`
	Ready    int            `json:"ready"`
}

// StrPtr returns a pointer to a copy of v.
func StrPtr(v string) *string {
	return &v
}
