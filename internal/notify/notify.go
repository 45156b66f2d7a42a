package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"video-uploader/internal/models"
)

// Event describes one terminal transition of a task.
type Event struct {
	TaskID     string        `json:"task_id"`
	Platform   string        `json:"platform"`
	Title      string        `json:"title"`
	VideoPath  string        `json:"video_path"`
	Status     models.Status `json:"status"`
	LastError  string        `json:"last_error,omitempty"`
	RemoteID   string        `json:"remote_id,omitempty"`
	RetryCount int           `json:"retry_count"`
	At         time.Time     `json:"at"`
}

// EventFor builds the event for a task that just reached a terminal status.
func EventFor(t models.Task) Event {
	return Event{
		TaskID:     t.ID,
		Platform:   t.Platform,
		Title:      t.Title,
		VideoPath:  t.VideoPath,
		Status:     t.Status,
		LastError:  t.ErrorText(),
		RemoteID:   t.RemoteID,
		RetryCount: t.RetryCount,
		At:         t.UpdatedAt,
	}
}

// Notifier receives terminal task events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, e Event) error

func (f Func) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Multi fans an event out to every notifier. A failing notifier is logged and
// does not stop the rest.
type Multi struct {
	notifiers []Notifier
	log       *zap.Logger
}

func NewMulti(log *zap.Logger, notifiers ...Notifier) *Multi {
	m := &Multi{log: log}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Add appends a notifier after construction.
func (m *Multi) Add(n Notifier) {
	if n != nil {
		m.notifiers = append(m.notifiers, n)
	}
}

func (m *Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for i, n := range m.notifiers {
		if err := m.safeNotify(ctx, n, e); err != nil {
			m.log.Warn("notifier failed",
				zap.Int("notifier", i),
				zap.String("task_id", e.TaskID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) safeNotify(ctx context.Context, n Notifier, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	return n.Notify(ctx, e)
}

// Log writes each event to the structured log.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("task_id", e.TaskID),
		zap.String("platform", e.Platform),
		zap.String("title", e.Title),
		zap.String("status", string(e.Status)),
		zap.Int("retry_count", e.RetryCount),
	}
	switch e.Status {
	case models.StatusFailed:
		l.log.Warn("upload failed", append(fields, zap.String("last_error", e.LastError))...)
	case models.StatusCompleted:
		l.log.Info("upload completed", append(fields, zap.String("remote_id", e.RemoteID))...)
	default:
		l.log.Info("task finished", fields...)
	}
	return nil
}
