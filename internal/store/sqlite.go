package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"video-uploader/internal/models"
)

// Timestamps are written with a fixed-width fraction so ORDER BY on the text
// column follows time order. RFC3339Nano parsing accepts both widths.
const (
	sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"
	sqliteTimeLayout = time.RFC3339Nano
)

// SQLite is the default single-file task store.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database file at path and applies migrations.
func NewSQLite(ctx context.Context, path string, busyTimeout time.Duration) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; modernc serializes anyway and this keeps :memory: on a single connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA journal_mode=WAL"}
	if busyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", p, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	scripts, err := migrationScripts("sqlite")
	if err != nil {
		return err
	}
	for _, script := range scripts {
		if _, err := s.db.ExecContext(ctx, script); err != nil {
			return fmt.Errorf("apply sqlite migration: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Save upserts the full task row.
func (s *SQLite) Save(ctx context.Context, t models.Task) error {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upload_tasks (id, platform, video_path, title, description, tags, priority,
			scheduled_time, next_attempt_at, status, retry_count, max_retries, remote_id, last_error,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			platform = excluded.platform,
			video_path = excluded.video_path,
			title = excluded.title,
			description = excluded.description,
			tags = excluded.tags,
			priority = excluded.priority,
			scheduled_time = excluded.scheduled_time,
			next_attempt_at = excluded.next_attempt_at,
			status = excluded.status,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			remote_id = excluded.remote_id,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		t.ID, t.Platform, t.VideoPath, t.Title, t.Description, tags, t.Priority.String(),
		formatTimePtr(t.ScheduledTime), formatTimePtr(t.NextAttemptAt), string(t.Status),
		t.RetryCount, t.MaxRetries, t.RemoteID, t.LastError,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// LoadAll returns every persisted task ordered by creation time.
func (s *SQLite) LoadAll(ctx context.Context) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, platform, video_path, title, description, tags, priority,
			scheduled_time, next_attempt_at, status, retry_count, max_retries, remote_id, last_error,
			created_at, updated_at
		FROM upload_tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		var (
			t                      models.Task
			tags, lastErr          sql.NullString
			scheduled, nextAttempt sql.NullString
			priority, status       string
			createdAt, updatedAt   string
		)
		if err := rows.Scan(&t.ID, &t.Platform, &t.VideoPath, &t.Title, &t.Description, &tags, &priority,
			&scheduled, &nextAttempt, &status, &t.RetryCount, &t.MaxRetries, &t.RemoteID, &lastErr,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if t.Tags, err = decodeTags(nullString(tags)); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		if t.Priority, err = models.ParsePriority(priority); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		if t.Status, err = models.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		if t.ScheduledTime, err = parseTimePtr(scheduled); err != nil {
			return nil, fmt.Errorf("task %s scheduled_time: %w", t.ID, err)
		}
		if t.NextAttemptAt, err = parseTimePtr(nextAttempt); err != nil {
			return nil, fmt.Errorf("task %s next_attempt_at: %w", t.ID, err)
		}
		if t.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("task %s created_at: %w", t.ID, err)
		}
		if t.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("task %s updated_at: %w", t.ID, err)
		}
		t.LastError = nullString(lastErr)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return utc(t).Format(sqliteTimeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeLayout, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
