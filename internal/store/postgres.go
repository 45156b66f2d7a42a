package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"video-uploader/internal/models"
)

// Postgres wraps pgxpool for deployments that share one database between hosts.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// RunMigrations applies the embedded Postgres scripts in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	scripts, err := migrationScripts("postgres")
	if err != nil {
		return err
	}
	for _, script := range scripts {
		if _, err := s.pool.Exec(ctx, script); err != nil {
			return fmt.Errorf("apply postgres migration: %w", err)
		}
	}
	return nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Postgres) Save(ctx context.Context, t models.Task) error {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO upload_tasks (id, platform, video_path, title, description, tags, priority,
			scheduled_time, next_attempt_at, status, retry_count, max_retries, remote_id, last_error,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			platform = EXCLUDED.platform,
			video_path = EXCLUDED.video_path,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			tags = EXCLUDED.tags,
			priority = EXCLUDED.priority,
			scheduled_time = EXCLUDED.scheduled_time,
			next_attempt_at = EXCLUDED.next_attempt_at,
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			max_retries = EXCLUDED.max_retries,
			remote_id = EXCLUDED.remote_id,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, t.ID, t.Platform, t.VideoPath, t.Title, t.Description, tags, t.Priority.String(),
		utcPtr(t.ScheduledTime), utcPtr(t.NextAttemptAt), string(t.Status),
		t.RetryCount, t.MaxRetries, t.RemoteID, t.LastError,
		utc(t.CreatedAt), utc(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Postgres) LoadAll(ctx context.Context) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, platform, video_path, title, description, tags, priority,
			scheduled_time, next_attempt_at, status, retry_count, max_retries, remote_id, last_error,
			created_at, updated_at
		FROM upload_tasks ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		var (
			t                      models.Task
			tagsJSON               []byte
			priority, status       string
			lastErr                pgtype.Text
			scheduled, nextAttempt *time.Time
		)
		if err := rows.Scan(&t.ID, &t.Platform, &t.VideoPath, &t.Title, &t.Description, &tagsJSON, &priority,
			&scheduled, &nextAttempt, &status, &t.RetryCount, &t.MaxRetries, &t.RemoteID, &lastErr,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if tagsJSON != nil {
			raw := string(tagsJSON)
			if t.Tags, err = decodeTags(&raw); err != nil {
				return nil, fmt.Errorf("task %s: %w", t.ID, err)
			}
		}
		if t.Priority, err = models.ParsePriority(priority); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		if t.Status, err = models.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		t.ScheduledTime = utcPtr(scheduled)
		t.NextAttemptAt = utcPtr(nextAttempt)
		t.CreatedAt = utc(t.CreatedAt)
		t.UpdatedAt = utc(t.UpdatedAt)
		t.LastError = textPtr(lastErr)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM upload_tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
