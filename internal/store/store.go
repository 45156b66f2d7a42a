package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"video-uploader/internal/config"
	"video-uploader/internal/models"
)

// Store persists upload tasks. Each Save is an atomic upsert of one task.
type Store interface {
	Save(ctx context.Context, task models.Task) error
	LoadAll(ctx context.Context) ([]models.Task, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Open connects the backend selected by cfg.Driver and applies its migrations.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLite(ctx, cfg.Path, cfg.BusyTimeout)
	case "postgres":
		st, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case "redis":
		return NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKey)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func encodeTags(tags []string) (*string, error) {
	if tags == nil {
		return nil, nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	s := string(raw)
	return &s, nil
}

func decodeTags(raw *string) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(*raw), &tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return tags, nil
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
