package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"video-uploader/internal/models"
)

const defaultRedisKey = "uploader:tasks"

// Redis keeps every task as a JSON document in a single hash, field = task id.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis connects to addr and verifies the server responds.
func NewRedis(ctx context.Context, addr, password string, db int, key string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWithClient(client, key), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, key string) *Redis {
	if key == "" {
		key = defaultRedisKey
	}
	return &Redis{client: client, key: key}
}

func (s *Redis) Save(ctx context.Context, t models.Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	if err := s.client.HSet(ctx, s.key, t.ID, raw).Err(); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Redis) LoadAll(ctx context.Context) ([]models.Task, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	out := make([]models.Task, 0, len(all))
	for id, raw := range all {
		var t models.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", id, err)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Redis) Delete(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, s.key, id).Err(); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}
