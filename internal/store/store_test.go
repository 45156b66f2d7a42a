package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"video-uploader/internal/config"
	"video-uploader/internal/models"
)

func sampleTask(id string, created time.Time) models.Task {
	scheduled := created.Add(time.Hour)
	return models.Task{
		ID:            id,
		Platform:      "tiktok",
		VideoPath:     "/videos/" + id + ".mp4",
		Title:         "clip " + id,
		Description:   "first upload",
		Tags:          []string{"travel", "food"},
		Priority:      models.PriorityHigh,
		ScheduledTime: &scheduled,
		Status:        models.StatusScheduled,
		MaxRetries:    3,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

// exerciseStore runs the contract every backend must satisfy.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)

	first := sampleTask("a", base)
	first.RemoteID = "remote-a"
	first.UpdatedAt = base.Add(30 * time.Second)
	second := sampleTask("b", base.Add(time.Second))
	second.Tags = nil
	second.ScheduledTime = nil
	second.Status = models.StatusPending

	require.NoError(t, st.Save(ctx, second))
	require.NoError(t, st.Save(ctx, first))

	loaded, err := st.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "a", loaded[0].ID)
	assert.Equal(t, "b", loaded[1].ID)

	got := loaded[0]
	assert.Equal(t, first.Platform, got.Platform)
	assert.Equal(t, first.VideoPath, got.VideoPath)
	assert.Equal(t, first.Title, got.Title)
	assert.Equal(t, first.Description, got.Description)
	assert.Equal(t, first.Tags, got.Tags)
	assert.Equal(t, models.PriorityHigh, got.Priority)
	assert.Equal(t, models.StatusScheduled, got.Status)
	require.NotNil(t, got.ScheduledTime)
	assert.True(t, first.ScheduledTime.Equal(*got.ScheduledTime))
	assert.True(t, first.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.NextAttemptAt)
	assert.Nil(t, got.LastError)
	assert.Nil(t, loaded[1].Tags)
	assert.Nil(t, loaded[1].ScheduledTime)
	assert.Equal(t, first, got)
	assert.Equal(t, second, loaded[1])

	// Upsert replaces the row rather than duplicating it.
	retry := base.Add(2 * time.Minute)
	first.Status = models.StatusPending
	first.RetryCount = 1
	first.NextAttemptAt = &retry
	first.LastError = models.StrPtr("network reset")
	first.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, st.Save(ctx, first))

	loaded, err = st.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	got = loaded[0]
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, retry.Equal(*got.NextAttemptAt))
	assert.Equal(t, "network reset", got.ErrorText())
	assert.Equal(t, first, got)

	require.NoError(t, st.Delete(ctx, "a"))
	require.NoError(t, st.Delete(ctx, "missing"))
	loaded, err = st.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "b", loaded[0].ID)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tasks.db")
	st, err := NewSQLite(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer st.Close()

	exerciseStore(t, st)
}

func TestSQLiteOrdersSubSecondCreationTimes(t *testing.T) {
	ctx := context.Background()
	st, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "tasks.db"), 0)
	require.NoError(t, err)
	defer st.Close()

	whole := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	half := whole.Add(-500 * time.Millisecond)
	tenth := whole.Add(100 * time.Millisecond)
	// IDs run against creation order so only the timestamps decide.
	require.NoError(t, st.Save(ctx, sampleTask("c-earliest", half)))
	require.NoError(t, st.Save(ctx, sampleTask("b-middle", whole)))
	require.NoError(t, st.Save(ctx, sampleTask("a-latest", tenth)))

	loaded, err := st.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, "c-earliest", loaded[0].ID)
	assert.Equal(t, "b-middle", loaded[1].ID)
	assert.Equal(t, "a-latest", loaded[2].ID)
	assert.True(t, half.Equal(loaded[0].CreatedAt))
}

func TestSQLiteReadsVariableWidthTimestamps(t *testing.T) {
	ctx := context.Background()
	st, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "tasks.db"), 0)
	require.NoError(t, err)
	defer st.Close()

	task := sampleTask("old", time.Date(2024, 5, 1, 12, 0, 0, 500000000, time.UTC))
	require.NoError(t, st.Save(ctx, task))
	_, err = st.db.ExecContext(ctx, `UPDATE upload_tasks SET created_at = ?, updated_at = ? WHERE id = ?`,
		"2024-05-01T12:00:00.5Z", "2024-05-01T12:00:00.5Z", "old")
	require.NoError(t, err)

	loaded, err := st.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, task, loaded[0])
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db")

	st, err := NewSQLite(ctx, path, 0)
	require.NoError(t, err)
	task := sampleTask("persisted", time.Now().UTC())
	require.NoError(t, st.Save(ctx, task))
	require.NoError(t, st.Close())

	reopened, err := NewSQLite(ctx, path, 0)
	require.NoError(t, err)
	defer reopened.Close()
	loaded, err := reopened.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "persisted", loaded[0].ID)
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewRedisWithClient(client, "test:tasks")
	defer st.Close()

	exerciseStore(t, st)
	assert.True(t, mr.Exists("test:tasks"))
}

func TestRedisSaveFailsWhenServerGone(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	st := NewRedisWithClient(client, "")
	defer st.Close()
	mr.Close()

	err = st.Save(context.Background(), sampleTask("x", time.Now()))
	require.Error(t, err)
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	st, err := Open(ctx, config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "t.db")})
	require.NoError(t, err)
	_, ok := st.(*SQLite)
	assert.True(t, ok)
	require.NoError(t, st.Close())

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	st, err = Open(ctx, config.StoreConfig{Driver: "redis", RedisAddr: mr.Addr()})
	require.NoError(t, err)
	_, ok = st.(*Redis)
	assert.True(t, ok)
	require.NoError(t, st.Close())

	_, err = Open(ctx, config.StoreConfig{Driver: "mongo"})
	require.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := Open(ctx, config.StoreConfig{Driver: "postgres", PostgresDSN: dsn})
	require.NoError(t, err)
	defer st.Close()

	pg := st.(*Postgres)
	_, err = pg.pool.Exec(ctx, `TRUNCATE upload_tasks`)
	require.NoError(t, err)

	exerciseStore(t, st)
}

func TestMigrationScriptsEmbedded(t *testing.T) {
	for _, dialect := range []string{"sqlite", "postgres"} {
		scripts, err := migrationScripts(dialect)
		require.NoError(t, err)
		require.NotEmpty(t, scripts, dialect)
		assert.Contains(t, scripts[0], "upload_tasks")
	}
	_, err := migrationScripts("oracle")
	require.Error(t, err)
}
