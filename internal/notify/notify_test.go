package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"video-uploader/internal/config"
	"video-uploader/internal/models"
)

func failedEvent() Event {
	return Event{
		TaskID:     "t-1",
		Platform:   "tiktok",
		Title:      "Cats & <dogs>",
		VideoPath:  "/videos/cats.mp4",
		Status:     models.StatusFailed,
		LastError:  "upload not confirmed",
		RetryCount: 3,
	}
}

func TestEventFor(t *testing.T) {
	now := time.Now()
	task := models.Task{
		ID: "x", Platform: "tiktok", Title: "clip", VideoPath: "/v/clip.mp4",
		Status: models.StatusCompleted, RemoteID: "https://tiktok.com/@me/video/1",
		LastError: models.StrPtr("old"), RetryCount: 1, UpdatedAt: now,
	}
	e := EventFor(task)
	assert.Equal(t, "x", e.TaskID)
	assert.Equal(t, models.StatusCompleted, e.Status)
	assert.Equal(t, "old", e.LastError)
	assert.Equal(t, task.RemoteID, e.RemoteID)
	assert.True(t, now.Equal(e.At))
}

func TestMultiContinuesAfterFailure(t *testing.T) {
	var mu sync.Mutex
	var got []string
	record := func(name string) Notifier {
		return Func(func(_ context.Context, e Event) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, name+":"+e.TaskID)
			return nil
		})
	}
	boom := Func(func(context.Context, Event) error { return errors.New("boom") })
	panicky := Func(func(context.Context, Event) error { panic("bad notifier") })

	core, logs := observer.New(zap.WarnLevel)
	m := NewMulti(zap.New(core), record("a"), boom, nil, panicky)
	m.Add(record("b"))

	err := m.Notify(context.Background(), failedEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "bad notifier")
	assert.Equal(t, []string{"a:t-1", "b:t-1"}, got)
	assert.Equal(t, 2, logs.FilterMessage("notifier failed").Len())
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLog(zap.New(core))

	require.NoError(t, n.Notify(context.Background(), failedEvent()))
	entries := logs.FilterMessage("upload failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "upload not confirmed", entries[0].ContextMap()["last_error"])

	require.NoError(t, n.Notify(context.Background(), Event{TaskID: "c", Status: models.StatusCancelled}))
	assert.Equal(t, 1, logs.FilterMessage("task finished").Len())
}

func TestFormatMessageEscapesHTML(t *testing.T) {
	msg := FormatMessage(failedEvent())
	assert.Contains(t, msg, "Upload failed")
	assert.Contains(t, msg, "Cats &amp; &lt;dogs&gt;")
	assert.Contains(t, msg, "<code>cats.mp4</code>")
	assert.Contains(t, msg, "retries: 3")
	assert.NotContains(t, msg, "<dogs>")
}

func TestTelegramSendsHTMLMessage(t *testing.T) {
	var (
		mu      sync.Mutex
		path    string
		payload map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"chat":{"id":42,"type":"private"},"date":0}}`))
	}))
	defer srv.Close()

	tg, err := NewTelegram(config.TelegramConfig{Token: "123:abc", ChatID: 42, APIURL: srv.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, tg.Notify(context.Background(), failedEvent()))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasSuffix(path, "/bot123:abc/sendMessage"), path)
	assert.Equal(t, "HTML", payload["parse_mode"])
	assert.EqualValues(t, "42", payload["chat_id"])
	assert.Contains(t, payload["text"], "Upload failed")
}

func TestTelegramReportsAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	tg, err := NewTelegram(config.TelegramConfig{Token: "123:abc", ChatID: 7, APIURL: srv.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Error(t, tg.Notify(context.Background(), failedEvent()))
}

func TestNewTelegramRequiresCredentials(t *testing.T) {
	_, err := NewTelegram(config.TelegramConfig{ChatID: 1}, zap.NewNop())
	require.Error(t, err)
	_, err = NewTelegram(config.TelegramConfig{Token: "x"}, zap.NewNop())
	require.Error(t, err)
}
