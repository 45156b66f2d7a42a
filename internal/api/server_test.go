package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"video-uploader/internal/config"
	"video-uploader/internal/media"
	"video-uploader/internal/models"
	"video-uploader/internal/planner"
	"video-uploader/internal/platform"
	"video-uploader/internal/ratelimit"
	"video-uploader/internal/scheduler"
	"video-uploader/internal/store"
	"video-uploader/internal/telemetry"
)

type stubUploader struct {
	authErr error
}

func (u *stubUploader) Authenticate(context.Context) error { return u.authErr }

func (u *stubUploader) Upload(context.Context, models.Task) platform.Result {
	return platform.Success("remote-1")
}

type fixture struct {
	srv    *httptest.Server
	sched  *scheduler.Scheduler
	lib    *media.Library
	videos string
	up     *stubUploader
}

func newFixture(t *testing.T, limiter ratelimit.Limiter) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := zaptest.NewLogger(t)

	st, err := store.NewSQLite(context.Background(), filepath.Join(dir, "tasks.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	up := &stubUploader{}
	reg := platform.NewRegistry()
	require.NoError(t, reg.Register("tiktok", up))

	sched := scheduler.New(scheduler.Options{MaxConcurrent: 1, DefaultMaxRetries: 3}, st, reg, nil, log)
	require.NoError(t, sched.Load(context.Background()))

	lib, err := media.NewLibrary(config.PathsConfig{
		VideosDir:   filepath.Join(dir, "videos"),
		UploadedDir: filepath.Join(dir, "uploaded"),
		TitlesFile:  filepath.Join(dir, "titles.txt"),
	}, log)
	require.NoError(t, err)

	s := New(sched, planner.New(sched, lib, log), lib, limiter, log)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, sched: sched, lib: lib, videos: filepath.Join(dir, "videos"), up: up}
}

func (f *fixture) video(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.videos, name)
	require.NoError(t, os.WriteFile(path, []byte("video"), 0o644))
	return path
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-Client-ID", "tester")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitAndGet(t *testing.T) {
	f := newFixture(t, nil)
	path := f.video(t, "clip.mp4")

	resp := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"platform":   "tiktok",
		"video_path": path,
		"tags":       []string{"cats"},
		"priority":   "high",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	task := decode[models.Task](t, resp)
	assert.Equal(t, models.StatusPending, task.Status)
	assert.Equal(t, models.PriorityHigh, task.Priority)
	assert.Equal(t, "clip", task.Title)
	assert.Equal(t, []string{"cats"}, task.Tags)

	resp = f.do(t, http.MethodGet, "/api/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.Task](t, resp)
	assert.Equal(t, task.ID, got.ID)
}

func TestSubmitByFilenameWithDelay(t *testing.T) {
	f := newFixture(t, nil)
	f.video(t, "later.mp4")

	resp := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"platform":      "tiktok",
		"filename":      "later.mp4",
		"delay_seconds": 600,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	task := decode[models.Task](t, resp)
	assert.Equal(t, models.StatusScheduled, task.Status)
	require.NotNil(t, task.ScheduledTime)
	assert.True(t, task.ScheduledTime.After(time.Now().Add(5*time.Minute)))
	assert.Equal(t, filepath.Join(f.videos, "later.mp4"), task.VideoPath)
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t, nil)
	path := f.video(t, "clip.mp4")

	cases := []struct {
		name string
		body any
	}{
		{"unknown platform", map[string]any{"platform": "vimeo", "video_path": path}},
		{"missing file", map[string]any{"platform": "tiktok", "video_path": path + ".missing"}},
		{"bad priority", map[string]any{"platform": "tiktok", "video_path": path, "priority": "asap"}},
		{"path traversal", map[string]any{"platform": "tiktok", "filename": "../clip.mp4"}},
		{"negative retries", map[string]any{"platform": "tiktok", "video_path": path, "max_retries": -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/tasks", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[map[string]string](t, resp)
			assert.NotEmpty(t, body["error"])
		})
	}

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/tasks", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelAndPurge(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.sched.Submit(context.Background(), scheduler.SubmitRequest{Platform: "tiktok", VideoPath: f.video(t, "a.mp4")})
	require.NoError(t, err)

	resp := f.do(t, http.MethodDelete, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "pending tasks cannot be purged")

	resp = f.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first, err := f.sched.Submit(ctx, scheduler.SubmitRequest{Platform: "tiktok", VideoPath: f.video(t, "a.mp4")})
	require.NoError(t, err)
	_, err = f.sched.Submit(ctx, scheduler.SubmitRequest{Platform: "tiktok", VideoPath: f.video(t, "b.mp4")})
	require.NoError(t, err)
	require.NoError(t, f.sched.Cancel(ctx, first))

	resp := f.do(t, http.MethodGet, "/api/tasks?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Tasks []models.Task `json:"tasks"`
	}](t, resp)
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, "b", list.Tasks[0].Title)

	resp = f.do(t, http.MethodGet, "/api/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[statusResponse](t, resp)
	assert.Equal(t, 2, status.Stats.Total)
	assert.Equal(t, 1, status.Stats.ByStatus[models.StatusCancelled])
	assert.Equal(t, []string{"tiktok"}, status.Platforms)

	resp = f.do(t, http.MethodGet, "/api/videos", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	videos := decode[struct {
		Videos []media.Video `json:"videos"`
	}](t, resp)
	assert.Len(t, videos.Videos, 2)
}

func TestBatch(t *testing.T) {
	f := newFixture(t, nil)
	f.video(t, "a.mp4")
	f.video(t, "b.mp4")
	require.NoError(t, f.lib.AddTitles("First title"))

	resp := f.do(t, http.MethodPost, "/api/tasks/batch", map[string]any{"platform": "tiktok", "max_videos": 5})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	out := decode[struct {
		TaskIDs []string `json:"task_ids"`
	}](t, resp)
	assert.Len(t, out.TaskIDs, 2)

	resp = f.do(t, http.MethodPost, "/api/tasks/batch", map[string]any{"platform": "tiktok", "max_videos": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReauth(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/platforms/tiktok/reauth", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.up.authErr = errors.New("cookies expired")
	resp = f.do(t, http.MethodPost, "/api/platforms/tiktok/reauth", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/platforms/vimeo/reauth", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(t, ratelimit.NewLocal(1, 0))
	path := f.video(t, "clip.mp4")
	before := testutil.ToFloat64(telemetry.RateLimitRejects)

	resp := f.do(t, http.MethodPost, "/api/tasks", map[string]any{"platform": "tiktok", "video_path": path})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/tasks", map[string]any{"platform": "tiktok", "video_path": path})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.RateLimitRejects))

	// Reads are not throttled.
	resp = f.do(t, http.MethodGet, "/api/tasks", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(scheduler.ErrStorage))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("%w: clip.mp4", scheduler.ErrDuplicate)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
