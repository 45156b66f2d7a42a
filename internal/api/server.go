package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"video-uploader/internal/media"
	"video-uploader/internal/models"
	"video-uploader/internal/planner"
	"video-uploader/internal/ratelimit"
	"video-uploader/internal/scheduler"
	"video-uploader/internal/telemetry"
)

// Scheduler is the task table the API drives.
type Scheduler interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (string, error)
	Cancel(ctx context.Context, id string) error
	Purge(ctx context.Context, id string) error
	GetStatus(id string) (models.Task, error)
	ListTasks(f models.Filter) []models.Task
	Stats() models.Stats
	Platforms() []string
	Reauthenticate(ctx context.Context, name string) error
}

// Server wires HTTP handlers for the control API.
type Server struct {
	sched   Scheduler
	planner *planner.Planner
	lib     *media.Library
	limiter ratelimit.Limiter
	log     *zap.Logger
	now     func() time.Time
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(sched Scheduler, p *planner.Planner, lib *media.Library, limiter ratelimit.Limiter, log *zap.Logger) *Server {
	return &Server{
		sched:   sched,
		planner: p,
		lib:     lib,
		limiter: limiter,
		log:     log.Named("api"),
		now:     time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/videos", s.handleVideos)

		r.Get("/tasks", s.handleList)
		r.With(s.throttle).Post("/tasks", s.handleSubmit)
		r.With(s.throttle).Post("/tasks/batch", s.handleBatch)
		r.Get("/tasks/{id}", s.handleGet)
		r.Post("/tasks/{id}/cancel", s.handleCancel)
		r.Delete("/tasks/{id}", s.handlePurge)

		r.Post("/platforms/{name}/reauth", s.handleReauth)
	})
	return r
}

type submitRequest struct {
	Platform      string     `json:"platform"`
	VideoPath     string     `json:"video_path"`
	Filename      string     `json:"filename"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Tags          []string   `json:"tags"`
	Priority      string     `json:"priority"`
	ScheduledTime *time.Time `json:"scheduled_time"`
	DelaySeconds  int        `json:"delay_seconds"`
	MaxRetries    *int       `json:"max_retries"`
}

type batchRequest struct {
	Platform        string     `json:"platform"`
	MaxVideos       int        `json:"max_videos"`
	Priority        string     `json:"priority"`
	StartAt         *time.Time `json:"start_at"`
	IntervalMinutes int        `json:"interval_minutes"`
}

type statusResponse struct {
	Stats     models.Stats `json:"stats"`
	Platforms []string     `json:"platforms"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Stats: s.sched.Stats(), Platforms: s.sched.Platforms()})
}

func (s *Server) handleVideos(w http.ResponseWriter, _ *http.Request) {
	videos, err := s.lib.PendingVideos()
	if err != nil {
		s.log.Error("list videos", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list videos")
		return
	}
	if videos == nil {
		videos = []media.Video{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"videos": videos})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var f models.Filter
	if v := r.URL.Query().Get("status"); v != "" {
		status, err := models.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = status
	}
	f.Platform = r.URL.Query().Get("platform")
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.sched.ListTasks(f)})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	path := req.VideoPath
	if path == "" && req.Filename != "" {
		path, err = s.lib.Resolve(req.Filename)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	scheduled := req.ScheduledTime
	if req.DelaySeconds > 0 {
		at := s.now().Add(time.Duration(req.DelaySeconds) * time.Second)
		scheduled = &at
	}

	id, err := s.sched.Submit(r.Context(), scheduler.SubmitRequest{
		Platform:      req.Platform,
		VideoPath:     path,
		Title:         req.Title,
		Description:   req.Description,
		Tags:          req.Tags,
		Priority:      priority,
		ScheduledTime: scheduled,
		MaxRetries:    req.MaxRetries,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	task, err := s.sched.GetStatus(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := s.planner.Batch(r.Context(), planner.BatchRequest{
		Platform:  req.Platform,
		MaxVideos: req.MaxVideos,
		Priority:  priority,
		StartAt:   req.StartAt,
		Interval:  time.Duration(req.IntervalMinutes) * time.Minute,
	})
	if err != nil && len(ids) == 0 {
		s.fail(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	resp := map[string]any{"task_ids": ids}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.sched.GetStatus(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.Cancel(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.StatusCancelled)})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Purge(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReauth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.sched.Reauthenticate(r.Context(), name); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			s.fail(w, err)
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"platform": name, "status": "authenticated"})
}

// throttle applies the submission rate limit keyed by X-Client-ID.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			s.log.Error("rate limit check", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidState), errors.Is(err, scheduler.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
