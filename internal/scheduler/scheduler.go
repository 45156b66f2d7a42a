// Package scheduler owns the upload task table. It accepts submissions,
// picks ready tasks by priority then age, runs them on a bounded set of
// goroutines and applies retry and backoff to the outcome. Every transition
// is written to the store before it is visible to callers.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"video-uploader/internal/config"
	"video-uploader/internal/models"
	"video-uploader/internal/notify"
	"video-uploader/internal/platform"
	"video-uploader/internal/store"
	"video-uploader/internal/telemetry"
)

// Options tunes dispatch and retry behavior.
type Options struct {
	MaxConcurrent     int
	PollInterval      time.Duration
	UploadTimeout     time.Duration
	DefaultMaxRetries int
	Backoff           Backoff
}

// OptionsFromConfig maps the scheduler and retry config sections.
func OptionsFromConfig(sc config.SchedulerConfig, rc config.RetryConfig) Options {
	return Options{
		MaxConcurrent:     sc.MaxConcurrentUploads,
		PollInterval:      sc.PollInterval,
		UploadTimeout:     sc.UploadTimeout,
		DefaultMaxRetries: sc.DefaultMaxRetries,
		Backoff: Backoff{
			Strategy: rc.Strategy,
			Base:     rc.BaseDelay,
			Max:      rc.MaxDelay,
			Jitter:   rc.Jitter,
		},
	}
}

// SubmitRequest describes a new upload. Zero Priority means normal and a nil
// MaxRetries takes the scheduler default. Unique rejects the request with
// ErrDuplicate when an unfinished task already has the same platform and video.
type SubmitRequest struct {
	Platform      string
	VideoPath     string
	Title         string
	Description   string
	Tags          []string
	Priority      models.Priority
	ScheduledTime *time.Time
	MaxRetries    *int
	Unique        bool
}

type authState struct {
	mu   sync.Mutex
	done bool
	err  error
}

type Scheduler struct {
	opts     Options
	store    store.Store
	registry *platform.Registry
	notifier notify.Notifier
	log      *zap.Logger

	now   func() time.Time
	newID func() string
	// abandonAfter bounds the wait for an uploader to return after its
	// context is done.
	abandonAfter time.Duration

	mu      sync.Mutex
	tasks   map[string]*models.Task
	running int
	dirty   map[string]models.Task // outcomes not yet persisted
	waiters map[string][]chan models.Task

	authMu sync.Mutex
	auth   map[string]*authState

	wake chan struct{}
	wg   sync.WaitGroup
}

// New builds a scheduler. Call Load before Run or Tick.
func New(opts Options, st store.Store, registry *platform.Registry, notifier notify.Notifier, log *zap.Logger) *Scheduler {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.DefaultMaxRetries < 0 {
		opts.DefaultMaxRetries = models.DefaultMaxRetries
	}
	return &Scheduler{
		opts:     opts,
		store:    st,
		registry: registry,
		notifier: notifier,
		log:      log.Named("scheduler"),
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
		newID:        uuid.NewString,
		abandonAfter: 30 * time.Second,
		tasks:        make(map[string]*models.Task),
		dirty:        make(map[string]models.Task),
		waiters:      make(map[string][]chan models.Task),
		auth:         make(map[string]*authState),
		wake:         make(chan struct{}, 1),
	}
}

// Load reads every persisted task into memory. Tasks left RUNNING by a
// previous process are reset to PENDING and run again from scratch.
func (s *Scheduler) Load(ctx context.Context) error {
	tasks, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	recovered := 0
	for i := range tasks {
		t := tasks[i]
		if t.Status == models.StatusRunning {
			t.Status = models.StatusPending
			t.UpdatedAt = s.now()
			// A failed save is harmless: the row still says RUNNING and is
			// reset again on the next load.
			if err := s.store.Save(ctx, t); err != nil {
				s.log.Warn("persist recovered task", zap.String("task_id", t.ID), zap.Error(err))
			}
			recovered++
		}
		s.tasks[t.ID] = &t
	}
	s.log.Info("tasks loaded", zap.Int("total", len(tasks)), zap.Int("recovered", recovered))
	return nil
}

// Submit validates and persists a new task and returns its id.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Platform == "" {
		return "", fmt.Errorf("%w: platform is required", ErrValidation)
	}
	uploader, err := s.registry.Resolve(req.Platform)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.VideoPath == "" {
		return "", fmt.Errorf("%w: video_path is required", ErrValidation)
	}
	info, err := os.Stat(req.VideoPath)
	if err != nil {
		return "", fmt.Errorf("%w: video file: %v", ErrValidation, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrValidation, req.VideoPath)
	}
	if v, ok := uploader.(platform.Validator); ok {
		if err := v.Validate(req.VideoPath); err != nil {
			return "", fmt.Errorf("%w: %s rejected video: %v", ErrValidation, req.Platform, err)
		}
	}
	priority := req.Priority
	if priority == 0 {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return "", fmt.Errorf("%w: unknown priority %d", ErrValidation, int(priority))
	}
	maxRetries := s.opts.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		return "", fmt.Errorf("%w: max_retries must not be negative", ErrValidation)
	}
	title := req.Title
	if title == "" {
		title = models.DefaultTitle(req.VideoPath)
	}

	now := s.now()
	task := models.Task{
		ID:          s.newID(),
		Platform:    req.Platform,
		VideoPath:   req.VideoPath,
		Title:       title,
		Description: req.Description,
		Priority:    priority,
		Status:      models.StatusPending,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Tags != nil {
		task.Tags = append([]string(nil), req.Tags...)
	}
	if req.ScheduledTime != nil {
		at := req.ScheduledTime.UTC().Truncate(time.Microsecond)
		task.ScheduledTime = &at
		task.Status = models.StatusScheduled
	}

	s.mu.Lock()
	if req.Unique {
		if other, ok := s.activeLocked(task.Platform, task.VideoPath); ok {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: %s is task %s", ErrDuplicate, task.VideoPath, other)
		}
	}
	if err := s.store.Save(ctx, task); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	s.tasks[task.ID] = &task
	s.mu.Unlock()

	telemetry.TasksSubmitted.Inc()
	s.log.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("platform", task.Platform),
		zap.String("status", string(task.Status)),
		zap.Stringer("priority", task.Priority))
	s.signal()
	return task.ID, nil
}

// activeLocked returns the id of an unfinished task uploading path to platform.
func (s *Scheduler) activeLocked(platformName, path string) (string, bool) {
	path = filepath.Clean(path)
	for _, t := range s.tasks {
		if t.Platform == platformName && !t.Status.IsTerminal() && filepath.Clean(t.VideoPath) == path {
			return t.ID, true
		}
	}
	return "", false
}

// Cancel stops a task that has not started yet.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !models.CanTransition(t.Status, models.StatusCancelled) {
		status := t.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: task %s is %s", ErrInvalidState, id, status)
	}
	next := t.Clone()
	next.Status = models.StatusCancelled
	next.UpdatedAt = s.now()
	if err := s.store.Save(ctx, next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	*t = next
	delete(s.dirty, id)
	s.releaseWaitersLocked(next)
	s.mu.Unlock()

	telemetry.TasksCancelled.Inc()
	s.log.Info("task cancelled", zap.String("task_id", id), zap.String("platform", next.Platform))
	s.notify(ctx, next)
	return nil
}

// Purge removes a finished task from the store and memory.
func (s *Scheduler) Purge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !t.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidState, id, t.Status)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	delete(s.tasks, id)
	delete(s.dirty, id)
	s.log.Info("task purged", zap.String("task_id", id))
	return nil
}

// GetStatus returns a copy of the task.
func (s *Scheduler) GetStatus(id string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// ListTasks returns matching tasks oldest first.
func (s *Scheduler) ListTasks(f models.Filter) []models.Task {
	s.mu.Lock()
	out := make([]models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.Match(*t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Scheduler) Stats() models.Stats {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := models.Stats{
		Total:    len(s.tasks),
		ByStatus: make(map[models.Status]int, len(models.AllStatuses)),
		Running:  s.running,
	}
	for _, status := range models.AllStatuses {
		st.ByStatus[status] = 0
	}
	for _, t := range s.tasks {
		st.ByStatus[t.Status]++
		if t.Ready(now) {
			st.Ready++
		}
	}
	return st
}

// Platforms lists the registered platform names.
func (s *Scheduler) Platforms() []string {
	return s.registry.Names()
}

// Reauthenticate runs the platform's authentication again and caches the
// new result for subsequent uploads.
func (s *Scheduler) Reauthenticate(ctx context.Context, name string) error {
	uploader, err := s.registry.Resolve(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	st := s.authFor(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.err = uploader.Authenticate(ctx)
	st.done = true
	if st.err != nil {
		s.log.Warn("re-authentication failed", zap.String("platform", name), zap.Error(st.err))
		return st.err
	}
	s.log.Info("re-authenticated", zap.String("platform", name))
	s.signal()
	return nil
}

// WaitTerminal blocks until the task reaches COMPLETED, FAILED or CANCELLED.
func (s *Scheduler) WaitTerminal(ctx context.Context, id string) (models.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return models.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status.IsTerminal() {
		out := t.Clone()
		s.mu.Unlock()
		return out, nil
	}
	ch := make(chan models.Task, 1)
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()

	select {
	case final := <-ch:
		return final, nil
	case <-ctx.Done():
		s.mu.Lock()
		list := s.waiters[id]
		for i, c := range list {
			if c == ch {
				s.waiters[id] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(s.waiters[id]) == 0 {
			delete(s.waiters, id)
		}
		s.mu.Unlock()
		return models.Task{}, ctx.Err()
	}
}

func (s *Scheduler) releaseWaitersLocked(t models.Task) {
	for _, ch := range s.waiters[t.ID] {
		ch <- t.Clone()
	}
	delete(s.waiters, t.ID)
}

// Run ticks until ctx is cancelled, then waits for in-flight uploads to return.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	s.log.Info("scheduler started",
		zap.Int("max_concurrent", s.opts.MaxConcurrent),
		zap.Duration("poll_interval", s.opts.PollInterval))

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.WaitIdle()
			s.flushOnShutdown(context.WithoutCancel(ctx))
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// flushOnShutdown gives unsaved outcomes one last chance. Anything still
// unsaved is left RUNNING in the store and retried after restart.
func (s *Scheduler) flushOnShutdown(ctx context.Context) {
	s.mu.Lock()
	settled := s.flushDirtyLocked(ctx)
	left := len(s.dirty)
	s.mu.Unlock()
	for _, t := range settled {
		s.notify(ctx, t)
	}
	if left > 0 {
		s.log.Error("upload outcomes not persisted before shutdown", zap.Int("tasks", left))
	}
}

// WaitIdle blocks until every dispatched upload has been applied.
func (s *Scheduler) WaitIdle() {
	s.wg.Wait()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Tick promotes due scheduled tasks, retries unsaved transitions and
// dispatches ready tasks up to the free capacity. It returns the number of
// uploads started.
func (s *Scheduler) Tick(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	now := s.now()

	var settled []models.Task
	defer func() {
		for _, t := range settled {
			s.notify(ctx, t)
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()

	settled = s.flushDirtyLocked(ctx)

	for _, t := range s.tasks {
		if !t.DueForPromotion(now) {
			continue
		}
		next := t.Clone()
		next.Status = models.StatusPending
		next.UpdatedAt = now
		if err := s.store.Save(ctx, next); err != nil {
			s.log.Warn("promote scheduled task", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		*t = next
		s.log.Debug("scheduled task due", zap.String("task_id", t.ID))
	}

	var ready []*models.Task
	for _, t := range s.tasks {
		if t.Ready(now) {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].RunsBefore(*ready[j]) })
	telemetry.TasksReady.Set(float64(len(ready)))

	started := 0
	for _, t := range ready {
		if s.running >= s.opts.MaxConcurrent {
			break
		}
		next := t.Clone()
		next.Status = models.StatusRunning
		next.UpdatedAt = now
		if err := s.store.Save(ctx, next); err != nil {
			s.log.Warn("persist dispatch", zap.String("task_id", t.ID), zap.Error(err))
			break
		}
		*t = next
		s.running++
		started++
		s.wg.Add(1)
		go s.execute(ctx, next)
	}
	return started
}

// flushDirtyLocked saves outcomes whose first save failed and makes them
// visible. It returns the tasks that became terminal so the caller can
// notify once the lock is released.
func (s *Scheduler) flushDirtyLocked(ctx context.Context) []models.Task {
	var settled []models.Task
	for id, next := range s.dirty {
		t, ok := s.tasks[id]
		if !ok {
			delete(s.dirty, id)
			continue
		}
		if err := s.store.Save(ctx, next); err != nil {
			s.log.Warn("retry persist", zap.String("task_id", id), zap.Error(err))
			return settled
		}
		*t = next
		delete(s.dirty, id)
		s.log.Info("upload outcome persisted", zap.String("task_id", id), zap.String("status", string(next.Status)))
		if next.Status.IsTerminal() {
			s.releaseWaitersLocked(next)
			settled = append(settled, next.Clone())
		}
	}
	return settled
}

func (s *Scheduler) execute(ctx context.Context, task models.Task) {
	defer s.wg.Done()
	telemetry.UploadsRunning.Inc()
	defer telemetry.UploadsRunning.Dec()

	log := s.log.With(zap.String("task_id", task.ID), zap.String("platform", task.Platform))
	log.Info("upload started", zap.Int("retry_count", task.RetryCount))

	start := time.Now()
	res := s.attempt(ctx, task)
	telemetry.UploadDuration.WithLabelValues(task.Platform, res.Kind.String()).Observe(time.Since(start).Seconds())

	// The outcome is recorded even when shutdown has cancelled ctx.
	persistCtx := context.WithoutCancel(ctx)
	final, ok := s.apply(persistCtx, task.ID, res, ctx.Err() != nil)
	if ok && final.Status.IsTerminal() {
		s.notify(persistCtx, final)
	}
	s.signal()
}

func (s *Scheduler) attempt(ctx context.Context, task models.Task) platform.Result {
	uploader, err := s.registry.Resolve(task.Platform)
	if err != nil {
		return platform.Permanent("%v", err)
	}
	if err := s.authenticate(ctx, task.Platform, uploader); err != nil {
		return platform.Permanent("authentication failed: %v", err)
	}
	return s.upload(ctx, uploader, task)
}

func (s *Scheduler) authFor(name string) *authState {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	st, ok := s.auth[name]
	if !ok {
		st = &authState{}
		s.auth[name] = st
	}
	return st
}

// authenticate calls Authenticate at most once per platform and caches the
// result, success or failure, until Reauthenticate replaces it.
func (s *Scheduler) authenticate(ctx context.Context, name string, u platform.Uploader) error {
	st := s.authFor(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return st.err
	}
	err := u.Authenticate(ctx)
	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown; try again next time.
		return err
	}
	st.done, st.err = true, err
	if err != nil {
		s.log.Error("authentication failed", zap.String("platform", name), zap.Error(err))
	} else {
		s.log.Info("authenticated", zap.String("platform", name))
	}
	return err
}

func (s *Scheduler) upload(ctx context.Context, u platform.Uploader, task models.Task) platform.Result {
	uctx, cancel := ctx, context.CancelFunc(func() {})
	if s.opts.UploadTimeout > 0 {
		uctx, cancel = context.WithTimeout(ctx, s.opts.UploadTimeout)
	}
	defer cancel()

	done := make(chan platform.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- platform.Transient("uploader panic: %v", r)
			}
		}()
		done <- u.Upload(uctx, task.Clone())
	}()

	select {
	case res := <-done:
		return res
	case <-uctx.Done():
	}

	res := platform.Transient("upload timed out after %s", s.opts.UploadTimeout)
	if ctx.Err() != nil {
		res = platform.Transient("upload interrupted: %v", ctx.Err())
	}
	// Uploaders must return once their context is done. Hold the worker slot
	// while they wind down so abandoned uploads cannot exceed MaxConcurrent.
	grace := time.NewTimer(s.abandonAfter)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		s.log.Error("uploader ignored cancellation, abandoning it",
			zap.String("task_id", task.ID),
			zap.String("platform", task.Platform),
			zap.Duration("waited", s.abandonAfter))
	}
	return res
}

// apply records the outcome of one attempt. An attempt cut short by shutdown
// goes back to PENDING without consuming a retry. The bool reports whether
// the outcome was persisted and is visible.
func (s *Scheduler) apply(ctx context.Context, id string, res platform.Result, interrupted bool) (models.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--

	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, false
	}
	now := s.now()
	next := t.Clone()
	next.UpdatedAt = now

	switch {
	case res.Kind == platform.KindSuccess:
		next.Status = models.StatusCompleted
		next.RemoteID = res.RemoteID
		next.LastError = nil
		next.NextAttemptAt = nil
		telemetry.UploadsCompleted.Inc()
	case interrupted:
		next.Status = models.StatusPending
		next.LastError = models.StrPtr(res.Reason)
	case res.Kind == platform.KindTransient && next.RetryCount < next.MaxRetries:
		next.RetryCount++
		next.Status = models.StatusPending
		next.LastError = models.StrPtr(res.Reason)
		at := now.Add(s.opts.Backoff.Delay(next.RetryCount))
		next.NextAttemptAt = &at
		telemetry.UploadsRetried.Inc()
	default:
		next.Status = models.StatusFailed
		next.LastError = models.StrPtr(res.Reason)
		next.NextAttemptAt = nil
		telemetry.UploadsFailed.Inc()
	}

	fields := []zap.Field{
		zap.String("task_id", id),
		zap.String("platform", next.Platform),
		zap.String("status", string(next.Status)),
		zap.Int("retry_count", next.RetryCount),
	}
	switch next.Status {
	case models.StatusCompleted:
		s.log.Info("upload completed", append(fields, zap.String("remote_id", next.RemoteID))...)
	case models.StatusFailed:
		s.log.Warn("upload failed", append(fields, zap.Stringer("kind", res.Kind), zap.String("reason", res.Reason))...)
	default:
		if next.NextAttemptAt != nil {
			fields = append(fields, zap.Time("next_attempt_at", *next.NextAttemptAt))
		}
		s.log.Info("upload will be retried", append(fields, zap.String("reason", res.Reason))...)
	}

	// Until the outcome is saved the task stays RUNNING for callers; Tick
	// keeps retrying the save and publishes the outcome once it succeeds.
	if err := s.store.Save(ctx, next); err != nil {
		s.log.Error("persist upload outcome", zap.String("task_id", id), zap.Error(err))
		s.dirty[id] = next
		return next, false
	}
	*t = next
	delete(s.dirty, id)
	if next.Status.IsTerminal() {
		s.releaseWaitersLocked(next)
	}
	return next, true
}

func (s *Scheduler) notify(ctx context.Context, t models.Task) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, notify.EventFor(t)); err != nil {
		s.log.Debug("notification incomplete", zap.String("task_id", t.ID), zap.Error(err))
	}
}
