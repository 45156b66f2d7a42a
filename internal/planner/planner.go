// Package planner turns the videos waiting in the library into upload tasks,
// either on demand or on a cron schedule.
package planner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"video-uploader/internal/media"
	"video-uploader/internal/models"
	"video-uploader/internal/scheduler"
)

// Submitter is the part of the scheduler the planner needs.
type Submitter interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (string, error)
	ListTasks(f models.Filter) []models.Task
}

// BatchRequest selects up to MaxVideos pending videos for one platform.
// With StartAt or Interval set, uploads are spread out in time: the i-th video
// is scheduled at StartAt (or now) plus i*Interval.
type BatchRequest struct {
	Platform  string
	MaxVideos int
	Priority  models.Priority
	StartAt   *time.Time
	Interval  time.Duration
}

type Planner struct {
	// mu serializes batches so two of them never pick the same video or title.
	mu    sync.Mutex
	sched Submitter
	lib   *media.Library
	log   *zap.Logger
	now   func() time.Time
}

func New(sched Submitter, lib *media.Library, log *zap.Logger) *Planner {
	return &Planner{sched: sched, lib: lib, log: log.Named("planner"), now: time.Now}
}

// Batch submits pending videos that no unfinished task already references.
// Titles come from the titles file, falling back to the file name.
func (p *Planner) Batch(ctx context.Context, req BatchRequest) ([]string, error) {
	if req.MaxVideos <= 0 {
		return nil, fmt.Errorf("%w: max_videos must be positive", scheduler.ErrValidation)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	videos, err := p.lib.PendingVideos()
	if err != nil {
		return nil, err
	}

	busy := make(map[string]bool)
	for _, t := range p.sched.ListTasks(models.Filter{Platform: req.Platform}) {
		if !t.Status.IsTerminal() {
			busy[filepath.Clean(t.VideoPath)] = true
		}
	}

	var ids []string
	for _, v := range videos {
		if len(ids) >= req.MaxVideos {
			break
		}
		if busy[filepath.Clean(v.Path)] {
			continue
		}

		title, fromFile, err := p.lib.NextTitle()
		if err != nil {
			p.log.Warn("read titles file", zap.Error(err))
		}
		if title == "" {
			title = models.DefaultTitle(v.Name)
		}

		submit := scheduler.SubmitRequest{
			Platform:  req.Platform,
			VideoPath: v.Path,
			Title:     title,
			Priority:  req.Priority,
			Unique:    true,
		}
		if at := p.slot(req, len(ids)); at != nil {
			submit.ScheduledTime = at
		}

		id, err := p.sched.Submit(ctx, submit)
		if err != nil {
			if errors.Is(err, scheduler.ErrValidation) || errors.Is(err, scheduler.ErrDuplicate) {
				p.log.Warn("skip video", zap.String("video", v.Name), zap.Error(err))
				continue
			}
			return ids, err
		}
		if fromFile {
			if _, _, err := p.lib.PopTitle(); err != nil {
				p.log.Warn("consume title", zap.Error(err))
			}
		}
		ids = append(ids, id)
	}

	p.log.Info("batch planned",
		zap.String("platform", req.Platform),
		zap.Int("submitted", len(ids)),
		zap.Int("pending_videos", len(videos)))
	return ids, nil
}

func (p *Planner) slot(req BatchRequest, i int) *time.Time {
	if req.StartAt == nil && req.Interval <= 0 {
		return nil
	}
	base := p.now()
	if req.StartAt != nil {
		base = *req.StartAt
	}
	if req.StartAt == nil && i == 0 {
		return nil
	}
	at := base.Add(time.Duration(i) * req.Interval)
	return &at
}
