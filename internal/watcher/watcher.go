// Package watcher submits videos dropped into the videos directory.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"video-uploader/internal/config"
	"video-uploader/internal/media"
	"video-uploader/internal/models"
	"video-uploader/internal/scheduler"
)

type Submitter interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (string, error)
}

type candidate struct {
	size    int64
	changed time.Time
}

// Watcher waits until a new file's size has been stable for the settle
// period before submitting it, so half-copied videos are not picked up.
type Watcher struct {
	dir      string
	platform string
	priority models.Priority
	settle   time.Duration
	sub      Submitter
	log      *zap.Logger

	pending map[string]candidate
}

func New(cfg config.WatchConfig, dir string, sub Submitter, log *zap.Logger) (*Watcher, error) {
	if cfg.Platform == "" {
		return nil, fmt.Errorf("watch.platform is required")
	}
	priority, err := models.ParsePriority(cfg.Priority)
	if err != nil {
		return nil, fmt.Errorf("watch.priority: %w", err)
	}
	settle := cfg.SettleFor
	if settle <= 0 {
		settle = 5 * time.Second
	}
	return &Watcher{
		dir:      dir,
		platform: cfg.Platform,
		priority: priority,
		settle:   settle,
		sub:      sub,
		log:      log.Named("watcher"),
		pending:  make(map[string]candidate),
	}, nil
}

// Run watches the directory until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("watching videos dir", zap.String("dir", w.dir), zap.String("platform", w.platform))

	check := w.settle / 4
	if check < 10*time.Millisecond {
		check = 10 * time.Millisecond
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !media.IsVideo(ev.Name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil || !info.Mode().IsRegular() {
			return
		}
		w.pending[ev.Name] = candidate{size: info.Size(), changed: time.Now()}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		delete(w.pending, ev.Name)
	}
}

func (w *Watcher) flush(ctx context.Context, now time.Time) {
	for path, c := range w.pending {
		info, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			continue
		}
		if info.Size() != c.size {
			w.pending[path] = candidate{size: info.Size(), changed: now}
			continue
		}
		if now.Sub(c.changed) < w.settle {
			continue
		}
		delete(w.pending, path)
		id, err := w.sub.Submit(ctx, scheduler.SubmitRequest{
			Platform:  w.platform,
			VideoPath: path,
			Priority:  w.priority,
			Unique:    true,
		})
		if errors.Is(err, scheduler.ErrDuplicate) {
			w.log.Debug("video already queued", zap.String("path", path))
			continue
		}
		if err != nil {
			w.log.Warn("submit new video", zap.String("path", path), zap.Error(err))
			continue
		}
		w.log.Info("new video submitted", zap.String("path", path), zap.String("task_id", id))
	}
}
