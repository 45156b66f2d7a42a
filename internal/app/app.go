// Package app builds every long-lived component once from configuration and
// runs them together until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"video-uploader/internal/api"
	"video-uploader/internal/config"
	"video-uploader/internal/media"
	"video-uploader/internal/notify"
	"video-uploader/internal/planner"
	"video-uploader/internal/platform"
	"video-uploader/internal/platform/instagram"
	"video-uploader/internal/platform/tiktok"
	"video-uploader/internal/ratelimit"
	"video-uploader/internal/scheduler"
	"video-uploader/internal/store"
	"video-uploader/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

// App owns the process-wide components. Build it with New and release it with Close.
type App struct {
	Config    *config.Config
	Log       *zap.Logger
	Store     store.Store
	Registry  *platform.Registry
	Notifier  *notify.Multi
	Scheduler *scheduler.Scheduler
	Library   *media.Library
	Planner   *planner.Planner

	limiter   ratelimit.Limiter
	recurring *planner.Recurring
	watcher   *watcher.Watcher
	server    *http.Server
}

// New wires the application and loads persisted tasks. Components disabled
// in cfg are left nil.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Store, err = store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a.Registry = platform.NewRegistry()
	if cfg.TikTok.Enabled {
		if err := a.Registry.Register("tiktok", tiktok.New(cfg.TikTok, log)); err != nil {
			return nil, err
		}
	}
	if cfg.Instagram.Enabled {
		if err := a.Registry.Register("instagram", instagram.New(cfg.Instagram, log)); err != nil {
			return nil, err
		}
	}
	if len(a.Registry.Names()) == 0 {
		log.Warn("no upload platform enabled")
	}

	a.Library, err = media.NewLibrary(cfg.Paths, log)
	if err != nil {
		return nil, err
	}

	a.Notifier = notify.NewMulti(log, notify.NewLog(log))
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Telegram, log)
		if err != nil {
			return nil, err
		}
		a.Notifier.Add(tg)
	}
	archiver, err := media.NewArchiver(ctx, cfg.Archive, a.Library)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if archiver != nil {
		a.Notifier.Add(media.NewArchiveNotifier(archiver, log))
	}

	a.Scheduler = scheduler.New(scheduler.OptionsFromConfig(cfg.Scheduler, cfg.Retry), a.Store, a.Registry, a.Notifier, log)
	if err := a.Scheduler.Load(ctx); err != nil {
		return nil, err
	}
	a.Planner = planner.New(a.Scheduler, a.Library, log)

	if len(cfg.Recurring) > 0 {
		a.recurring, err = planner.NewRecurring(a.Planner, cfg.Recurring, log)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Watch.Enabled {
		a.watcher, err = watcher.New(cfg.Watch, a.Library.VideosDir(), a.Scheduler, log)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Server.Enabled {
		a.limiter, err = ratelimit.New(ctx, cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		srv := api.New(a.Scheduler, a.Planner, a.Library, a.limiter, log)
		a.server = &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

// Run starts the enabled components and blocks until ctx is cancelled or
// one of them fails. In-flight uploads are allowed to return before Run does.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.Config.Scheduler.Enabled {
		g.Go(func() error { return a.Scheduler.Run(ctx) })
	}
	if a.recurring != nil {
		g.Go(func() error { return a.recurring.Run(ctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}
	if a.server != nil {
		g.Go(func() error {
			a.Log.Info("api listening", zap.String("addr", a.server.Addr))
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// Close releases uploaders, the rate limiter and the store.
func (a *App) Close() error {
	var errs []error
	if a.Registry != nil {
		errs = append(errs, a.Registry.Close())
	}
	if c, ok := a.limiter.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
