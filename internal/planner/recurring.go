package planner

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"video-uploader/internal/config"
	"video-uploader/internal/models"
)

// Recurring runs batches on cron schedules.
type Recurring struct {
	c   *cron.Cron
	log *zap.Logger
}

// NewRecurring registers one cron entry per configured job.
func NewRecurring(p *Planner, jobs []config.RecurringConfig, log *zap.Logger) (*Recurring, error) {
	log = log.Named("recurring")
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})))

	for i, job := range jobs {
		priority, err := models.ParsePriority(job.Priority)
		if err != nil {
			return nil, fmt.Errorf("recurring[%d]: %w", i, err)
		}
		maxVideos := job.MaxVideos
		if maxVideos <= 0 {
			maxVideos = 1
		}
		req := BatchRequest{Platform: job.Platform, MaxVideos: maxVideos, Priority: priority}
		spec := config.CronSpec(job.Schedule)
		if _, err := c.AddFunc(spec, func() {
			ids, err := p.Batch(context.Background(), req)
			if err != nil {
				log.Error("recurring batch failed", zap.String("platform", req.Platform), zap.Error(err))
				return
			}
			log.Info("recurring batch submitted", zap.String("platform", req.Platform), zap.Int("tasks", len(ids)))
		}); err != nil {
			return nil, fmt.Errorf("recurring[%d]: schedule %q: %w", i, job.Schedule, err)
		}
		log.Info("recurring batch registered", zap.String("platform", job.Platform), zap.String("schedule", spec))
	}
	return &Recurring{c: c, log: log}, nil
}

// Len is the number of registered schedules.
func (r *Recurring) Len() int {
	return len(r.c.Entries())
}

// Run starts the cron loop and blocks until ctx is done and running jobs finish.
func (r *Recurring) Run(ctx context.Context) error {
	r.c.Start()
	<-ctx.Done()
	<-r.c.Stop().Done()
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
