package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksSubmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "uploader_tasks_submitted_total", Help: "Tasks accepted by the scheduler"})
	UploadsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "uploader_uploads_completed_total", Help: "Uploads that finished successfully"})
	UploadsRetried   = prometheus.NewCounter(prometheus.CounterOpts{Name: "uploader_uploads_retried_total", Help: "Transient failures that returned a task to pending"})
	UploadsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "uploader_uploads_failed_total", Help: "Tasks that ended failed"})
	TasksCancelled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "uploader_tasks_cancelled_total", Help: "Tasks cancelled before running"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "uploader_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	TasksReady       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "uploader_tasks_ready", Help: "Pending tasks eligible for dispatch"})
	UploadsRunning   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "uploader_uploads_running", Help: "Uploads currently in progress"})
	UploadDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "uploader_upload_duration_seconds",
		Help:    "Wall time of a single upload attempt",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"platform", "outcome"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			TasksSubmitted,
			UploadsCompleted,
			UploadsRetried,
			UploadsFailed,
			TasksCancelled,
			RateLimitRejects,
			TasksReady,
			UploadsRunning,
			UploadDuration,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
