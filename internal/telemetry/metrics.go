package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RecordingsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{Name: "recordings_enqueued_total", Help: "Recordings added to the upload queue"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "recordings_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	UploadsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "recordings_uploaded_total", Help: "Recordings uploaded successfully"})
	UploadsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "recordings_failed_total", Help: "Recordings that reached failed"})
	RetriesScheduled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "recordings_retries_scheduled_total", Help: "Backoff retries scheduled after a retryable failure"})
	ChunkRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_chunk_retries_total", Help: "Chunk uploads attempted again"})
	BytesUploaded      = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_bytes_total", Help: "Recording bytes accepted by the remote store"})
	PendingGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recordings_pending", Help: "Recordings waiting for upload"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recordings_uploading", Help: "Recordings currently being uploaded"})
	UploadDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "recording_upload_duration_seconds",
		Help:    "Wall time of successful uploads",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RecordingsEnqueued,
			RateLimitRejects,
			UploadsCompleted,
			UploadsFailed,
			RetriesScheduled,
			ChunkRetries,
			BytesUploaded,
			PendingGauge,
			InFlightGauge,
			UploadDuration,
		)
	})
	return promhttp.Handler()
}
