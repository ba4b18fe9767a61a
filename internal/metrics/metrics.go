// Package metrics defines custom Prometheus metrics for Driftdesk.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdesk_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftdesk_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftdesk_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftdesk_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Upload engine metrics.
var (
	// UploadSessionsActive is a gauge tracking in-flight upload sessions.
	UploadSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdesk_upload_sessions_active",
			Help: "Upload sessions currently in the registry",
		},
	)

	// UploadChunksTotal counts accepted chunks by result.
	UploadChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdesk_upload_chunks_total",
			Help: "Upload chunks by result",
		},
		[]string{"result"},
	)

	// UploadBytesReceivedTotal counts bytes accepted into upload sinks.
	UploadBytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftdesk_upload_bytes_received_total",
			Help: "Total bytes accepted into upload sinks",
		},
	)

	// UploadsFinishedTotal counts terminal session outcomes:
	// completed, failed, cancelled, reaped.
	UploadsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdesk_uploads_finished_total",
			Help: "Upload sessions reaching a terminal state, by outcome",
		},
		[]string{"outcome"},
	)

	// UploadDuration observes the init-to-completion duration of successful
	// uploads in seconds.
	UploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftdesk_upload_duration_seconds",
			Help:    "Duration from init to completion for successful uploads",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			UploadSessionsActive,
			UploadChunksTotal,
			UploadBytesReceivedTotal,
			UploadsFinishedTotal,
			UploadDuration,
		)
		// Initialize outcome labels so the series appear in /metrics output
		// before any upload has finished.
		UploadsFinishedTotal.WithLabelValues("completed")
		UploadsFinishedTotal.WithLabelValues("failed")
		UploadsFinishedTotal.WithLabelValues("cancelled")
		UploadsFinishedTotal.WithLabelValues("reaped")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual upload and file ids.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/openapi", "/openapi.json", "/", "":
		if path == "" {
			return "/"
		}
		return path
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 4)
	if len(parts) >= 2 && parts[0] == "v1" {
		switch parts[1] {
		case "uploads":
			if len(parts) > 2 {
				return "/v1/uploads/{id}"
			}
			return "/v1/uploads"
		case "files":
			if len(parts) > 2 {
				return "/v1/files/{id}"
			}
			return "/v1/files"
		}
	}
	return "/other"
}
