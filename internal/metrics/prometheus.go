package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the converter.
// All Record methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Conversion metrics
	FilesConverted     prometheus.Counter
	FilesFailed        prometheus.Counter
	FilesSkipped       prometheus.Counter
	ConversionDuration prometheus.Histogram

	// Decoder RPC metrics
	CommandsSent    *prometheus.CounterVec
	DecoderErrors   *prometheus.CounterVec
	FramesSubmitted prometheus.Counter
	BatchFrames     prometheus.Histogram
	DecodedBytes    prometheus.Counter
	ContextBytes    *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics on a fresh registry, together with the Go
// runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newMetrics(reg)
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Conversion metrics
		FilesConverted: factory.NewCounter(prometheus.CounterOpts{
			Name: "a32_files_converted_total",
			Help: "Total number of files converted successfully",
		}),
		FilesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "a32_files_failed_total",
			Help: "Total number of files whose conversion failed",
		}),
		FilesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "a32_files_skipped_total",
			Help: "Total number of files skipped because the output already existed",
		}),
		ConversionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "a32_conversion_duration_seconds",
			Help:    "Wall time of a single file conversion",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5 minutes
		}),

		// Decoder RPC metrics
		CommandsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "a32_decoder_commands_total",
			Help: "Total number of commands written to the decoder context",
		}, []string{"command"}),
		DecoderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "a32_decoder_errors_total",
			Help: "Total number of non-zero result codes returned by the decoder",
		}, []string{"command"}),
		FramesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "a32_frames_submitted_total",
			Help: "Total number of compressed frames submitted for decoding",
		}),
		BatchFrames: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "a32_decode_batch_frames",
			Help:    "Number of frames per decode call",
			Buckets: prometheus.LinearBuckets(10, 10, 8), // 10 to 80
		}),
		DecodedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "a32_decoded_bytes_total",
			Help: "Total number of PCM bytes returned by the decoder",
		}),
		ContextBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "a32_context_bytes_total",
			Help: "Total number of context bytes transferred to or from the target",
		}, []string{"direction"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "a32_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "a32_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Registry returns the registry holding these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WriteTextfile writes the registry for the node exporter textfile collector
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// RecordCommand records a command written to the decoder context
func (m *Metrics) RecordCommand(command string) {
	if m == nil {
		return
	}
	m.CommandsSent.WithLabelValues(command).Inc()
}

// RecordDecoderError records a non-zero result code
func (m *Metrics) RecordDecoderError(command string) {
	if m == nil {
		return
	}
	m.DecoderErrors.WithLabelValues(command).Inc()
}

// RecordBatch records a decode batch of the given size
func (m *Metrics) RecordBatch(frames int) {
	if m == nil {
		return
	}
	m.FramesSubmitted.Add(float64(frames))
	m.BatchFrames.Observe(float64(frames))
}

// RecordDecoded adds decoded PCM bytes
func (m *Metrics) RecordDecoded(bytes int) {
	if m == nil {
		return
	}
	m.DecodedBytes.Add(float64(bytes))
}

// RecordContextTransfer adds context bytes moved in direction ("write" or "read")
func (m *Metrics) RecordContextTransfer(direction string, bytes int) {
	if m == nil {
		return
	}
	m.ContextBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordConversion records the outcome of one file conversion
func (m *Metrics) RecordConversion(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	if success {
		m.FilesConverted.Inc()
	} else {
		m.FilesFailed.Inc()
	}
	m.ConversionDuration.Observe(duration.Seconds())
}

// RecordSkipped records a file skipped because its output exists
func (m *Metrics) RecordSkipped() {
	if m == nil {
		return
	}
	m.FilesSkipped.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
