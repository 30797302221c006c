// Package observability provides Prometheus metrics for the pipeline.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wingman_pipeline"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal     prometheus.Counter
	SessionsActive    prometheus.Gauge
	SessionsCompleted prometheus.Counter
	SessionsFailed    prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Chunk transport metrics
	ChunksSent       prometheus.Counter
	ChunkBytes       prometheus.Counter
	ChunkLatencyHist prometheus.Histogram
	ChunkTimeouts    prometheus.Counter
	StreamReconnects prometheus.Counter

	// Transcript metrics
	TranscriptsInterim  prometheus.Counter
	TranscriptsFinal    prometheus.Counter
	TranscriptFallbacks *prometheus.CounterVec

	// Segment upload metrics
	SegmentsUploaded *prometheus.CounterVec
	UploadBytes      prometheus.Counter

	// Analysis metrics
	AnalysisTriggers prometheus.Counter
	AnalysisErrors   prometheus.Counter
	PollTicks        prometheus.Counter
	Reports          *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal  *prometheus.CounterVec
	KafkaPublishErrors *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of answer sessions started",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently streaming sessions",
		}),
		SessionsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Total number of sessions finalized successfully",
		}),
		SessionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of sessions that ended in the error state",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of answer sessions in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 180, 300, 600},
		}),

		ChunksSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sent_total",
			Help:      "Total number of media chunks dispatched",
		}),
		ChunkBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Total media bytes dispatched",
		}),
		ChunkLatencyHist: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_latency_seconds",
			Help:      "Chunk round-trip latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		ChunkTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_timeouts_total",
			Help:      "Total number of chunk send timeouts",
		}),
		StreamReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Total number of recognizer stream reinitializations",
		}),

		TranscriptsInterim: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_interim_total",
			Help:      "Total number of interim transcripts received",
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts produced",
		}),
		TranscriptFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_fallbacks_total",
			Help:      "Total number of finalizations served from fallback",
		}, []string{"source"}),

		SegmentsUploaded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_uploaded_total",
			Help:      "Total number of segments uploaded",
		}, []string{"path"}),
		UploadBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Total segment bytes uploaded",
		}),

		AnalysisTriggers: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_triggers_total",
			Help:      "Total number of analysis triggers sent",
		}),
		AnalysisErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_errors_total",
			Help:      "Total number of failed analysis triggers",
		}),
		PollTicks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Total number of analysis poll requests",
		}),
		Reports: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Total number of reports produced",
		}, []string{"status"}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
	}
}

// ChunkAttempt implements transport.MetricsRecorder.
func (m *Metrics) ChunkAttempt(sizeBytes int, _ time.Time) {
	m.ChunksSent.Inc()
	m.ChunkBytes.Add(float64(sizeBytes))
}

// ChunkLatency implements transport.MetricsRecorder.
func (m *Metrics) ChunkLatency(d time.Duration) {
	m.ChunkLatencyHist.Observe(d.Seconds())
}

// Timeout implements transport.MetricsRecorder.
func (m *Metrics) Timeout() {
	m.ChunkTimeouts.Inc()
}

// Reconnect implements transport.MetricsRecorder.
func (m *Metrics) Reconnect() {
	m.StreamReconnects.Inc()
}

// RecordSessionStart records a new session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending.
func (m *Metrics) RecordSessionEnd(success bool, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
	if success {
		m.SessionsCompleted.Inc()
	} else {
		m.SessionsFailed.Inc()
	}
}

// RecordFinalTranscript records a finalization and its provenance.
func (m *Metrics) RecordFinalTranscript(fromFallback, recoveredFromStorage bool) {
	m.TranscriptsFinal.Inc()
	switch {
	case recoveredFromStorage:
		m.TranscriptFallbacks.WithLabelValues("storage").Inc()
	case fromFallback:
		m.TranscriptFallbacks.WithLabelValues("interim").Inc()
	}
}

// RecordSegmentUploaded records one uploaded segment.
func (m *Metrics) RecordSegmentUploaded(path string, sizeBytes int64) {
	m.SegmentsUploaded.WithLabelValues(path).Inc()
	m.UploadBytes.Add(float64(sizeBytes))
}

// RecordAnalysisTrigger records an analysis trigger attempt.
func (m *Metrics) RecordAnalysisTrigger(err error) {
	m.AnalysisTriggers.Inc()
	if err != nil {
		m.AnalysisErrors.Inc()
	}
}

// RecordReport records a produced report by poll status.
func (m *Metrics) RecordReport(status string) {
	m.Reports.WithLabelValues(status).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
