package stream

import (
	"sync"
	"time"

	"github.com/wingman-interview/pipeline/internal/models"
)

// Metrics accumulates one session's running performance counters. It is owned
// exclusively by the session; callers only ever see snapshots. Implements
// transport.MetricsRecorder.
type Metrics struct {
	mu sync.Mutex
	m  models.PerformanceMetrics

	latencySamples int64
}

// NewMetrics creates an empty metrics accumulator.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ChunkAttempt counts a chunk before its network call so failed sends remain
// visible.
func (r *Metrics) ChunkAttempt(sizeBytes int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.ChunksSent++
	r.m.BytesProcessed += int64(sizeBytes)
	r.m.LastChunkSentAt = at
}

// ChunkLatency records one successful round trip.
func (r *Metrics) ChunkLatency(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencySamples++
	r.m.TotalLatency += d
	r.m.AverageLatency = r.m.TotalLatency / time.Duration(r.latencySamples)
}

// Timeout counts a send timeout.
func (r *Metrics) Timeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.TimeoutCount++
}

// Reconnect counts a recognizer stream reinit. Reconnects are not failures.
func (r *Metrics) Reconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.ReconnectCount++
}

// MarkStarted records the capture start time.
func (r *Metrics) MarkStarted(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.StreamStartedAt = at
}

// MarkFinished records the capture end time.
func (r *Metrics) MarkFinished(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.StreamFinishedAt = at
}

// ResilienceCounters adapts a session's metrics for the transport layer.
// Timeouts and reconnects happen inside the transport retry loop, out of the
// session's sight, so only those counters pass through; the session counts
// its own attempts and latency.
type ResilienceCounters struct {
	M *Metrics
}

func (r ResilienceCounters) ChunkAttempt(int, time.Time) {}
func (r ResilienceCounters) ChunkLatency(time.Duration)  {}
func (r ResilienceCounters) Timeout()                    { r.M.Timeout() }
func (r ResilienceCounters) Reconnect()                  { r.M.Reconnect() }

// Snapshot returns a read-only copy of the counters.
func (r *Metrics) Snapshot() models.PerformanceMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m
}
