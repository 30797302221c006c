package transport

import "time"

// Fanout broadcasts metric events to several recorders, typically the
// per-session accumulator plus the process-wide Prometheus metrics.
type Fanout []MetricsRecorder

func (f Fanout) ChunkAttempt(sizeBytes int, at time.Time) {
	for _, r := range f {
		r.ChunkAttempt(sizeBytes, at)
	}
}

func (f Fanout) ChunkLatency(d time.Duration) {
	for _, r := range f {
		r.ChunkLatency(d)
	}
}

func (f Fanout) Timeout() {
	for _, r := range f {
		r.Timeout()
	}
}

func (f Fanout) Reconnect() {
	for _, r := range f {
		r.Reconnect()
	}
}
