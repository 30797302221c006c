package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of an answer session.
// Transitions are monotonic: idle -> streaming -> processing -> completed|error.
type SessionStatus string

const (
	SessionIdle       SessionStatus = "idle"
	SessionStreaming  SessionStatus = "streaming"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionError      SessionStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionError
}

// Chunk describes one dispatched unit of captured media. Immutable once sent;
// SequenceID is assigned in strict capture order and joins the chunk to any
// locally cached transcript fragment.
type Chunk struct {
	SequenceID int64     `json:"sequence_id"`
	SentAt     time.Time `json:"sent_at"`
	SizeBytes  int       `json:"size_bytes"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// PerformanceMetrics is a read-only snapshot of a session's running counters.
type PerformanceMetrics struct {
	ChunksSent       int64         `json:"chunks_sent"`
	BytesProcessed   int64         `json:"bytes_processed"`
	TotalLatency     time.Duration `json:"total_latency"`
	AverageLatency   time.Duration `json:"average_latency"`
	TimeoutCount     int64         `json:"timeout_count"`
	ReconnectCount   int64         `json:"reconnect_count"`
	LastChunkSentAt  time.Time     `json:"last_chunk_sent_at,omitempty"`
	StreamStartedAt  time.Time     `json:"stream_started_at,omitempty"`
	StreamFinishedAt time.Time     `json:"stream_finished_at,omitempty"`
}

// TranscriptFragment is one interim transcript unit cached in the backup
// store, keyed by the sequence ID of the chunk that produced it. Write-once
// per ID; used only for recovery.
type TranscriptFragment struct {
	SequenceID int64     `json:"sequence_id"`
	Text       string    `json:"text"`
	CachedAt   time.Time `json:"cached_at"`
}

// FinalTranscriptionResult is produced exactly once per session at finalize.
type FinalTranscriptionResult struct {
	Text                 string        `json:"text"`
	Confidence           float64       `json:"confidence"`
	ProcessingTime       time.Duration `json:"processing_time"`
	FromFallback         bool          `json:"from_fallback"`
	RecoveredFromStorage bool          `json:"recovered_from_storage"`
}

// AnswerSession is the persisted record of one interview answer.
type AnswerSession struct {
	ID               uuid.UUID     `json:"id"`
	InterviewID      uuid.UUID     `json:"interview_id"`
	Status           SessionStatus `json:"status"`
	MediaFormat      string        `json:"media_format"`
	Transcript       string        `json:"transcript"`
	FromFallback     bool          `json:"from_fallback"`
	ExpectedSegments int           `json:"expected_segments"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
