package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wingman-interview/pipeline/internal/models"
	"github.com/wingman-interview/pipeline/internal/transcript"
)

var (
	// ErrNoSupportedFormat is returned when the source supports none of the
	// preferred media formats.
	ErrNoSupportedFormat = errors.New("no supported media format")
	// ErrInvalidState is returned for a lifecycle call the current state
	// does not admit.
	ErrInvalidState = errors.New("invalid session state")
)

const (
	// DefaultChunkInterval is the capture cadence.
	DefaultChunkInterval = 2 * time.Second
	// DefaultStopGrace lets in-flight tail chunks land before finalize.
	DefaultStopGrace = time.Second
)

// ChunkSender dispatches captured chunks to the transcription transport.
// Satisfied by *transport.Client.
type ChunkSender interface {
	StartStream(ctx context.Context, sessionID, mimeType string) error
	SendChunk(ctx context.Context, sessionID, mimeType string, sequenceID int64, data []byte) (string, error)
}

// Finalizer produces the session's final transcript and caches interim
// fragments for recovery. Satisfied by *transcript.Reconciler.
type Finalizer interface {
	CacheFragment(ctx context.Context, sessionID string, sequenceID int64, text string)
	Finalize(ctx context.Context, sessionID, interim string) models.FinalTranscriptionResult
}

// Events receives session notifications. Callbacks run on session goroutines
// and must return quickly; implementations that fan out (websockets, queues)
// buffer internally.
type Events interface {
	OnInterim(sessionID, transcript string)
	OnMetrics(sessionID string, m models.PerformanceMetrics)
	OnStateChange(sessionID string, status models.SessionStatus)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) OnInterim(string, string)                    {}
func (NopEvents) OnMetrics(string, models.PerformanceMetrics) {}
func (NopEvents) OnStateChange(string, models.SessionStatus)  {}

// Config holds per-session capture settings.
type Config struct {
	ChunkInterval time.Duration
	StopGrace     time.Duration
	MediaFormats  []string // ordered encoding preference list
	Metrics       *Metrics // optional shared counter sink; nil allocates one
}

// Session drives one answer's capture lifecycle:
// idle -> streaming -> processing -> completed|error. Chunk sends are
// fire-and-forget so a slow network round trip never stalls the capture
// cadence. Finalize runs exactly once, on Stop.
type Session struct {
	id      string
	source  CaptureSource
	sender  ChunkSender
	final   Finalizer
	events  Events
	metrics *Metrics
	cfg     Config
	logger  *zap.Logger

	mu            sync.Mutex
	status        models.SessionStatus
	mediaFormat   string
	interim       string
	chunks        []models.Chunk
	result        *models.FinalTranscriptionResult
	cancelCapture context.CancelFunc
	cancelSends   context.CancelFunc

	seq      atomic.Int64
	disposed atomic.Bool
}

// NewSession creates an idle session.
func NewSession(id string, source CaptureSource, sender ChunkSender, final Finalizer, events Events, cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = NopEvents{}
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = DefaultChunkInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if len(cfg.MediaFormats) == 0 {
		cfg.MediaFormats = []string{"audio/webm;codecs=opus", "audio/webm", "audio/ogg;codecs=opus"}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	return &Session{
		id:      id,
		source:  source,
		sender:  sender,
		final:   final,
		events:  events,
		metrics: cfg.Metrics,
		cfg:     cfg,
		status:  models.SessionIdle,
		logger:  logger.With(zap.String("session_id", id)),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// MediaFormat returns the negotiated encoding, empty before Start.
func (s *Session) MediaFormat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaFormat
}

// Interim returns the accumulated interim transcript.
func (s *Session) Interim() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interim
}

// Metrics returns a snapshot of the session's performance counters.
func (s *Session) Metrics() models.PerformanceMetrics {
	return s.metrics.Snapshot()
}

// Chunks returns a copy of the per-chunk dispatch log.
func (s *Session) Chunks() []models.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Result returns the final transcription result once Stop has completed.
func (s *Session) Result() (models.FinalTranscriptionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return models.FinalTranscriptionResult{}, false
	}
	return *s.result, true
}

// Start negotiates the media format, opens the recognizer stream and begins
// the capture loop. Any failure moves the session to the error state.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != models.SessionIdle {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, status)
	}
	s.mu.Unlock()

	format, err := NegotiateFormat(s.source, s.cfg.MediaFormats)
	if err != nil {
		s.setStatus(models.SessionError)
		return err
	}

	if err := s.sender.StartStream(ctx, s.id, format); err != nil {
		s.setStatus(models.SessionError)
		return fmt.Errorf("start recognizer stream: %w", err)
	}

	// Capture stops at Stop; in-flight sends survive until Dispose so tail
	// chunks landed inside the stop grace still reach the recognizer.
	captureCtx, cancelCapture := context.WithCancel(context.Background())
	sendCtx, cancelSends := context.WithCancel(context.Background())

	chunks, err := s.source.Start(captureCtx, format, s.cfg.ChunkInterval)
	if err != nil {
		cancelCapture()
		cancelSends()
		s.setStatus(models.SessionError)
		return fmt.Errorf("start capture: %w", err)
	}

	s.mu.Lock()
	s.mediaFormat = format
	s.cancelCapture = cancelCapture
	s.cancelSends = cancelSends
	s.mu.Unlock()

	s.metrics.MarkStarted(time.Now())
	s.setStatus(models.SessionStreaming)
	go s.captureLoop(sendCtx, chunks)

	s.logger.Info("session streaming", zap.String("media_format", format))
	return nil
}

// Stop halts capture, waits the stop grace for tail chunks, finalizes the
// transcript and moves the session to completed. Finalize itself never fails;
// degraded results are flagged, not errored.
func (s *Session) Stop(ctx context.Context) (models.FinalTranscriptionResult, error) {
	s.mu.Lock()
	if s.status != models.SessionStreaming {
		status := s.status
		s.mu.Unlock()
		return models.FinalTranscriptionResult{}, fmt.Errorf("%w: stop from %s", ErrInvalidState, status)
	}
	s.status = models.SessionProcessing
	s.mu.Unlock()
	s.events.OnStateChange(s.id, models.SessionProcessing)

	if err := s.source.Stop(); err != nil {
		s.logger.Warn("capture source stop failed", zap.Error(err))
	}

	// Grace period: tail chunks flushed by the source are still dispatched
	// and merged into the interim accumulator before finalize reads it.
	select {
	case <-ctx.Done():
	case <-time.After(s.cfg.StopGrace):
	}

	s.mu.Lock()
	cancelCapture := s.cancelCapture
	s.mu.Unlock()
	if cancelCapture != nil {
		cancelCapture()
	}
	s.metrics.MarkFinished(time.Now())

	res := s.final.Finalize(ctx, s.id, s.Interim())

	s.mu.Lock()
	s.result = &res
	s.status = models.SessionCompleted
	s.mu.Unlock()
	s.events.OnStateChange(s.id, models.SessionCompleted)
	s.events.OnMetrics(s.id, s.metrics.Snapshot())

	s.logger.Info("session completed",
		zap.Bool("from_fallback", res.FromFallback),
		zap.Bool("recovered_from_storage", res.RecoveredFromStorage),
		zap.Int64("chunks_sent", s.metrics.Snapshot().ChunksSent))
	return res, nil
}

// Dispose tears the session down without finalizing. In-flight sends are
// canceled and their outcomes discarded; no further events are emitted.
func (s *Session) Dispose() {
	if !s.disposed.CompareAndSwap(false, true) {
		return
	}
	_ = s.source.Stop()
	s.mu.Lock()
	cancelCapture := s.cancelCapture
	cancelSends := s.cancelSends
	s.mu.Unlock()
	if cancelCapture != nil {
		cancelCapture()
	}
	if cancelSends != nil {
		cancelSends()
	}
}

func (s *Session) captureLoop(ctx context.Context, chunks <-chan []byte) {
	for data := range chunks {
		if s.disposed.Load() || len(data) == 0 {
			continue
		}
		seq := s.seq.Add(1)
		s.recordChunk(models.Chunk{SequenceID: seq, SentAt: time.Now(), SizeBytes: len(data)})
		s.metrics.ChunkAttempt(len(data), time.Now())
		// Fire and forget: dispatch never blocks the capture cadence.
		go s.dispatch(ctx, seq, data)
	}
}

func (s *Session) dispatch(ctx context.Context, seq int64, data []byte) {
	start := time.Now()
	text, err := s.sender.SendChunk(ctx, s.id, s.MediaFormat(), seq, data)
	if s.disposed.Load() {
		return
	}
	if err != nil {
		s.logger.Warn("chunk send failed", zap.Int64("sequence_id", seq), zap.Error(err))
		s.completeChunk(seq, err.Error())
		s.events.OnMetrics(s.id, s.metrics.Snapshot())
		return
	}
	s.completeChunk(seq, "")
	s.metrics.ChunkLatency(time.Since(start))
	if text != "" && !s.Status().Terminal() {
		s.final.CacheFragment(ctx, s.id, seq, text)
		s.events.OnInterim(s.id, s.mergeInterim(text))
	}
	s.events.OnMetrics(s.id, s.metrics.Snapshot())
}

// mergeInterim folds a new hypothesis into the accumulator and returns the
// merged text.
func (s *Session) mergeInterim(text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interim = transcript.MergeInterim(s.interim, text)
	return s.interim
}

func (s *Session) recordChunk(c models.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
}

func (s *Session) completeChunk(seq int64, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.chunks) - 1; i >= 0; i-- {
		if s.chunks[i].SequenceID == seq {
			s.chunks[i].ReceivedAt = time.Now()
			s.chunks[i].Error = errMsg
			return
		}
	}
}

func (s *Session) setStatus(status models.SessionStatus) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()
	if !s.disposed.Load() {
		s.events.OnStateChange(s.id, status)
	}
}
