// Package api exposes the interview pipeline over HTTP: session lifecycle,
// chunk ingestion, segment uploads and report retrieval.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/wingman-interview/pipeline/config"
	"github.com/wingman-interview/pipeline/internal/capture"
	"github.com/wingman-interview/pipeline/internal/models"
	"github.com/wingman-interview/pipeline/internal/observability"
	"github.com/wingman-interview/pipeline/internal/realtime"
	"github.com/wingman-interview/pipeline/internal/results"
	"github.com/wingman-interview/pipeline/internal/stream"
	"github.com/wingman-interview/pipeline/internal/transcript"
	"github.com/wingman-interview/pipeline/internal/transport"
	"github.com/wingman-interview/pipeline/internal/uploader"
	"github.com/wingman-interview/pipeline/pkg/queue"
	"github.com/wingman-interview/pipeline/pkg/response"
	"github.com/wingman-interview/pipeline/pkg/storage"
)

// maxChunkBytes bounds one pushed media chunk. Two seconds of webm audio is
// well under a megabyte; anything bigger is a client bug.
const maxChunkBytes = 8 * 1024 * 1024

// TranscriptPublisher publishes final transcripts downstream. Satisfied by
// *events.Publisher.
type TranscriptPublisher interface {
	PublishTranscript(ctx context.Context, sessionID string, res models.FinalTranscriptionResult) error
}

// liveSource keeps the concrete capture source next to its session so the
// chunk and signaling endpoints can reach it.
type liveSource struct {
	push *capture.PushSource
	rtc  *capture.WebRTCSource
}

// Handler handles session, segment and report HTTP endpoints.
type Handler struct {
	cfg      *config.Config
	manager  *stream.Manager
	repo     *results.Repository
	uploads  *uploader.Uploader
	trigger  uploader.AnalysisTrigger
	s3       *storage.S3
	queue    *queue.Queue
	backup   transcript.BackupStore
	notifier *realtime.Notifier
	events   TranscriptPublisher
	logger   *zap.Logger

	mu      sync.Mutex
	sources map[string]*liveSource
}

// NewHandler creates the pipeline API handler.
func NewHandler(cfg *config.Config, manager *stream.Manager, repo *results.Repository,
	uploads *uploader.Uploader, trigger uploader.AnalysisTrigger, s3 *storage.S3,
	q *queue.Queue, backup transcript.BackupStore, notifier *realtime.Notifier,
	publisher TranscriptPublisher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:      cfg,
		manager:  manager,
		repo:     repo,
		uploads:  uploads,
		trigger:  trigger,
		s3:       s3,
		queue:    q,
		backup:   backup,
		notifier: notifier,
		events:   publisher,
		logger:   logger,
		sources:  make(map[string]*liveSource),
	}
}

type createSessionRequest struct {
	InterviewID      string   `json:"interview_id" binding:"required,uuid"`
	ExpectedSegments int      `json:"expected_segments"`
	Transport        string   `json:"transport"` // "push" (default) or "webrtc"
	MediaFormats     []string `json:"media_formats"`
}

// CreateSession handles POST /sessions. The session is created idle; Start
// begins streaming.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	interviewID, _ := uuid.Parse(req.InterviewID)
	if req.ExpectedSegments <= 0 {
		req.ExpectedSegments = 1
	}
	formats := req.MediaFormats
	if len(formats) == 0 {
		formats = h.cfg.Streaming.MediaFormats
	}

	id := uuid.New()
	src := &liveSource{}
	var source stream.CaptureSource
	switch req.Transport {
	case "webrtc":
		src.rtc = capture.NewWebRTCSource(nil, h.logger)
		source = src.rtc
	case "", "push":
		src.push = capture.NewPushSource(formats...)
		source = src.push
	default:
		response.BadRequest(c, "unknown transport: "+req.Transport)
		return
	}

	sess := h.buildSession(id.String(), source, formats)

	record := &models.AnswerSession{
		ID:               id,
		InterviewID:      interviewID,
		Status:           models.SessionIdle,
		ExpectedSegments: req.ExpectedSegments,
	}
	if err := h.repo.CreateSession(c.Request.Context(), record); err != nil {
		sess.Dispose()
		h.logger.Error("create session failed", zap.Error(err))
		response.Internal(c, "failed to create session")
		return
	}

	h.manager.Add(sess)
	h.mu.Lock()
	h.sources[id.String()] = src
	h.mu.Unlock()

	h.logger.Info("session created",
		zap.String("session_id", id.String()),
		zap.String("interview_id", interviewID.String()),
		zap.String("transport", req.Transport))
	response.Created(c, gin.H{
		"session_id":        id,
		"status":            models.SessionIdle,
		"expected_segments": req.ExpectedSegments,
	})
}

// buildSession assembles the per-session pipeline: its own counter sink, a
// transport client feeding both that sink and the process-wide metrics, and a
// reconciler over the shared backup store.
func (h *Handler) buildSession(id string, source stream.CaptureSource, formats []string) *stream.Session {
	m := stream.NewMetrics()
	client := transport.NewClient(transport.Config{
		BaseURL:        h.cfg.Transcription.BaseURL,
		RequestTimeout: h.cfg.Transcription.RequestTimeout,
		MaxRetries:     h.cfg.Transcription.MaxRetries,
	}, transport.Fanout{observability.DefaultMetrics, stream.ResilienceCounters{M: m}}, h.logger)
	rec := transcript.NewReconciler(client, h.backup,
		h.cfg.Transcription.FinalizeAttempts, h.cfg.Transcription.FinalizeDelay, h.logger)
	return stream.NewSession(id, source, client, rec, h.notifier, stream.Config{
		ChunkInterval: h.cfg.Streaming.ChunkInterval,
		StopGrace:     h.cfg.Streaming.StopGrace,
		MediaFormats:  formats,
		Metrics:       m,
	}, h.logger)
}

// StartSession handles POST /sessions/:id/start.
func (h *Handler) StartSession(c *gin.Context) {
	sess, id, ok := h.liveSession(c)
	if !ok {
		return
	}
	if err := sess.Start(c.Request.Context()); err != nil {
		if errors.Is(err, stream.ErrInvalidState) {
			response.Conflict(c, err.Error())
			return
		}
		_ = h.repo.UpdateStatus(c.Request.Context(), id, models.SessionError)
		h.logger.Error("session start failed", zap.String("session_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to start session: "+err.Error())
		return
	}
	if err := h.repo.MarkStreaming(c.Request.Context(), id, sess.MediaFormat()); err != nil {
		h.logger.Warn("persist streaming state failed", zap.String("session_id", id.String()), zap.Error(err))
	}
	observability.DefaultMetrics.RecordSessionStart()
	response.OK(c, gin.H{
		"status":       models.SessionStreaming,
		"media_format": sess.MediaFormat(),
	})
}

// PushChunk handles POST /sessions/:id/chunks: the raw request body is one
// client-recorded media chunk.
func (h *Handler) PushChunk(c *gin.Context) {
	sess, _, ok := h.liveSession(c)
	if !ok {
		return
	}
	src := h.source(sess.ID())
	if src == nil || src.push == nil {
		response.BadRequest(c, "session does not accept pushed chunks")
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxChunkBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		response.BadRequest(c, "read chunk: "+err.Error())
		return
	}
	if len(data) == 0 {
		response.BadRequest(c, "empty chunk")
		return
	}

	if err := src.push.Push(c.Request.Context(), data); err != nil {
		if errors.Is(err, capture.ErrSourceClosed) {
			response.Conflict(c, "session no longer accepts chunks")
			return
		}
		response.Internal(c, "enqueue chunk: "+err.Error())
		return
	}
	response.NoContent(c)
}

// StopSession handles POST /sessions/:id/stop: stops capture, finalizes the
// transcript and publishes it downstream.
func (h *Handler) StopSession(c *gin.Context) {
	sess, id, ok := h.liveSession(c)
	if !ok {
		return
	}
	res, err := sess.Stop(c.Request.Context())
	if err != nil {
		if errors.Is(err, stream.ErrInvalidState) {
			response.Conflict(c, err.Error())
			return
		}
		response.Internal(c, "failed to stop session: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	if err := h.repo.UpdateTranscript(ctx, id, res.Text, res.FromFallback); err != nil {
		h.logger.Error("persist transcript failed", zap.String("session_id", id.String()), zap.Error(err))
	}
	if err := h.repo.UpdateStatus(ctx, id, models.SessionCompleted); err != nil {
		h.logger.Warn("persist completed state failed", zap.String("session_id", id.String()), zap.Error(err))
	}

	m := sess.Metrics()
	duration := m.StreamFinishedAt.Sub(m.StreamStartedAt).Seconds()
	observability.DefaultMetrics.RecordSessionEnd(true, duration)
	observability.DefaultMetrics.RecordFinalTranscript(res.FromFallback, res.RecoveredFromStorage)

	if h.events != nil {
		if err := h.events.PublishTranscript(ctx, id.String(), res); err != nil {
			h.logger.Warn("transcript event publish failed", zap.String("session_id", id.String()), zap.Error(err))
		}
	}
	if h.notifier != nil {
		h.notifier.TranscriptFinal(id.String(), res)
	}

	response.OK(c, gin.H{
		"transcript":             res.Text,
		"confidence":             res.Confidence,
		"from_fallback":          res.FromFallback,
		"recovered_from_storage": res.RecoveredFromStorage,
		"processing_time_ms":     res.ProcessingTime.Milliseconds(),
		"metrics":                m,
	})
}

// GetSession handles GET /sessions/:id. Live sessions report in-memory state;
// finished ones fall back to the persisted record.
func (h *Handler) GetSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}

	record, err := h.repo.GetSession(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("load session failed", zap.String("session_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load session")
		return
	}
	if record == nil {
		response.NotFound(c, "session not found")
		return
	}

	body := gin.H{"session": record}
	if sess, ok := h.manager.Get(id.String()); ok {
		body["status"] = sess.Status()
		body["interim_transcript"] = sess.Interim()
		body["metrics"] = sess.Metrics()
		body["chunks"] = sess.Chunks()
	} else {
		body["status"] = record.Status
	}
	response.OK(c, body)
}

// DeleteSession handles DELETE /sessions/:id: disposes the live session
// without finalizing. A session torn down mid-stream is marked errored.
func (h *Handler) DeleteSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	idStr := id.String()

	if sess, ok := h.manager.Get(idStr); ok {
		status := sess.Status()
		h.manager.Remove(idStr)
		if status == models.SessionStreaming || status == models.SessionProcessing {
			_ = h.repo.UpdateStatus(c.Request.Context(), id, models.SessionError)
			observability.DefaultMetrics.RecordSessionEnd(false, 0)
		}
	}
	h.mu.Lock()
	delete(h.sources, idStr)
	h.mu.Unlock()

	response.NoContent(c)
}

type webrtcOfferRequest struct {
	Offer webrtc.SessionDescription `json:"offer" binding:"required"`
}

// WebRTCOffer handles POST /sessions/:id/webrtc/offer: negotiates the peer
// connection and returns the SDP answer. Local ICE candidates trickle out
// over the session's websocket.
func (h *Handler) WebRTCOffer(c *gin.Context) {
	sess, _, ok := h.liveSession(c)
	if !ok {
		return
	}
	src := h.source(sess.ID())
	if src == nil || src.rtc == nil {
		response.BadRequest(c, "session is not a webrtc session")
		return
	}

	var req webrtcOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid offer: "+err.Error())
		return
	}

	sessionID := sess.ID()
	answer, err := src.rtc.HandleOffer(req.Offer, func(cand webrtc.ICECandidateInit) {
		if h.notifier != nil {
			h.notifier.WebRTCCandidate(sessionID, cand)
		}
	})
	if err != nil {
		h.logger.Error("webrtc offer failed", zap.String("session_id", sessionID), zap.Error(err))
		response.Internal(c, "failed to negotiate: "+err.Error())
		return
	}
	response.OK(c, gin.H{"answer": answer})
}

// WebRTCCandidate handles POST /sessions/:id/webrtc/candidates.
func (h *Handler) WebRTCCandidate(c *gin.Context) {
	sess, _, ok := h.liveSession(c)
	if !ok {
		return
	}
	src := h.source(sess.ID())
	if src == nil || src.rtc == nil {
		response.BadRequest(c, "session is not a webrtc session")
		return
	}

	var cand webrtc.ICECandidateInit
	if err := c.ShouldBindJSON(&cand); err != nil {
		response.BadRequest(c, "invalid candidate: "+err.Error())
		return
	}
	if err := src.rtc.AddICECandidate(cand); err != nil {
		response.Conflict(c, "add candidate: "+err.Error())
		return
	}
	response.NoContent(c)
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// liveSession resolves the :id route param to a live session, writing the
// error response itself when it cannot.
func (h *Handler) liveSession(c *gin.Context) (*stream.Session, uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil, uuid.Nil, false
	}
	sess, ok := h.manager.Get(id.String())
	if !ok {
		response.NotFound(c, "session not found or already disposed")
		return nil, uuid.Nil, false
	}
	return sess, id, true
}

func (h *Handler) source(id string) *liveSource {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sources[id]
}
