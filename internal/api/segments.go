package api

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wingman-interview/pipeline/internal/auth"
	"github.com/wingman-interview/pipeline/internal/models"
	"github.com/wingman-interview/pipeline/internal/observability"
	"github.com/wingman-interview/pipeline/internal/uploader"
	"github.com/wingman-interview/pipeline/pkg/queue"
	"github.com/wingman-interview/pipeline/pkg/response"
	"github.com/wingman-interview/pipeline/pkg/storage"
)

// UploadSegment handles POST /sessions/:id/segments: a multipart upload of
// one finished media segment. The server routes large segments through the
// pre-signed two-phase path and small ones directly, then triggers analysis.
func (h *Handler) UploadSegment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	index, err := strconv.Atoi(c.PostForm("segment_index"))
	if err != nil || index < 0 {
		response.BadRequest(c, "invalid segment_index")
		return
	}

	file, header, err := c.Request.FormFile("segment")
	if err != nil {
		response.BadRequest(c, "segment file required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if ct := c.PostForm("content_type"); ct != "" {
		contentType = ct
	}

	ctx := c.Request.Context()
	uri, err := h.uploads.UploadAndAnalyze(ctx, id.String(), index, contentType, file, header.Size)
	if err != nil && uri == "" {
		switch {
		case errors.Is(err, uploader.ErrUnsupportedMediaType):
			response.BadRequest(c, err.Error())
		case errors.Is(err, auth.ErrAuthUnavailable):
			response.ServiceUnavailable(c, err.Error())
		case errors.Is(err, uploader.ErrUploadIncomplete):
			response.Conflict(c, err.Error())
		default:
			h.logger.Error("segment upload failed",
				zap.String("session_id", id.String()), zap.Int("segment_index", index), zap.Error(err))
			response.Internal(c, "failed to upload segment")
		}
		return
	}

	path := "direct"
	if header.Size >= h.cfg.Analysis.UploadThreshold {
		path = "presigned"
	}
	observability.DefaultMetrics.RecordSegmentUploaded(path, header.Size)
	observability.DefaultMetrics.RecordAnalysisTrigger(err)

	if dbErr := h.repo.UpsertSegment(ctx, id, models.AnalysisSegment{
		SegmentIndex: index,
		SourceURI:    uri,
		Status:       models.SegmentPending,
	}); dbErr != nil {
		h.logger.Error("persist segment failed",
			zap.String("session_id", id.String()), zap.Int("segment_index", index), zap.Error(dbErr))
	}

	// Uploaded but analysis not triggered: the caller gets the URI and can
	// retry the trigger later.
	if err != nil {
		h.logger.Warn("segment uploaded without analysis",
			zap.String("session_id", id.String()), zap.Int("segment_index", index), zap.Error(err))
		response.OK(c, gin.H{"uri": uri, "analysis_triggered": false})
		return
	}
	response.OK(c, gin.H{"uri": uri, "analysis_triggered": true})
}

type presignRequest struct {
	SegmentIndex int    `json:"segment_index"`
	ContentType  string `json:"content_type" binding:"required"`
}

// PresignSegment handles POST /sessions/:id/segments/presign: clients that
// upload straight to object storage fetch a signed PUT URL here.
func (h *Handler) PresignSegment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	var req presignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !storage.ValidateSegmentType(req.ContentType, "") {
		response.BadRequest(c, "unsupported media type: "+req.ContentType)
		return
	}

	key := storage.SegmentKey(id.String(), req.SegmentIndex, req.ContentType)
	expire := h.s3.PresignExpire()
	url, err := h.s3.GeneratePresignedUploadURL(c.Request.Context(), key, req.ContentType, expire)
	if err != nil {
		h.logger.Error("presign segment failed", zap.String("session_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to generate upload URL")
		return
	}
	response.OK(c, gin.H{
		"upload_url": url,
		"key":        key,
		"expires_in": int(expire.Seconds()),
	})
}

type confirmRequest struct {
	SegmentIndex int    `json:"segment_index"`
	ContentType  string `json:"content_type" binding:"required"`
	Size         int64  `json:"size" binding:"required"`
}

// ConfirmSegment handles POST /sessions/:id/segments/confirm: verifies a
// client-side pre-signed upload landed with the expected size, then triggers
// analysis.
func (h *Handler) ConfirmSegment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	key := storage.SegmentKey(id.String(), req.SegmentIndex, req.ContentType)
	stored, err := h.s3.Confirm(ctx, key)
	if err != nil {
		response.NotFound(c, "uploaded object not found")
		return
	}
	if stored != req.Size {
		response.Conflict(c, "uploaded object incomplete")
		return
	}
	observability.DefaultMetrics.RecordSegmentUploaded("presigned", stored)

	uri := h.s3.URI(key)
	triggerErr := h.trigger.Trigger(ctx, id.String(), uri, req.SegmentIndex)
	observability.DefaultMetrics.RecordAnalysisTrigger(triggerErr)
	if triggerErr != nil {
		h.logger.Warn("analysis trigger failed after confirm",
			zap.String("session_id", id.String()), zap.Int("segment_index", req.SegmentIndex), zap.Error(triggerErr))
	}

	if dbErr := h.repo.UpsertSegment(ctx, id, models.AnalysisSegment{
		SegmentIndex: req.SegmentIndex,
		SourceURI:    uri,
		Status:       models.SegmentPending,
	}); dbErr != nil {
		h.logger.Error("persist segment failed", zap.String("session_id", id.String()), zap.Error(dbErr))
	}

	response.OK(c, gin.H{"uri": uri, "analysis_triggered": triggerErr == nil})
}

type analyzeRequest struct {
	ExpectedSegments int `json:"expected_segments"`
}

// RequestAnalysis handles POST /sessions/:id/analyze: enqueues the polling
// job that waits for the remote analysis and assembles the report.
func (h *Handler) RequestAnalysis(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	var req analyzeRequest
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()
	expected := req.ExpectedSegments
	if expected <= 0 {
		record, err := h.repo.GetSession(ctx, id)
		if err != nil || record == nil {
			response.NotFound(c, "session not found")
			return
		}
		expected = record.ExpectedSegments
	}

	if err := h.queue.EnqueueAnalysisPoll(ctx, queue.AnalysisPollPayload{
		SessionID:        id,
		ExpectedSegments: expected,
	}); err != nil {
		h.logger.Error("enqueue analysis poll failed", zap.String("session_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to queue analysis")
		return
	}
	response.OK(c, gin.H{"queued": true, "expected_segments": expected})
}

// GetReport handles GET /sessions/:id/report. A missing report is "not ready",
// not an error: analysis may still be running.
func (h *Handler) GetReport(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	report, err := h.repo.GetReport(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("load report failed", zap.String("session_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load report")
		return
	}
	if report == nil {
		response.OK(c, gin.H{"ready": false})
		return
	}
	response.OK(c, gin.H{"ready": true, "report": report})
}

// ListSegments handles GET /sessions/:id/segments: the persisted segment
// states, refreshed by the worker as analysis results land.
func (h *Handler) ListSegments(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	segments, err := h.repo.ListSegments(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("list segments failed", zap.String("session_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to list segments")
		return
	}
	response.OK(c, gin.H{"segments": segments})
}
