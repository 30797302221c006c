// Package uploader moves finished interview segments into object storage and
// hands them to the analysis service. Large segments go through a two-phase
// pre-signed upload so their bytes never pass through this process twice;
// small ones upload directly.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wingman-interview/pipeline/internal/auth"
	"github.com/wingman-interview/pipeline/pkg/storage"
)

// DefaultSizeThreshold routes segments at or above 20MB through the
// pre-signed two-phase path.
const DefaultSizeThreshold = 20 * 1024 * 1024

var (
	// ErrUnsupportedMediaType rejects non-media payloads before any upload.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	// ErrUploadIncomplete means the confirmed object size does not match
	// what the client claimed to upload.
	ErrUploadIncomplete = errors.New("uploaded object incomplete")
)

// BlobStore is the segment storage backend. Satisfied by *storage.S3.
type BlobStore interface {
	GeneratePresignedUploadURL(ctx context.Context, key, contentType string, expires time.Duration) (string, error)
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
	Confirm(ctx context.Context, key string) (int64, error)
	URI(key string) string
	PresignExpire() time.Duration
}

// AnalysisTrigger starts remote analysis for an uploaded segment. Satisfied
// by *analysis.Client.
type AnalysisTrigger interface {
	Trigger(ctx context.Context, sessionID, videoURI string, segmentIndex int) error
}

// CredentialSource gates uploads on a usable credential. Satisfied by
// *auth.Provider.
type CredentialSource interface {
	Credentials(ctx context.Context) (auth.Credentials, error)
}

// Config holds uploader settings.
type Config struct {
	SizeThreshold int64
	HTTPClient    *http.Client
}

// Uploader uploads segments and triggers their analysis.
type Uploader struct {
	store     BlobStore
	analysis  AnalysisTrigger
	creds     CredentialSource
	http      *http.Client
	threshold int64
	logger    *zap.Logger
}

// New creates an uploader.
func New(store BlobStore, analysis AnalysisTrigger, creds CredentialSource, cfg Config, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SizeThreshold <= 0 {
		cfg.SizeThreshold = DefaultSizeThreshold
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Uploader{
		store:     store,
		analysis:  analysis,
		creds:     creds,
		http:      httpClient,
		threshold: cfg.SizeThreshold,
		logger:    logger,
	}
}

// UploadSegment stores one segment and returns its storage URI. Segments at
// or above the size threshold go through presign, PUT and confirmation;
// smaller ones upload directly. The credential chain is resolved up front so
// an exhausted chain fails before any bytes move.
func (u *Uploader) UploadSegment(ctx context.Context, sessionID string, segmentIndex int, contentType string, body io.Reader, size int64) (string, error) {
	if !storage.ValidateSegmentType(contentType, "") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMediaType, contentType)
	}

	creds, err := u.creds.Credentials(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve upload credentials: %w", err)
	}
	u.logger.Debug("upload credentials resolved",
		zap.String("session_id", sessionID), zap.String("scheme", creds.Scheme))

	key := storage.SegmentKey(sessionID, segmentIndex, contentType)
	if size >= u.threshold {
		return u.uploadPresigned(ctx, key, contentType, body, size)
	}

	uri, err := u.store.Upload(ctx, key, contentType, body, size)
	if err != nil {
		return "", fmt.Errorf("upload segment %d: %w", segmentIndex, err)
	}
	u.logger.Info("segment uploaded",
		zap.String("session_id", sessionID), zap.Int("segment_index", segmentIndex),
		zap.Int64("size_bytes", size), zap.String("uri", uri))
	return uri, nil
}

// uploadPresigned runs the two-phase path: presign, PUT the bytes to the
// signed URL, then confirm the object landed with the expected size.
func (u *Uploader) uploadPresigned(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error) {
	signedURL, err := u.store.GeneratePresignedUploadURL(ctx, key, contentType, u.store.PresignExpire())
	if err != nil {
		return "", fmt.Errorf("presign segment upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, body)
	if err != nil {
		return "", fmt.Errorf("create presigned put: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = size

	resp, err := u.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("put segment: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("put segment: unexpected status %d", resp.StatusCode)
	}

	stored, err := u.store.Confirm(ctx, key)
	if err != nil {
		return "", fmt.Errorf("confirm segment upload: %w", err)
	}
	if stored != size {
		return "", fmt.Errorf("%w: stored %d bytes, expected %d", ErrUploadIncomplete, stored, size)
	}
	return u.store.URI(key), nil
}

// UploadAndAnalyze uploads one segment and triggers its analysis.
func (u *Uploader) UploadAndAnalyze(ctx context.Context, sessionID string, segmentIndex int, contentType string, body io.Reader, size int64) (string, error) {
	uri, err := u.UploadSegment(ctx, sessionID, segmentIndex, contentType, body, size)
	if err != nil {
		return "", err
	}
	if err := u.analysis.Trigger(ctx, sessionID, uri, segmentIndex); err != nil {
		return uri, fmt.Errorf("segment %d uploaded but analysis not triggered: %w", segmentIndex, err)
	}
	return uri, nil
}
