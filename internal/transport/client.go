// Package transport sends captured media chunks to the remote transcription
// endpoint and classifies failures. Transient errors are resolved internally
// via retry and backoff; only terminal errors surface to the session.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultRequestTimeout bounds a single chunk send.
	DefaultRequestTimeout = 10 * time.Second
	// DefaultMaxRetries is the retry ceiling per chunk (3 total attempts).
	DefaultMaxRetries = 2
	// DefaultBackoffBase scales linearly with the attempt number.
	DefaultBackoffBase = time.Second
)

// MetricsRecorder receives per-attempt visibility counters. Implementations
// must not block.
type MetricsRecorder interface {
	ChunkAttempt(sizeBytes int, at time.Time)
	ChunkLatency(d time.Duration)
	Timeout()
	Reconnect()
}

// NopMetrics discards all counters.
type NopMetrics struct{}

func (NopMetrics) ChunkAttempt(int, time.Time) {}
func (NopMetrics) ChunkLatency(time.Duration)  {}
func (NopMetrics) Timeout()                    {}
func (NopMetrics) Reconnect()                  {}

// Config holds transcription endpoint client settings.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	HTTPClient     *http.Client // optional; timeout is applied per call via context
}

// FinalizeResult is the remote transcription service's final answer.
type FinalizeResult struct {
	Transcript     string  `json:"transcript"`
	Confidence     float64 `json:"confidence"`
	ProcessingTime int64   `json:"processing_time_ms"`
}

// Client talks to the remote transcription endpoint.
type Client struct {
	baseURL        string
	http           *http.Client
	requestTimeout time.Duration
	maxRetries     int
	backoffBase    time.Duration
	metrics        MetricsRecorder
	logger         *zap.Logger
}

// NewClient creates a transcription transport client.
func NewClient(cfg Config, metrics MetricsRecorder, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:        cfg.BaseURL,
		http:           httpClient,
		requestTimeout: cfg.RequestTimeout,
		maxRetries:     cfg.MaxRetries,
		backoffBase:    cfg.BackoffBase,
		metrics:        metrics,
		logger:         logger,
	}
}

// StartStream opens (or reinitializes) the server-side recognizer stream.
func (c *Client) StartStream(ctx context.Context, sessionID, mimeType string) error {
	body, _ := json.Marshal(map[string]string{"sessionId": sessionID, "mimeType": mimeType})
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/start", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode)
	}
	return nil
}

// SendChunk dispatches one chunk with timeout, retry and backoff. A 409
// response triggers one stream reinit before the chunk is retried; reinit
// counts as a reconnect, not a failure. The returned transcript may be empty,
// which is not an error. Metrics are recorded before the network call so
// failed sends still count toward visibility.
func (c *Client) SendChunk(ctx context.Context, sessionID, mimeType string, sequenceID int64, data []byte) (string, error) {
	c.metrics.ChunkAttempt(len(data), time.Now())

	var lastErr error
	attempts := c.maxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		transcript, err := c.putChunk(ctx, sessionID, sequenceID, data)
		if err == nil {
			c.metrics.ChunkLatency(time.Since(start))
			return transcript, nil
		}
		lastErr = err

		switch KindOf(err) {
		case KindStreamReset:
			c.metrics.Reconnect()
			c.logger.Info("recognizer stream reset, reinitializing",
				zap.String("session_id", sessionID), zap.Int64("sequence_id", sequenceID))
			if reinitErr := c.StartStream(ctx, sessionID, mimeType); reinitErr != nil {
				return "", fmt.Errorf("reinit stream: %w", reinitErr)
			}
			// Next loop iteration retries the same chunk within the budget.
		case KindTimeout:
			c.metrics.Timeout()
			if attempt < attempts {
				if err := c.sleep(ctx, c.backoffBase*time.Duration(attempt)); err != nil {
					return "", err
				}
			}
		case KindRemoteUnavailable:
			if attempt < attempts {
				if err := c.sleep(ctx, c.backoffBase*time.Duration(attempt)); err != nil {
					return "", err
				}
			}
		default:
			// Validation and auth failures do not heal by retrying.
			return "", err
		}
	}
	return "", lastErr
}

// Finalize requests the final transcript. An empty transcript is returned
// as-is; deciding whether that warrants fallback is the reconciler's call.
func (c *Client) Finalize(ctx context.Context, sessionID string, preserveTranscript bool) (FinalizeResult, error) {
	body, _ := json.Marshal(map[string]any{
		"sessionId":          sessionID,
		"preserveTranscript": preserveTranscript,
	})
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/finalize", bytes.NewReader(body))
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("create finalize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return FinalizeResult{}, classifyNetErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FinalizeResult{}, classifyStatus(resp.StatusCode)
	}

	var result FinalizeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return FinalizeResult{}, fmt.Errorf("decode finalize response: %w", err)
	}
	return result, nil
}

// putChunk performs a single multipart PUT /chunk attempt.
func (c *Client) putChunk(ctx context.Context, sessionID string, sequenceID int64, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", fmt.Sprintf("chunk-%d.webm", sequenceID))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write chunk body: %w", err)
	}
	_ = mw.WriteField("sessionId", sessionID)
	_ = mw.WriteField("sequenceId", fmt.Sprintf("%d", sequenceID))
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/chunk", &buf)
	if err != nil {
		return "", fmt.Errorf("create chunk request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classifyNetErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", classifyStatus(resp.StatusCode)
	}

	var payload struct {
		Transcript string `json:"transcript"`
	}
	// A body without a transcript field is fine; empty is not an error.
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return payload.Transcript, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
