package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/wingman-interview/pipeline/internal/auth"
	"github.com/wingman-interview/pipeline/internal/models"
)

const (
	// DefaultTriggerRetries bounds trigger attempts per segment.
	DefaultTriggerRetries = 3
	// DefaultTriggerDelay separates consecutive trigger attempts.
	DefaultTriggerDelay = 5 * time.Second

	// analysisType requested for every segment.
	analysisType = "comprehensive"
)

// ErrAuthenticationExpired means the analysis service rejected our
// credentials and a refresh did not help. Code AUTHENTICATION_EXPIRED.
var ErrAuthenticationExpired = errors.New("AUTHENTICATION_EXPIRED: analysis service rejected credentials")

// CredentialSource resolves outbound credentials. Satisfied by
// *auth.Provider.
type CredentialSource interface {
	Credentials(ctx context.Context) (auth.Credentials, error)
	Invalidate()
}

// Config holds analysis service client settings.
type Config struct {
	BaseURL        string
	TriggerRetries int
	TriggerDelay   time.Duration
	HTTPClient     *http.Client
}

// Client talks to the remote analysis service.
type Client struct {
	baseURL string
	http    *http.Client
	creds   CredentialSource
	retries int
	delay   time.Duration
	logger  *zap.Logger
}

// NewClient creates an analysis service client.
func NewClient(cfg Config, creds CredentialSource, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TriggerRetries <= 0 {
		cfg.TriggerRetries = DefaultTriggerRetries
	}
	if cfg.TriggerDelay <= 0 {
		cfg.TriggerDelay = DefaultTriggerDelay
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    httpClient,
		creds:   creds,
		retries: cfg.TriggerRetries,
		delay:   cfg.TriggerDelay,
		logger:  logger,
	}
}

// Trigger asks the analysis service to process one uploaded segment. Failed
// attempts are retried with a fixed delay. A 401 gets exactly one credential
// refresh; a second 401, or a refresh that yields no usable credentials, is
// terminal with ErrAuthenticationExpired.
func (c *Client) Trigger(ctx context.Context, sessionID, videoURI string, segmentIndex int) error {
	refreshed := false
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		status, err := c.postTrigger(ctx, sessionID, videoURI, segmentIndex)
		if err == nil && status < 300 {
			return nil
		}

		// An exhausted credential chain after the refresh cannot recover by
		// retrying.
		if refreshed && errors.Is(err, auth.ErrAuthUnavailable) {
			return ErrAuthenticationExpired
		}

		if status == http.StatusUnauthorized {
			if refreshed {
				return ErrAuthenticationExpired
			}
			refreshed = true
			c.creds.Invalidate()
			c.logger.Info("analysis trigger unauthorized, refreshing credentials",
				zap.String("session_id", sessionID), zap.Int("segment_index", segmentIndex))
			// The post-refresh retry does not count against the budget.
			attempt--
			continue
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("trigger analysis: unexpected status %d", status)
		}
		c.logger.Warn("analysis trigger attempt failed",
			zap.String("session_id", sessionID), zap.Int("segment_index", segmentIndex),
			zap.Int("attempt", attempt), zap.Error(lastErr))

		if attempt < c.retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.delay):
			}
		}
	}
	return fmt.Errorf("trigger analysis for segment %d: %w", segmentIndex, lastErr)
}

func (c *Client) postTrigger(ctx context.Context, sessionID, videoURI string, segmentIndex int) (int, error) {
	body, _ := json.Marshal(map[string]any{
		"videoUri":     videoURI,
		"sessionId":    sessionID,
		"segmentIndex": segmentIndex,
		"analysisType": analysisType,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analysis", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		return 0, err
	}
	creds.Apply(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("trigger analysis: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// ListSegments fetches the session's segment states from the analysis
// service. The poller calls this on every tick.
func (c *Client) ListSegments(ctx context.Context, sessionID string) ([]models.AnalysisSegment, error) {
	endpoint := c.baseURL + "/analysis?sessionId=" + url.QueryEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create list request: %w", err)
	}

	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	creds.Apply(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("list segments: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Segments []models.AnalysisSegment `json:"segments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	return payload.Segments, nil
}
