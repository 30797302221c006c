// Package transcript merges interim transcription hypotheses monotonically
// and reconciles them against the remote final result, recovering from
// locally cached fragments when the remote finalize fails or comes back
// empty. Missing data never raises an error here; the reconciler degrades to
// fallback text and annotates provenance.
package transcript

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wingman-interview/pipeline/internal/models"
	"github.com/wingman-interview/pipeline/internal/transport"
)

const (
	// DefaultFinalizeAttempts bounds the remote finalize calls.
	DefaultFinalizeAttempts = 3
	// DefaultFinalizeDelay separates consecutive finalize attempts.
	DefaultFinalizeDelay = 2 * time.Second
)

// MergeInterim applies the monotonic interim merge rule:
//   - interim extends prev: append only the new suffix (no flicker);
//   - prev extends interim: keep prev (a regressed hypothesis never shortens
//     the visible transcript);
//   - otherwise: the genuinely different hypothesis replaces prev.
func MergeInterim(prev, interim string) string {
	if strings.HasPrefix(interim, prev) {
		return prev + interim[len(prev):]
	}
	if strings.HasPrefix(prev, interim) {
		return prev
	}
	return interim
}

// FinalizeClient requests the final transcript from the remote transcription
// service.
type FinalizeClient interface {
	Finalize(ctx context.Context, sessionID string, preserveTranscript bool) (transport.FinalizeResult, error)
}

// Reconciler finalizes a session's transcript with remote retries and
// storage-backed fallback.
type Reconciler struct {
	client   FinalizeClient
	store    BackupStore
	attempts int
	delay    time.Duration
	logger   *zap.Logger
}

// NewReconciler creates a reconciler over the given finalize client and
// backup store.
func NewReconciler(client FinalizeClient, store BackupStore, attempts int, delay time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if attempts <= 0 {
		attempts = DefaultFinalizeAttempts
	}
	if delay <= 0 {
		delay = DefaultFinalizeDelay
	}
	return &Reconciler{client: client, store: store, attempts: attempts, delay: delay, logger: logger}
}

// CacheFragment stores an interim fragment for later recovery. Failures are
// logged, never propagated: a missed cache write only narrows the fallback.
func (r *Reconciler) CacheFragment(ctx context.Context, sessionID string, sequenceID int64, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	frag := models.TranscriptFragment{SequenceID: sequenceID, Text: text, CachedAt: time.Now()}
	if err := r.store.Put(ctx, sessionID, frag); err != nil {
		r.logger.Warn("fragment cache write failed",
			zap.String("session_id", sessionID), zap.Int64("sequence_id", sequenceID), zap.Error(err))
	}
}

// Finalize produces the session's FinalTranscriptionResult exactly once.
// It asks the remote service up to the configured number of attempts; when
// all attempts fail or return empty it falls back to locally cached
// fragments, then to the interim accumulator. It never returns an error.
func (r *Reconciler) Finalize(ctx context.Context, sessionID, interim string) models.FinalTranscriptionResult {
	start := time.Now()

	var final transport.FinalizeResult
	for attempt := 1; attempt <= r.attempts; attempt++ {
		res, err := r.client.Finalize(ctx, sessionID, true)
		if err == nil && strings.TrimSpace(res.Transcript) != "" {
			final = res
			break
		}
		if err != nil {
			r.logger.Warn("finalize attempt failed",
				zap.String("session_id", sessionID), zap.Int("attempt", attempt), zap.Error(err))
		}
		if attempt < r.attempts {
			select {
			case <-ctx.Done():
				attempt = r.attempts
			case <-time.After(r.delay):
			}
		}
	}

	if text := strings.TrimSpace(final.Transcript); text != "" {
		// The interim stream sometimes captures trailing words the finalize
		// call misses; prefer the longer interim text when it extends the
		// server final.
		if len(interim) > len(text) && strings.HasPrefix(interim, text) {
			text = interim
		}
		return models.FinalTranscriptionResult{
			Text:           text,
			Confidence:     final.Confidence,
			ProcessingTime: time.Since(start),
		}
	}

	// Remote finalize failed or came back empty: recover from storage.
	if text := r.recoverFromStorage(ctx, sessionID); text != "" {
		r.logger.Info("transcript recovered from backup store", zap.String("session_id", sessionID))
		return models.FinalTranscriptionResult{
			Text:                 text,
			ProcessingTime:       time.Since(start),
			FromFallback:         true,
			RecoveredFromStorage: true,
		}
	}

	if interim = strings.TrimSpace(interim); interim != "" {
		return models.FinalTranscriptionResult{
			Text:           interim,
			ProcessingTime: time.Since(start),
			FromFallback:   true,
		}
	}

	return models.FinalTranscriptionResult{
		ProcessingTime: time.Since(start),
		FromFallback:   true,
	}
}

// recoverFromStorage joins the session-scoped fragments, widening to a scan
// of all cached fragments when the session-scoped set is empty.
func (r *Reconciler) recoverFromStorage(ctx context.Context, sessionID string) string {
	frags, err := r.store.Fragments(ctx, sessionID)
	if err != nil {
		r.logger.Warn("session fragment read failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	if len(frags) == 0 {
		frags, err = r.store.AllFragments(ctx)
		if err != nil {
			r.logger.Warn("fragment scan failed", zap.Error(err))
			return ""
		}
	}
	return joinFragments(frags)
}

// joinFragments concatenates fragments in sequence order, deduplicating
// overlapping content so repeated interim prefixes collapse into unique text.
func joinFragments(frags []models.TranscriptFragment) string {
	var acc string
	for _, f := range frags {
		text := strings.TrimSpace(f.Text)
		if text == "" {
			continue
		}
		if acc == "" {
			acc = text
			continue
		}
		if n := overlap(acc, text); n > 0 {
			acc += text[n:]
		} else if !strings.Contains(acc, text) {
			acc += " " + text
		}
	}
	return acc
}

// overlap returns the length of the longest suffix of acc that is a prefix
// of next.
func overlap(acc, next string) int {
	max := len(next)
	if len(acc) < max {
		max = len(acc)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(acc, next[:n]) {
			return n
		}
	}
	return 0
}
