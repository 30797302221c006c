// Package poller waits for remote analysis results with exponential backoff,
// a hard time ceiling and stall detection. It prefers degraded answers over
// errors: a session with some results completes partially, and a session
// with none simply is not ready yet.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wingman-interview/pipeline/internal/analysis"
	"github.com/wingman-interview/pipeline/internal/models"
)

// Poll timing defaults.
const (
	DefaultBaseInterval = 10 * time.Second
	DefaultMultiplier   = 1.5
	DefaultMaxInterval  = 30 * time.Second
	DefaultCeiling      = 10 * time.Minute
	DefaultStallTimeout = 30 * time.Second
)

// Status is the poll outcome for one session.
type Status string

const (
	// StatusComplete means every expected segment produced results.
	StatusComplete Status = "complete"
	// StatusPartial means polling gave up with some but not all results.
	StatusPartial Status = "partial"
	// StatusNotReady means the ceiling passed with no results at all. Not an
	// error: analysis may still land later.
	StatusNotReady Status = "not_ready"
)

// Outcome carries the final segment listing and the merged report.
type Outcome struct {
	Status   Status
	Segments []models.AnalysisSegment
	Report   models.AggregatedAnalysis
}

// SegmentLister fetches segment states. Satisfied by *analysis.Client.
type SegmentLister interface {
	ListSegments(ctx context.Context, sessionID string) ([]models.AnalysisSegment, error)
}

// Config holds poll timing.
type Config struct {
	BaseInterval time.Duration
	Multiplier   float64
	MaxInterval  time.Duration
	Ceiling      time.Duration
	StallTimeout time.Duration
}

// Poller polls the analysis service until a session's report is decidable.
type Poller struct {
	lister SegmentLister
	agg    *analysis.Aggregator
	cfg    Config
	logger *zap.Logger

	// Injectable clock for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a poller.
func New(lister SegmentLister, agg *analysis.Aggregator, cfg Config, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if agg == nil {
		agg = analysis.NewAggregator(logger)
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultBaseInterval
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	return &Poller{
		lister: lister,
		agg:    agg,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Wait polls until every expected segment has results, progress stalls with
// at least one result, or the time ceiling passes. The only error it returns
// is context cancellation.
func (p *Poller) Wait(ctx context.Context, sessionID string, expectedSegments int) (Outcome, error) {
	if expectedSegments <= 0 {
		expectedSegments = 1
	}

	start := p.now()
	interval := p.cfg.BaseInterval
	lastProgress := start
	lastValid := 0
	var lastSegments []models.AnalysisSegment

	for {
		segments, err := p.lister.ListSegments(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			p.logger.Warn("segment poll failed", zap.String("session_id", sessionID), zap.Error(err))
		} else {
			lastSegments = segments
			valid := countValid(segments)
			if valid >= expectedSegments {
				p.logger.Info("analysis complete",
					zap.String("session_id", sessionID), zap.Int("segments", valid))
				return Outcome{Status: StatusComplete, Segments: segments, Report: p.agg.Aggregate(segments)}, nil
			}
			if valid > lastValid {
				lastValid = valid
				lastProgress = p.now()
			}
			if valid > 0 && p.now().Sub(lastProgress) >= p.cfg.StallTimeout {
				p.logger.Warn("analysis progress stalled, completing with partial results",
					zap.String("session_id", sessionID),
					zap.Int("valid_segments", valid), zap.Int("expected_segments", expectedSegments))
				return p.partial(segments), nil
			}
		}

		if p.now().Sub(start) >= p.cfg.Ceiling {
			if lastValid > 0 {
				p.logger.Warn("poll ceiling reached, completing with partial results",
					zap.String("session_id", sessionID), zap.Int("valid_segments", lastValid))
				return p.partial(lastSegments), nil
			}
			p.logger.Info("poll ceiling reached with no results, analysis not ready",
				zap.String("session_id", sessionID))
			return Outcome{Status: StatusNotReady, Segments: lastSegments}, nil
		}

		if err := p.sleep(ctx, interval); err != nil {
			return Outcome{}, err
		}
		interval = time.Duration(float64(interval) * p.cfg.Multiplier)
		if interval > p.cfg.MaxInterval {
			interval = p.cfg.MaxInterval
		}
	}
}

func (p *Poller) partial(segments []models.AnalysisSegment) Outcome {
	report := p.agg.Aggregate(segments)
	report.Partial = true
	return Outcome{Status: StatusPartial, Segments: segments, Report: report}
}

func countValid(segments []models.AnalysisSegment) int {
	n := 0
	for _, s := range segments {
		if s.HasResults() {
			n++
		}
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
