// Package worker runs the background analysis jobs: for each finished
// session it polls the remote analysis service until a report is decidable,
// persists the report and publishes the outcome.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wingman-interview/pipeline/internal/models"
	"github.com/wingman-interview/pipeline/internal/observability"
	"github.com/wingman-interview/pipeline/internal/poller"
	"github.com/wingman-interview/pipeline/internal/results"
	"github.com/wingman-interview/pipeline/pkg/queue"
)

// ReportNotifier pushes the finished report to live observers. Satisfied by
// *realtime.Notifier.
type ReportNotifier interface {
	AnalysisCompleted(sessionID, status string, report models.AggregatedAnalysis)
}

// ReportPublisher publishes the finished report downstream. Satisfied by
// *events.Publisher.
type ReportPublisher interface {
	PublishAnalysis(ctx context.Context, sessionID, status string, report models.AggregatedAnalysis) error
}

// AnalysisProcessor processes analysis polling jobs: wait for segment
// results, aggregate, persist and publish.
type AnalysisProcessor struct {
	repo      *results.Repository
	poller    *poller.Poller
	queue     *queue.Queue
	publisher ReportPublisher
	notifier  ReportNotifier
	logger    *zap.Logger
}

// NewAnalysisProcessor creates an analysis polling processor. publisher and
// notifier are optional.
func NewAnalysisProcessor(repo *results.Repository, p *poller.Poller, q *queue.Queue,
	publisher ReportPublisher, notifier ReportNotifier, logger *zap.Logger) *AnalysisProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalysisProcessor{
		repo:      repo,
		poller:    p,
		queue:     q,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
	}
}

// Process executes one analysis polling job.
func (p *AnalysisProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeAnalysisPoll {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.AnalysisPollPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	sessionID := payload.SessionID

	if report, err := p.repo.GetReport(ctx, sessionID); err == nil && report != nil && !report.Partial {
		p.logger.Info("report already produced", zap.String("session_id", sessionID.String()))
		return nil
	}

	outcome, err := p.poller.Wait(ctx, sessionID.String(), payload.ExpectedSegments)
	if err != nil {
		return fmt.Errorf("poll analysis: %w", err)
	}
	observability.DefaultMetrics.RecordReport(string(outcome.Status))

	if len(outcome.Segments) > 0 {
		segments := make([]models.AnalysisSegment, 0, len(outcome.Segments))
		for _, seg := range outcome.Segments {
			if seg.HasResults() {
				seg.Status = models.SegmentCompleted
			}
			segments = append(segments, seg)
		}
		if err := p.repo.UpsertSegments(ctx, sessionID, segments); err != nil {
			p.logger.Error("persist segments failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	}

	// No results at all: nothing to report yet. The job is done, not failed;
	// a later analyze request can poll again.
	if outcome.Status == poller.StatusNotReady {
		p.logger.Info("analysis not ready", zap.String("session_id", sessionID.String()))
		if p.notifier != nil {
			p.notifier.AnalysisCompleted(sessionID.String(), string(outcome.Status), models.AggregatedAnalysis{})
		}
		return nil
	}

	if err := p.repo.SaveReport(ctx, sessionID, &outcome.Report); err != nil {
		return fmt.Errorf("save report: %w", err)
	}

	if p.publisher != nil {
		if err := p.publisher.PublishAnalysis(ctx, sessionID.String(), string(outcome.Status), outcome.Report); err != nil {
			p.logger.Warn("analysis event publish failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	}
	if p.notifier != nil {
		p.notifier.AnalysisCompleted(sessionID.String(), string(outcome.Status), outcome.Report)
	}

	p.logger.Info("analysis report produced",
		zap.String("session_id", sessionID.String()),
		zap.String("status", string(outcome.Status)),
		zap.String("grade", outcome.Report.Grade),
		zap.Int("segments_merged", outcome.Report.SegmentsMerged),
		zap.Bool("partial", outcome.Report.Partial))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *AnalysisProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("analysis worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
