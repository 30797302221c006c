// Package results persists answer sessions, their uploaded segments, and the
// aggregated analysis reports.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wingman-interview/pipeline/internal/models"
)

// Repository handles answer_sessions, analysis_segments and analysis_reports.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a results repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateSession inserts a new answer session in the idle state.
func (r *Repository) CreateSession(ctx context.Context, s *models.AnswerSession) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO answer_sessions (id, interview_id, status, media_format, expected_segments, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())`,
		s.ID, s.InterviewID, s.Status, s.MediaFormat, s.ExpectedSegments)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns one answer session by ID, or nil when absent.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.AnswerSession, error) {
	const q = `SELECT id, interview_id, status, media_format, transcript, from_fallback, expected_segments, created_at, updated_at
		 FROM answer_sessions WHERE id = $1`
	var s models.AnswerSession
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&s.ID, &s.InterviewID, &s.Status, &s.MediaFormat, &s.Transcript,
		&s.FromFallback, &s.ExpectedSegments, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateStatus moves a session to a new lifecycle state.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE answer_sessions SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status)
	return err
}

// MarkStreaming moves a session to streaming and records the negotiated
// media format.
func (r *Repository) MarkStreaming(ctx context.Context, id uuid.UUID, mediaFormat string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE answer_sessions SET status = $2, media_format = $3, updated_at = NOW() WHERE id = $1`,
		id, models.SessionStreaming, mediaFormat)
	return err
}

// UpdateTranscript stores the final transcript and its provenance flag.
func (r *Repository) UpdateTranscript(ctx context.Context, id uuid.UUID, transcript string, fromFallback bool) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE answer_sessions SET transcript = $2, from_fallback = $3, updated_at = NOW() WHERE id = $1`,
		id, transcript, fromFallback)
	return err
}

// UpsertSegment records one uploaded segment, or refreshes its status and
// results when the remote analysis lands.
func (r *Repository) UpsertSegment(ctx context.Context, sessionID uuid.UUID, seg models.AnalysisSegment) error {
	var results any
	if len(seg.Results) > 0 {
		results = []byte(seg.Results)
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO analysis_segments (session_id, segment_index, source_uri, status, results, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (session_id, segment_index)
		 DO UPDATE SET source_uri = EXCLUDED.source_uri, status = EXCLUDED.status, results = EXCLUDED.results`,
		sessionID, seg.SegmentIndex, seg.SourceURI, seg.Status, results)
	if err != nil {
		return fmt.Errorf("upsert segment: %w", err)
	}
	return nil
}

// UpsertSegments records a batch of segments inside one transaction.
func (r *Repository) UpsertSegments(ctx context.Context, sessionID uuid.UUID, segments []models.AnalysisSegment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, seg := range segments {
		var results any
		if len(seg.Results) > 0 {
			results = []byte(seg.Results)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO analysis_segments (session_id, segment_index, source_uri, status, results, created_at)
			 VALUES ($1, $2, $3, $4, $5, NOW())
			 ON CONFLICT (session_id, segment_index)
			 DO UPDATE SET source_uri = EXCLUDED.source_uri, status = EXCLUDED.status, results = EXCLUDED.results`,
			sessionID, seg.SegmentIndex, seg.SourceURI, seg.Status, results)
		if err != nil {
			return fmt.Errorf("upsert segment %d: %w", seg.SegmentIndex, err)
		}
	}
	return tx.Commit(ctx)
}

// ListSegments returns all segments recorded for a session, in index order.
func (r *Repository) ListSegments(ctx context.Context, sessionID uuid.UUID) ([]models.AnalysisSegment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT segment_index, source_uri, status, COALESCE(results, 'null'::jsonb), created_at
		 FROM analysis_segments WHERE session_id = $1 ORDER BY segment_index`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.AnalysisSegment
	for rows.Next() {
		var seg models.AnalysisSegment
		var results []byte
		if err := rows.Scan(&seg.SegmentIndex, &seg.SourceURI, &seg.Status, &results, &seg.CreatedAt); err != nil {
			return nil, err
		}
		seg.Results = json.RawMessage(results)
		list = append(list, seg)
	}
	return list, rows.Err()
}

// SaveReport stores the aggregated analysis report for a session, replacing
// any earlier (e.g. partial) report.
func (r *Repository) SaveReport(ctx context.Context, sessionID uuid.UUID, report *models.AggregatedAnalysis) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO analysis_reports (session_id, report, grade, segments_merged, partial, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (session_id)
		 DO UPDATE SET report = EXCLUDED.report, grade = EXCLUDED.grade,
		               segments_merged = EXCLUDED.segments_merged, partial = EXCLUDED.partial`,
		sessionID, body, report.Grade, report.SegmentsMerged, report.Partial)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

// GetReport returns the stored report for a session, or nil when none exists.
func (r *Repository) GetReport(ctx context.Context, sessionID uuid.UUID) (*models.AggregatedAnalysis, error) {
	var body []byte
	err := r.pool.QueryRow(ctx,
		`SELECT report FROM analysis_reports WHERE session_id = $1`, sessionID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var report models.AggregatedAnalysis
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &report, nil
}
