package poller

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/wingman-interview/pipeline/internal/models"
)

func completedSegment(index int, score float64) models.AnalysisSegment {
	raw, _ := json.Marshal(models.ResultDocument{OverallScore: score})
	return models.AnalysisSegment{SegmentIndex: index, Status: models.SegmentCompleted, Results: raw}
}

func pendingSegment(index int) models.AnalysisSegment {
	return models.AnalysisSegment{SegmentIndex: index, Status: models.SegmentPending}
}

// scriptedLister returns one response per call, repeating the last.
type scriptedLister struct {
	responses [][]models.AnalysisSegment
	errs      []error
	calls     int
}

func (s *scriptedLister) ListSegments(context.Context, string) ([]models.AnalysisSegment, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.responses[i], err
}

// newTestPoller wires a poller to a fake clock advanced only by sleeps.
func newTestPoller(lister SegmentLister, cfg Config) (*Poller, *[]time.Duration) {
	p := New(lister, nil, cfg, nil)
	start := time.Unix(0, 0)
	var elapsed time.Duration
	var sleeps []time.Duration
	p.now = func() time.Time { return start.Add(elapsed) }
	p.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		elapsed += d
		return ctx.Err()
	}
	return p, &sleeps
}

func testCfg() Config {
	return Config{
		BaseInterval: 10 * time.Second,
		Multiplier:   1.5,
		MaxInterval:  30 * time.Second,
		Ceiling:      10 * time.Minute,
		StallTimeout: 30 * time.Second,
	}
}

func TestWait_CompletesWhenAllSegmentsLand(t *testing.T) {
	lister := &scriptedLister{responses: [][]models.AnalysisSegment{
		{pendingSegment(0), pendingSegment(1)},
		{completedSegment(0, 0.8), pendingSegment(1)},
		{completedSegment(0, 0.8), completedSegment(1, 0.6)},
	}}
	p, _ := newTestPoller(lister, testCfg())

	out, err := p.Wait(context.Background(), "sess-1", 2)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.Status != StatusComplete {
		t.Fatalf("expected complete, got %s", out.Status)
	}
	if out.Report.Partial {
		t.Error("a complete report must not be partial")
	}
	if out.Report.SegmentsMerged != 2 {
		t.Errorf("expected 2 segments merged, got %d", out.Report.SegmentsMerged)
	}
	if lister.calls != 3 {
		t.Errorf("expected 3 polls, got %d", lister.calls)
	}
}

func TestWait_BackoffGrowsAndCaps(t *testing.T) {
	lister := &scriptedLister{responses: [][]models.AnalysisSegment{
		{pendingSegment(0)},
		{pendingSegment(0)},
		{pendingSegment(0)},
		{pendingSegment(0)},
		{pendingSegment(0)},
		{completedSegment(0, 0.7)},
	}}
	p, sleeps := newTestPoller(lister, testCfg())

	if _, err := p.Wait(context.Background(), "sess-1", 1); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	want := []time.Duration{
		10 * time.Second,
		15 * time.Second,
		22500 * time.Millisecond,
		30 * time.Second, // capped
		30 * time.Second,
	}
	if len(*sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), *sleeps)
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, (*sleeps)[i], want[i])
		}
	}
}

func TestWait_StallForcesPartialCompletion(t *testing.T) {
	// One of three segments lands, then nothing: after the stall window the
	// poller must give up and mark the merged report partial.
	lister := &scriptedLister{responses: [][]models.AnalysisSegment{
		{completedSegment(0, 0.8), pendingSegment(1), pendingSegment(2)},
	}}
	p, _ := newTestPoller(lister, testCfg())

	out, err := p.Wait(context.Background(), "sess-1", 3)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.Status != StatusPartial {
		t.Fatalf("expected partial, got %s", out.Status)
	}
	if !out.Report.Partial {
		t.Error("stalled completion must mark the report partial")
	}
	if out.Report.SegmentsMerged != 1 {
		t.Errorf("expected 1 segment merged, got %d", out.Report.SegmentsMerged)
	}
}

func TestWait_CeilingWithNoResultsIsNotReady(t *testing.T) {
	lister := &scriptedLister{responses: [][]models.AnalysisSegment{
		{pendingSegment(0)},
	}}
	p, _ := newTestPoller(lister, testCfg())

	out, err := p.Wait(context.Background(), "sess-1", 1)
	if err != nil {
		t.Fatalf("no results is not an error, got %v", err)
	}
	if out.Status != StatusNotReady {
		t.Fatalf("expected not_ready, got %s", out.Status)
	}
	if out.Report.SegmentsMerged != 0 {
		t.Errorf("expected empty report, got %+v", out.Report)
	}
}

func TestWait_ListErrorsToleratedUntilCeiling(t *testing.T) {
	lister := &scriptedLister{
		responses: [][]models.AnalysisSegment{nil},
		errs:      []error{errors.New("service unavailable")},
	}
	p, _ := newTestPoller(lister, testCfg())

	out, err := p.Wait(context.Background(), "sess-1", 1)
	if err != nil {
		t.Fatalf("poll errors must not surface, got %v", err)
	}
	if out.Status != StatusNotReady {
		t.Fatalf("expected not_ready, got %s", out.Status)
	}
}

func TestWait_ContextCancellation(t *testing.T) {
	lister := &scriptedLister{responses: [][]models.AnalysisSegment{
		{pendingSegment(0)},
	}}
	p, _ := newTestPoller(lister, testCfg())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Wait(ctx, "sess-1", 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
