package analysis

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/wingman-interview/pipeline/internal/models"
)

func segmentWith(t *testing.T, index int, doc models.ResultDocument) models.AnalysisSegment {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal doc: %v", err)
	}
	return models.AnalysisSegment{SegmentIndex: index, Status: models.SegmentCompleted, Results: raw}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestAggregate_MergesTwoSegments(t *testing.T) {
	doc0 := models.ResultDocument{
		SpeechAnalysis: models.SpeechAnalysis{
			Transcript:           "first segment words",
			TotalWords:           100,
			TotalDurationSeconds: 60,
			WordsPerMinute:       100,
			FillerWords:          models.FillerWords{Count: 4, Percentage: 4},
			ClarityScore:         0.8,
		},
		FacialAnalysis: models.FacialAnalysis{
			EmotionStatistics: map[string]models.EmotionStat{
				"happy": {Average: 0.6, Max: 0.9, Min: 0.2, Std: 0.1},
			},
			TotalFramesAnalyzed:        300,
			AverageDetectionConfidence: 0.9,
		},
		ConfidenceAnalysis: models.ConfidenceAnalysis{
			AverageEyeContactScore: 0.7,
			EyeContactConsistency:  0.8,
			HeadStabilityScore:     0.9,
			ConfidenceScore:        0.8,
		},
		OverallScore: 0.8,
	}
	doc1 := models.ResultDocument{
		SpeechAnalysis: models.SpeechAnalysis{
			Transcript:           "second segment words",
			TotalWords:           50,
			TotalDurationSeconds: 30,
			WordsPerMinute:       120,
			FillerWords:          models.FillerWords{Count: 2, Percentage: 2},
			ClarityScore:         0.6,
		},
		FacialAnalysis: models.FacialAnalysis{
			EmotionStatistics: map[string]models.EmotionStat{
				"happy":   {Average: 0.4, Max: 0.7, Min: 0.1, Std: 0.3},
				"neutral": {Average: 0.5, Max: 0.6, Min: 0.4, Std: 0.05},
			},
			TotalFramesAnalyzed:        150,
			AverageDetectionConfidence: 0.7,
		},
		ConfidenceAnalysis: models.ConfidenceAnalysis{
			AverageEyeContactScore: 0.5,
			EyeContactConsistency:  0.6,
			HeadStabilityScore:     0.7,
			ConfidenceScore:        0.6,
		},
		OverallScore: 0.6,
	}

	got := NewAggregator(nil).Aggregate([]models.AnalysisSegment{
		segmentWith(t, 0, doc0),
		segmentWith(t, 1, doc1),
	})

	if got.SegmentsMerged != 2 {
		t.Fatalf("expected 2 segments merged, got %d", got.SegmentsMerged)
	}
	if got.SpeechAnalysis.Transcript != "first segment words second segment words" {
		t.Errorf("unexpected transcript %q", got.SpeechAnalysis.Transcript)
	}
	if got.SpeechAnalysis.TotalWords != 150 {
		t.Errorf("total words must sum, got %d", got.SpeechAnalysis.TotalWords)
	}
	if !approx(got.SpeechAnalysis.TotalDurationSeconds, 90) {
		t.Errorf("duration must sum, got %v", got.SpeechAnalysis.TotalDurationSeconds)
	}
	if got.SpeechAnalysis.FillerWords.Count != 6 {
		t.Errorf("filler count must sum, got %d", got.SpeechAnalysis.FillerWords.Count)
	}
	if !approx(got.SpeechAnalysis.WordsPerMinute, 110) {
		t.Errorf("words per minute must average, got %v", got.SpeechAnalysis.WordsPerMinute)
	}
	if !approx(got.SpeechAnalysis.ClarityScore, 0.7) {
		t.Errorf("clarity must average, got %v", got.SpeechAnalysis.ClarityScore)
	}
	if got.FacialAnalysis.TotalFramesAnalyzed != 450 {
		t.Errorf("frames must sum, got %d", got.FacialAnalysis.TotalFramesAnalyzed)
	}
	if !approx(got.FacialAnalysis.AverageDetectionConfidence, 0.8) {
		t.Errorf("detection confidence must average, got %v", got.FacialAnalysis.AverageDetectionConfidence)
	}
	if !approx(got.OverallScore, 0.7) {
		t.Errorf("overall score must average, got %v", got.OverallScore)
	}
	if got.Grade != "B" {
		t.Errorf("expected grade B for 0.7, got %q", got.Grade)
	}

	happy := got.FacialAnalysis.EmotionStatistics["happy"]
	if !approx(happy.Average, 0.5) || !approx(happy.Max, 0.9) || !approx(happy.Min, 0.1) || !approx(happy.Std, 0.2) {
		t.Errorf("unexpected merged happy stat %+v", happy)
	}
	neutral := got.FacialAnalysis.EmotionStatistics["neutral"]
	if !approx(neutral.Average, 0.5) || !approx(neutral.Max, 0.6) {
		t.Errorf("single-document emotion must pass through, got %+v", neutral)
	}
}

func TestAggregate_OrderIndependent(t *testing.T) {
	doc0 := models.ResultDocument{
		SpeechAnalysis: models.SpeechAnalysis{Transcript: "alpha", WordsPerMinute: 90},
		OverallScore:   0.9,
	}
	doc1 := models.ResultDocument{
		SpeechAnalysis: models.SpeechAnalysis{Transcript: "beta", WordsPerMinute: 110},
		OverallScore:   0.5,
	}
	agg := NewAggregator(nil)

	forward := agg.Aggregate([]models.AnalysisSegment{segmentWith(t, 0, doc0), segmentWith(t, 1, doc1)})
	reversed := agg.Aggregate([]models.AnalysisSegment{segmentWith(t, 1, doc1), segmentWith(t, 0, doc0)})

	if forward.SpeechAnalysis.Transcript != "alpha beta" || reversed.SpeechAnalysis.Transcript != "alpha beta" {
		t.Errorf("transcript must follow segment index order, got %q / %q",
			forward.SpeechAnalysis.Transcript, reversed.SpeechAnalysis.Transcript)
	}
	if !approx(forward.OverallScore, reversed.OverallScore) {
		t.Errorf("aggregation must be order independent: %v vs %v", forward.OverallScore, reversed.OverallScore)
	}
}

func TestAggregate_SkipsMalformedSegments(t *testing.T) {
	valid := models.ResultDocument{
		SpeechAnalysis: models.SpeechAnalysis{Transcript: "only valid", WordsPerMinute: 100, ClarityScore: 0.8},
		OverallScore:   0.8,
	}
	segments := []models.AnalysisSegment{
		{SegmentIndex: 0, Status: models.SegmentCompleted, Results: json.RawMessage(`{broken`)},
		segmentWith(t, 1, valid),
		// Pending and null-result segments must be skipped too.
		{SegmentIndex: 2, Status: models.SegmentPending},
		{SegmentIndex: 3, Status: models.SegmentCompleted, Results: json.RawMessage(`null`)},
	}

	got := NewAggregator(nil).Aggregate(segments)
	if got.SegmentsMerged != 1 {
		t.Fatalf("expected 1 segment merged, got %d", got.SegmentsMerged)
	}
	if got.SpeechAnalysis.Transcript != "only valid" {
		t.Errorf("unexpected transcript %q", got.SpeechAnalysis.Transcript)
	}
	if !approx(got.SpeechAnalysis.WordsPerMinute, 100) || !approx(got.OverallScore, 0.8) {
		t.Errorf("single valid segment must pass through unchanged, got %+v", got.SpeechAnalysis)
	}
}

func TestAggregate_EmptyWhenNoValidSegments(t *testing.T) {
	got := NewAggregator(nil).Aggregate([]models.AnalysisSegment{
		{SegmentIndex: 0, Status: models.SegmentPending},
	})
	if got.SegmentsMerged != 0 {
		t.Fatalf("expected 0 segments merged, got %d", got.SegmentsMerged)
	}
	if got.Grade != "" || got.OverallScore != 0 {
		t.Errorf("expected empty report, got %+v", got)
	}
}

func TestGradeFor(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.95, "A+"}, {0.9, "A+"}, {0.87, "A"}, {0.8, "A-"},
		{0.78, "B+"}, {0.7, "B"}, {0.66, "B-"},
		{0.6, "C+"}, {0.55, "C"}, {0.5, "C-"},
		{0.45, "D+"}, {0.4, "D"}, {0.39, "F"}, {0, "F"},
	}
	for _, tt := range tests {
		if got := GradeFor(tt.score); got != tt.want {
			t.Errorf("GradeFor(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}
