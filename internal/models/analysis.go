package models

import (
	"encoding/json"
	"time"
)

// SegmentStatus tracks one uploaded media unit through remote analysis.
type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "pending"
	SegmentCompleted SegmentStatus = "completed"
)

// AnalysisSegment is one uploaded media unit subject to independent remote
// analysis. Continuous-recording sessions always have exactly one segment
// with index 0. Segments are never deleted; only the remote analysis
// completing mutates them.
type AnalysisSegment struct {
	SegmentIndex int             `json:"segment_index"`
	SourceURI    string          `json:"source_uri,omitempty"`
	Status       SegmentStatus   `json:"status"`
	Results      json.RawMessage `json:"results,omitempty"`
	CreatedAt    time.Time       `json:"created_at,omitempty"`
}

// HasResults reports whether the segment carries a non-empty result payload.
func (s AnalysisSegment) HasResults() bool {
	if len(s.Results) == 0 {
		return false
	}
	trimmed := string(s.Results)
	return trimmed != "null" && trimmed != "{}" && trimmed != `""`
}

// FillerWords holds filler-word counters from the speech analysis.
type FillerWords struct {
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// SpeechAnalysis is the speech portion of a segment's result document.
type SpeechAnalysis struct {
	Transcript           string      `json:"transcript"`
	TotalWords           int         `json:"total_words"`
	TotalDurationSeconds float64     `json:"total_duration_seconds"`
	WordsPerMinute       float64     `json:"words_per_minute"`
	FillerWords          FillerWords `json:"filler_words"`
	ClarityScore         float64     `json:"clarity_score"`
}

// EmotionStat summarizes one emotion over the analyzed frames.
type EmotionStat struct {
	Average float64 `json:"average"`
	Max     float64 `json:"max"`
	Min     float64 `json:"min"`
	Std     float64 `json:"std"`
}

// FacialAnalysis is the facial-expression portion of a result document.
type FacialAnalysis struct {
	EmotionStatistics          map[string]EmotionStat `json:"emotion_statistics"`
	TotalFramesAnalyzed        int                    `json:"total_frames_analyzed"`
	AverageDetectionConfidence float64                `json:"average_detection_confidence"`
}

// ConfidenceAnalysis is the head-pose / eye-contact portion of a result document.
type ConfidenceAnalysis struct {
	AverageEyeContactScore float64 `json:"average_eye_contact_score"`
	EyeContactConsistency  float64 `json:"eye_contact_consistency"`
	HeadStabilityScore     float64 `json:"head_stability_score"`
	ConfidenceScore        float64 `json:"confidence_score"`
}

// ResultDocument is the per-segment analysis document produced by the remote
// analysis service.
type ResultDocument struct {
	SpeechAnalysis     SpeechAnalysis     `json:"speech_analysis"`
	FacialAnalysis     FacialAnalysis     `json:"facial_analysis"`
	ConfidenceAnalysis ConfidenceAnalysis `json:"confidence_analysis"`
	OverallScore       float64            `json:"overall_score"`
}

// AggregatedAnalysis is the merged report over all completed segments of one
// session. Derived on demand; a pure function of its inputs.
type AggregatedAnalysis struct {
	ResultDocument
	Grade          string `json:"grade"`
	SegmentsMerged int    `json:"segments_merged"`
	Partial        bool   `json:"partial"`
}
