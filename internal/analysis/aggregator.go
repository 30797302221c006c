// Package analysis triggers remote per-segment analysis and merges the
// resulting documents into one report per session.
package analysis

import (
	"encoding/json"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/wingman-interview/pipeline/internal/models"
)

// gradeBands maps an overall score floor to a letter grade, highest first.
var gradeBands = []struct {
	floor float64
	grade string
}{
	{0.9, "A+"}, {0.85, "A"}, {0.8, "A-"},
	{0.75, "B+"}, {0.7, "B"}, {0.65, "B-"},
	{0.6, "C+"}, {0.55, "C"}, {0.5, "C-"},
	{0.45, "D+"}, {0.4, "D"},
}

// GradeFor converts an overall score into a letter grade.
func GradeFor(score float64) string {
	for _, band := range gradeBands {
		if score >= band.floor {
			return band.grade
		}
	}
	return "F"
}

// Aggregator merges per-segment result documents. Pure except for logging:
// the same segments always produce the same report regardless of arrival
// order.
type Aggregator struct {
	logger *zap.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{logger: logger}
}

// Aggregate merges the completed segments' documents into one report.
// Rates and scores average, counters sum, transcripts concatenate in segment
// order, and emotion statistics merge per key. Segments with missing or
// malformed results are skipped and logged, never failed on. With no valid
// segment the report is empty with SegmentsMerged zero.
func (a *Aggregator) Aggregate(segments []models.AnalysisSegment) models.AggregatedAnalysis {
	ordered := make([]models.AnalysisSegment, len(segments))
	copy(ordered, segments)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SegmentIndex < ordered[j].SegmentIndex })

	var docs []models.ResultDocument
	var transcripts []string
	for _, seg := range ordered {
		if !seg.HasResults() {
			a.logger.Warn("segment has no results, skipping", zap.Int("segment_index", seg.SegmentIndex))
			continue
		}
		var doc models.ResultDocument
		if err := json.Unmarshal(seg.Results, &doc); err != nil {
			a.logger.Warn("segment results malformed, skipping",
				zap.Int("segment_index", seg.SegmentIndex), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
		if t := strings.TrimSpace(doc.SpeechAnalysis.Transcript); t != "" {
			transcripts = append(transcripts, t)
		}
	}

	if len(docs) == 0 {
		return models.AggregatedAnalysis{}
	}

	n := float64(len(docs))
	var out models.AggregatedAnalysis
	out.SegmentsMerged = len(docs)
	out.SpeechAnalysis.Transcript = strings.Join(transcripts, " ")
	out.FacialAnalysis.EmotionStatistics = mergeEmotions(docs)

	for _, d := range docs {
		out.SpeechAnalysis.TotalWords += d.SpeechAnalysis.TotalWords
		out.SpeechAnalysis.TotalDurationSeconds += d.SpeechAnalysis.TotalDurationSeconds
		out.SpeechAnalysis.FillerWords.Count += d.SpeechAnalysis.FillerWords.Count
		out.FacialAnalysis.TotalFramesAnalyzed += d.FacialAnalysis.TotalFramesAnalyzed

		out.SpeechAnalysis.WordsPerMinute += d.SpeechAnalysis.WordsPerMinute / n
		out.SpeechAnalysis.FillerWords.Percentage += d.SpeechAnalysis.FillerWords.Percentage / n
		out.SpeechAnalysis.ClarityScore += d.SpeechAnalysis.ClarityScore / n
		out.FacialAnalysis.AverageDetectionConfidence += d.FacialAnalysis.AverageDetectionConfidence / n
		out.ConfidenceAnalysis.AverageEyeContactScore += d.ConfidenceAnalysis.AverageEyeContactScore / n
		out.ConfidenceAnalysis.EyeContactConsistency += d.ConfidenceAnalysis.EyeContactConsistency / n
		out.ConfidenceAnalysis.HeadStabilityScore += d.ConfidenceAnalysis.HeadStabilityScore / n
		out.ConfidenceAnalysis.ConfidenceScore += d.ConfidenceAnalysis.ConfidenceScore / n
		out.OverallScore += d.OverallScore / n
	}

	out.Grade = GradeFor(out.OverallScore)
	return out
}

// mergeEmotions merges per-emotion statistics across documents: averages and
// standard deviations average, maxima take the max, minima the min.
func mergeEmotions(docs []models.ResultDocument) map[string]models.EmotionStat {
	counts := make(map[string]int)
	merged := make(map[string]models.EmotionStat)
	for _, d := range docs {
		for key, stat := range d.FacialAnalysis.EmotionStatistics {
			cur, seen := merged[key]
			if !seen {
				merged[key] = stat
				counts[key] = 1
				continue
			}
			cur.Average += stat.Average
			cur.Std += stat.Std
			if stat.Max > cur.Max {
				cur.Max = stat.Max
			}
			if stat.Min < cur.Min {
				cur.Min = stat.Min
			}
			merged[key] = cur
			counts[key]++
		}
	}
	for key, stat := range merged {
		n := float64(counts[key])
		stat.Average /= n
		stat.Std /= n
		merged[key] = stat
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}
