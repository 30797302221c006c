package realtime

import (
	"github.com/wingman-interview/pipeline/internal/models"
)

// Notifier bridges session callbacks onto the hub. Satisfies stream.Events;
// broadcasts never block the session goroutines because client send buffers
// drop on overflow.
type Notifier struct {
	hub *Hub
}

// NewNotifier creates a hub-backed session notifier.
func NewNotifier(hub *Hub) *Notifier {
	return &Notifier{hub: hub}
}

// OnInterim pushes the accumulated interim transcript.
func (n *Notifier) OnInterim(sessionID, transcript string) {
	n.hub.BroadcastToSessionAndPublish(sessionID, "transcript_interim", map[string]string{
		"transcript": transcript,
	})
}

// OnMetrics pushes a performance counter snapshot.
func (n *Notifier) OnMetrics(sessionID string, m models.PerformanceMetrics) {
	n.hub.BroadcastToSessionAndPublish(sessionID, "session_metrics", m)
}

// OnStateChange pushes a lifecycle transition.
func (n *Notifier) OnStateChange(sessionID string, status models.SessionStatus) {
	n.hub.BroadcastToSessionAndPublish(sessionID, "session_state", map[string]string{
		"status": string(status),
	})
}

// WebRTCCandidate pushes a local ICE candidate for trickle signaling.
func (n *Notifier) WebRTCCandidate(sessionID string, candidate any) {
	n.hub.BroadcastToSessionAndPublish(sessionID, "webrtc_candidate", candidate)
}

// TranscriptFinal pushes the finalized transcript with provenance flags.
func (n *Notifier) TranscriptFinal(sessionID string, res models.FinalTranscriptionResult) {
	n.hub.BroadcastToSessionAndPublish(sessionID, "transcript_final", res)
}

// AnalysisCompleted pushes the merged report once polling concludes.
func (n *Notifier) AnalysisCompleted(sessionID, status string, report models.AggregatedAnalysis) {
	n.hub.BroadcastToSessionAndPublish(sessionID, "analysis_completed", map[string]any{
		"status": status,
		"report": report,
	})
}
