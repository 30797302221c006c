// Package stream runs the capture-side session: it pulls chunks from a media
// source on a fixed cadence, dispatches them to the transcription transport
// without blocking capture, and drives the session state machine through
// finalize.
package stream

import (
	"context"
	"time"
)

// CaptureSource produces encoded media chunks from a live source. The
// session owns the cadence; sources emit roughly one chunk per interval on
// the channel returned by Start and close it after Stop.
type CaptureSource interface {
	// Supports reports whether the source can emit the given MIME type.
	Supports(mimeType string) bool
	// Start begins capture with the negotiated MIME type and cadence. The
	// returned channel is closed once capture ends and any tail chunks have
	// been flushed.
	Start(ctx context.Context, mimeType string, interval time.Duration) (<-chan []byte, error)
	// Stop halts capture. Safe to call more than once.
	Stop() error
}

// NegotiateFormat returns the first format in the ordered preference list the
// source supports.
func NegotiateFormat(src CaptureSource, preferences []string) (string, error) {
	for _, f := range preferences {
		if src.Supports(f) {
			return f, nil
		}
	}
	return "", ErrNoSupportedFormat
}
