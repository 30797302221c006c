// Package capture provides media sources for streaming sessions: a push
// source fed by HTTP clients recording in the browser, and a WebRTC source
// that assembles chunks from incoming RTP.
package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrSourceClosed is returned when pushing into a stopped source.
var ErrSourceClosed = errors.New("capture source closed")

// PushSource implements stream.CaptureSource for clients that record
// locally (MediaRecorder) and POST each chunk. The client owns the cadence;
// the configured interval only documents the expected pace.
type PushSource struct {
	formats map[string]bool

	in       chan []byte
	out      chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

// NewPushSource creates a push source accepting the given MIME types.
func NewPushSource(formats ...string) *PushSource {
	m := make(map[string]bool, len(formats))
	for _, f := range formats {
		m[strings.ToLower(f)] = true
	}
	p := &PushSource{
		formats: m,
		in:      make(chan []byte, 64),
		out:     make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	go p.forward()
	return p
}

// forward decouples producers from the consumer so Stop can close the
// output channel without racing a blocked Push. Chunks already pushed when
// Stop lands are drained, not dropped; they are the tail of the answer.
func (p *PushSource) forward() {
	defer close(p.out)
	for {
		select {
		case <-p.done:
			for {
				select {
				case b := <-p.in:
					select {
					case p.out <- b:
					default:
						return
					}
				default:
					return
				}
			}
		case b := <-p.in:
			select {
			case p.out <- b:
			case <-p.done:
				return
			}
		}
	}
}

// Supports reports whether the client declared it can record this MIME type.
func (p *PushSource) Supports(mimeType string) bool {
	return p.formats[strings.ToLower(mimeType)]
}

// Start returns the chunk channel. The push source has nothing to begin;
// chunks arrive whenever the client posts them.
func (p *PushSource) Start(_ context.Context, _ string, _ time.Duration) (<-chan []byte, error) {
	return p.out, nil
}

// Push enqueues one client-recorded chunk. A lost chunk is lost speech, so
// Push blocks (bounded by ctx) rather than dropping when the session falls
// behind.
func (p *PushSource) Push(ctx context.Context, data []byte) error {
	select {
	case <-p.done:
		return ErrSourceClosed
	default:
	}
	select {
	case p.in <- data:
		return nil
	case <-p.done:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the source. Safe to call more than once.
func (p *PushSource) Stop() error {
	p.stopOnce.Do(func() { close(p.done) })
	return nil
}
