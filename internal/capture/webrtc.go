package capture

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when Start runs before a peer connection is
// negotiated.
var ErrNotConnected = errors.New("webrtc source not connected")

// WebRTCSource implements stream.CaptureSource over a WebRTC peer
// connection. Incoming RTP payloads accumulate in a buffer; the interval
// ticker flushes the buffer as one chunk, so the session sees the same
// fixed-cadence chunk stream a recording client would produce.
type WebRTCSource struct {
	cfg    webrtc.Configuration
	logger *zap.Logger

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	buf       bytes.Buffer
	connected bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewWebRTCSource creates a WebRTC capture source with the given ICE
// (STUN/TURN) configuration.
func NewWebRTCSource(iceServers []webrtc.ICEServer, logger *zap.Logger) *WebRTCSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := webrtc.Configuration{ICEServers: iceServers}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return &WebRTCSource{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Supports accepts opus-bearing container formats; WebRTC audio arrives as
// opus RTP regardless of what the client would have recorded.
func (s *WebRTCSource) Supports(mimeType string) bool {
	m := strings.ToLower(mimeType)
	return strings.Contains(m, "opus") || m == "audio/webm" || m == "audio/ogg"
}

// HandleOffer negotiates the peer connection from the client's SDP offer and
// returns the answer. onICE receives local candidates for trickle signaling.
func (s *WebRTCSource) HandleOffer(offer webrtc.SessionDescription, onICE func(webrtc.ICECandidateInit)) (webrtc.SessionDescription, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(s.cfg)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || onICE == nil {
			return
		}
		onICE(c.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Info("remote track received",
			zap.String("kind", track.Kind().String()), zap.String("codec", track.Codec().MimeType))
		go s.readTrack(track)
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		_ = pc.Close()
		return webrtc.SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return webrtc.SessionDescription{}, err
	}

	s.mu.Lock()
	s.pc = pc
	s.connected = true
	s.mu.Unlock()
	return answer, nil
}

// AddICECandidate adds a remote trickle candidate.
func (s *WebRTCSource) AddICECandidate(cand webrtc.ICECandidateInit) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return ErrNotConnected
	}
	return pc.AddICECandidate(cand)
}

func (s *WebRTCSource) readTrack(track *webrtc.TrackRemote) {
	for {
		select {
		case <-s.done:
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.buf.Write(pkt.Payload)
		s.mu.Unlock()
	}
}

// Start begins flushing accumulated RTP payload as chunks on the returned
// channel, one per interval. Empty intervals produce no chunk.
func (s *WebRTCSource) Start(ctx context.Context, _ string, interval time.Duration) (<-chan []byte, error) {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	ch := make(chan []byte, 16)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.flush(ch)
				return
			case <-s.done:
				s.flush(ch)
				return
			case <-ticker.C:
				s.flush(ch)
			}
		}
	}()
	return ch, nil
}

// flush drains the RTP buffer into one chunk.
func (s *WebRTCSource) flush(ch chan<- []byte) {
	s.mu.Lock()
	if s.buf.Len() == 0 {
		s.mu.Unlock()
		return
	}
	data := make([]byte, s.buf.Len())
	copy(data, s.buf.Bytes())
	s.buf.Reset()
	s.mu.Unlock()

	select {
	case ch <- data:
	default:
		s.logger.Warn("chunk buffer full, dropping interval", zap.Int("size_bytes", len(data)))
	}
}

// Stop tears down the peer connection and ends the chunk stream.
func (s *WebRTCSource) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	pc := s.pc
	s.pc = nil
	s.mu.Unlock()
	if pc != nil {
		return pc.Close()
	}
	return nil
}
