package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"meshcast/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrNoSender = errors.New("no sender for track kind")

// PeerConnection adapts *webrtc.PeerConnection to ports.PeerConnection. It
// keeps one sender per media kind so tracks can be replaced in place.
type PeerConnection struct {
	pc      *webrtc.PeerConnection
	metrics ports.MetricsCollector
	logger  *zap.SugaredLogger

	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	mu      sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newPeerConnection(pc *webrtc.PeerConnection, metrics ports.MetricsCollector, logger *zap.SugaredLogger) *PeerConnection {
	return &PeerConnection{
		pc:      pc,
		metrics: metrics,
		logger:  logger,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}
}

func (p *PeerConnection) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.senders[track.Kind()]; exists {
		return fmt.Errorf("%s track already attached", track.Kind())
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}
	p.senders[track.Kind()] = sender

	// RTCP must be read for interceptors (NACK, reports) to run
	go readRTCP(sender, p.metrics, p.logger)
	return nil
}

// ReserveSender adds a send-only transceiver for kind backed by a
// placeholder track that never writes. It is a no-op when kind already has
// a sender.
func (p *PeerConnection) ReserveSender(kind webrtc.RTPCodecType) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.senders[kind]; exists {
		return nil
	}
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	if kind == webrtc.RTPCodecTypeAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1}
	}
	placeholder, err := webrtc.NewTrackLocalStaticSample(capability, ReservedTrackID(kind), "meshcast")
	if err != nil {
		return fmt.Errorf("failed to reserve %s sender: %w", kind, err)
	}
	transceiver, err := p.pc.AddTransceiverFromTrack(placeholder, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return fmt.Errorf("failed to reserve %s sender: %w", kind, err)
	}
	sender := transceiver.Sender()
	p.senders[kind] = sender

	go readRTCP(sender, p.metrics, p.logger)
	return nil
}

// ReservedTrackID names the placeholder track of a reserved sender.
func ReservedTrackID(kind webrtc.RTPCodecType) string {
	return "reserved-" + kind.String()
}

// ReplaceTrack swaps the track on the existing sender of that kind without
// renegotiation. A nil track stops sending.
func (p *PeerConnection) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	p.mu.Lock()
	sender, exists := p.senders[kind]
	p.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNoSender, kind)
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("failed to replace %s track: %w", kind, err)
	}
	return nil
}

func (p *PeerConnection) LocalTracks() []webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracks := make([]webrtc.TrackLocal, 0, len(p.senders))
	for _, sender := range p.senders {
		if track := sender.Track(); track != nil {
			tracks = append(tracks, track)
		}
	}
	return tracks
}

func (p *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (p *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// OnICECandidate does not call fn for the end-of-candidates marker.
func (p *PeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *PeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *PeerConnection) OnTrack(fn func(ports.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Infow("remote track started",
			"track_id", track.ID(),
			"kind", track.Kind(),
			"codec", track.Codec().MimeType,
		)
		fn(track)
	})
}

func (p *PeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// Close is idempotent.
func (p *PeerConnection) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}
