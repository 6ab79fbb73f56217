package ports

import (
	"meshcast/internal/core/domain"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// PeerConnection is the subset of a WebRTC peer connection the negotiation
// engine drives. CreateOffer and CreateAnswer also apply the result as the
// local description.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) error
	// ReserveSender adds a send-only sender of kind that carries no media
	// until ReplaceTrack fills it.
	ReserveSender(kind webrtc.RTPCodecType) error
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	LocalTracks() []webrtc.TrackLocal

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	LocalDescription() *webrtc.SessionDescription
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(RemoteTrack))

	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// RemoteTrack is satisfied by *webrtc.TrackRemote.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type PeerConnectionFactory interface {
	NewPeerConnection(peerID domain.PeerID, role domain.PeerRole) (PeerConnection, error)
}
