package domain

type PeerRole string

const (
	RoleHostSide   PeerRole = "host-side"
	RoleViewerSide PeerRole = "viewer-side"
)

// PeerState tracks a single connection through negotiation. Candidate
// exchange runs alongside these states and never moves them.
type PeerState string

const (
	PeerNew             PeerState = "NEW"
	PeerOfferSent       PeerState = "OFFER_SENT"
	PeerOfferReceived   PeerState = "OFFER_RECEIVED"
	PeerAnswerExchanged PeerState = "ANSWER_EXCHANGED"
	PeerConnected       PeerState = "CONNECTED"
	PeerClosed          PeerState = "CLOSED"
)

func (s PeerState) Terminal() bool {
	return s == PeerClosed
}

// PeerInfo is a read-only snapshot of a registry entry.
type PeerInfo struct {
	ID           PeerID
	Role         PeerRole
	State        PeerState
	LocalTracks  []string
	RemoteTracks []string
}
