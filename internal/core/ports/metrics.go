package ports

import (
	"time"

	"meshcast/internal/core/domain"
)

type MetricsCollector interface {
	RecordEnvelope(direction string, t domain.EnvelopeType)
	RecordEnvelopeDropped(reason string)
	RecordPeerOpened(role domain.PeerRole)
	RecordPeerClosed(role domain.PeerRole)
	RecordPeerConnected(role domain.PeerRole, setup time.Duration)
	RecordCandidateBuffered()
	RecordTrackReplaced(kind string, err error)
	// RecordRTCP counts feedback received on an outbound track (pli, nack, rr, ...).
	RecordRTCP(packetType string)
	RecordPresenceWrite(err error)
	SetActiveViewers(streamID domain.StreamID, count int)
	RecordSessionStarted(streamID domain.StreamID)
	RecordSessionEnded(streamID domain.StreamID)
}
