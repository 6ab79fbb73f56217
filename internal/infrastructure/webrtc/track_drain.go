package webrtc

import (
	"sync/atomic"

	"meshcast/internal/core/ports"

	"go.uber.org/zap"
)

// TrackStats counts what a viewer received on one remote track.
type TrackStats struct {
	Packets atomic.Uint64
	Bytes   atomic.Uint64
	// Lost is estimated from sequence number gaps.
	Lost atomic.Uint64
}

// DrainTrack reads track until it ends. Media is only counted: rendering is
// up to the embedding application.
func DrainTrack(track ports.RemoteTrack, stats *TrackStats, logger *zap.SugaredLogger) {
	var (
		lastSeq uint16
		started bool
	)
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			logger.Debugw("remote track ended",
				"track_id", track.ID(),
				"packets", stats.Packets.Load(),
				"lost", stats.Lost.Load(),
			)
			return
		}

		stats.Packets.Add(1)
		stats.Bytes.Add(uint64(len(packet.Payload)))
		if started {
			// uint16 arithmetic handles wraparound
			if gap := packet.SequenceNumber - lastSeq; gap > 1 && gap < 1<<15 {
				stats.Lost.Add(uint64(gap - 1))
			}
		}
		lastSeq = packet.SequenceNumber
		started = true
	}
}
