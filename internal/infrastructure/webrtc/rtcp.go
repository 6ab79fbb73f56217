package webrtc

import (
	"meshcast/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// readRTCP drains feedback from a viewer until the sender is closed.
func readRTCP(sender *webrtc.RTPSender, metrics ports.MetricsCollector, logger *zap.SugaredLogger) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			handleRTCP(packet, metrics, logger)
		}
	}
}

func handleRTCP(packet rtcp.Packet, metrics ports.MetricsCollector, logger *zap.SugaredLogger) {
	switch p := packet.(type) {
	case *rtcp.PictureLossIndication:
		metrics.RecordRTCP("pli")
		logger.Debugw("received PLI", "media_ssrc", p.MediaSSRC)

	case *rtcp.FullIntraRequest:
		metrics.RecordRTCP("fir")

	case *rtcp.TransportLayerNack:
		metrics.RecordRTCP("nack")
		logger.Debugw("received NACK", "nacks", len(p.Nacks))

	case *rtcp.ReceiverReport:
		metrics.RecordRTCP("rr")
		for _, report := range p.Reports {
			// FractionLost is a fixed point fraction over 256
			if report.FractionLost > 25 {
				logger.Debugw("viewer reports packet loss",
					"ssrc", report.SSRC,
					"fraction_lost", float64(report.FractionLost)/256,
					"jitter", report.Jitter,
				)
			}
		}

	case *rtcp.ReceiverEstimatedMaximumBitrate:
		metrics.RecordRTCP("remb")
		logger.Debugw("received REMB", "bitrate", p.Bitrate)

	default:
		metrics.RecordRTCP("other")
	}
}
