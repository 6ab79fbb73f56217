package monitoring

import (
	"time"

	"meshcast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsCollector.
type PrometheusCollector struct {
	envelopesTotal        *prometheus.CounterVec
	envelopesDroppedTotal *prometheus.CounterVec

	peersOpenedTotal *prometheus.CounterVec
	peersClosedTotal *prometheus.CounterVec
	peersActive      *prometheus.GaugeVec
	peerSetupSeconds *prometheus.HistogramVec

	candidatesBufferedTotal prometheus.Counter
	trackReplacementsTotal  *prometheus.CounterVec
	rtcpPacketsTotal        *prometheus.CounterVec
	presenceWritesTotal     *prometheus.CounterVec

	activeViewers   *prometheus.GaugeVec
	sessionsStarted *prometheus.CounterVec
	sessionsLive    prometheus.Gauge
}

// NewPrometheusCollector registers the collectors on reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics
// handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		envelopesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcast_signal_envelopes_total",
			Help: "Signal envelopes handled, by direction and type",
		}, []string{"direction", "type"}),

		envelopesDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcast_signal_envelopes_dropped_total",
			Help: "Signal envelopes dropped before delivery",
		}, []string{"reason"}),

		peersOpenedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcast_peer_connections_opened_total",
			Help: "Peer connections created",
		}, []string{"role"}),

		peersClosedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcast_peer_connections_closed_total",
			Help: "Peer connections torn down",
		}, []string{"role"}),

		peersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshcast_peer_connections_active",
			Help: "Peer connections currently held in registries",
		}, []string{"role"}),

		peerSetupSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshcast_peer_connection_setup_seconds",
			Help:    "Time from connection creation to CONNECTED",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"role"}),

		candidatesBufferedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcast_ice_candidates_buffered_total",
			Help: "ICE candidates buffered because they arrived before the remote description",
		}),

		trackReplacementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcast_track_replacements_total",
			Help: "In-place outbound track replacements",
		}, []string{"kind", "result"}),

		rtcpPacketsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcast_rtcp_packets_total",
			Help: "RTCP feedback received from viewers, by packet type",
		}, []string{"type"}),

		presenceWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcast_presence_writes_total",
			Help: "Presence heartbeat writes",
		}, []string{"result"}),

		activeViewers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshcast_stream_active_viewers",
			Help: "Viewers seen inside the presence window",
		}, []string{"stream_id"}),

		sessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcast_sessions_started_total",
			Help: "Broadcast sessions started",
		}, []string{"stream_id"}),

		sessionsLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcast_sessions_live",
			Help: "Broadcast sessions currently live in this process",
		}),
	}
}

func (c *PrometheusCollector) RecordEnvelope(direction string, t domain.EnvelopeType) {
	c.envelopesTotal.WithLabelValues(direction, string(t)).Inc()
}

func (c *PrometheusCollector) RecordEnvelopeDropped(reason string) {
	c.envelopesDroppedTotal.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) RecordPeerOpened(role domain.PeerRole) {
	c.peersOpenedTotal.WithLabelValues(string(role)).Inc()
	c.peersActive.WithLabelValues(string(role)).Inc()
}

func (c *PrometheusCollector) RecordPeerClosed(role domain.PeerRole) {
	c.peersClosedTotal.WithLabelValues(string(role)).Inc()
	c.peersActive.WithLabelValues(string(role)).Dec()
}

func (c *PrometheusCollector) RecordPeerConnected(role domain.PeerRole, setup time.Duration) {
	c.peerSetupSeconds.WithLabelValues(string(role)).Observe(setup.Seconds())
}

func (c *PrometheusCollector) RecordCandidateBuffered() {
	c.candidatesBufferedTotal.Inc()
}

func (c *PrometheusCollector) RecordTrackReplaced(kind string, err error) {
	c.trackReplacementsTotal.WithLabelValues(kind, result(err)).Inc()
}

func (c *PrometheusCollector) RecordRTCP(packetType string) {
	c.rtcpPacketsTotal.WithLabelValues(packetType).Inc()
}

func (c *PrometheusCollector) RecordPresenceWrite(err error) {
	c.presenceWritesTotal.WithLabelValues(result(err)).Inc()
}

func (c *PrometheusCollector) SetActiveViewers(streamID domain.StreamID, count int) {
	c.activeViewers.WithLabelValues(string(streamID)).Set(float64(count))
}

func (c *PrometheusCollector) RecordSessionStarted(streamID domain.StreamID) {
	c.sessionsStarted.WithLabelValues(string(streamID)).Inc()
	c.sessionsLive.Inc()
}

func (c *PrometheusCollector) RecordSessionEnded(streamID domain.StreamID) {
	c.sessionsLive.Dec()
	c.activeViewers.DeleteLabelValues(string(streamID))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// NopCollector discards every measurement.
type NopCollector struct{}

func (NopCollector) RecordEnvelope(string, domain.EnvelopeType)         {}
func (NopCollector) RecordEnvelopeDropped(string)                       {}
func (NopCollector) RecordPeerOpened(domain.PeerRole)                   {}
func (NopCollector) RecordPeerClosed(domain.PeerRole)                   {}
func (NopCollector) RecordPeerConnected(domain.PeerRole, time.Duration) {}
func (NopCollector) RecordCandidateBuffered()                           {}
func (NopCollector) RecordTrackReplaced(string, error)                  {}
func (NopCollector) RecordRTCP(string)                                  {}
func (NopCollector) RecordPresenceWrite(error)                          {}
func (NopCollector) SetActiveViewers(domain.StreamID, int)              {}
func (NopCollector) RecordSessionStarted(domain.StreamID)               {}
func (NopCollector) RecordSessionEnded(domain.StreamID)                 {}
