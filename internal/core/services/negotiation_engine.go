package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/retry"
	"meshcast/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TrackSource hands out the host's current outbound tracks. fn runs while
// the tracks cannot be swapped.
type TrackSource interface {
	WithCurrentTracks(fn func(tracks []webrtc.TrackLocal) error) error
}

type EngineConfig struct {
	StreamID domain.StreamID
	Self     domain.PeerID
	// Role of the connections this engine creates: host-side engines
	// answer joins with offers, viewer-side engines announce and answer.
	Role domain.PeerRole
	// Host restricts a viewer to offers from this peer. Empty accepts any.
	Host domain.PeerID

	CandidateBuffer       int
	AnnounceInterval      time.Duration
	ResubscribeMaxBackoff time.Duration
}

// NegotiationEngine drives the offer/answer/candidate exchange of one
// participant over a SignalingRelay.
type NegotiationEngine struct {
	cfg      EngineConfig
	relay    ports.SignalingRelay
	registry *ConnectionRegistry
	tracks   TrackSource
	metrics  ports.MetricsCollector
	logger   *zap.SugaredLogger

	// serializes envelope handling
	mu           sync.Mutex
	pendingJoins map[domain.PeerID]struct{}
	// viewer side: candidates that arrived before the offer
	early map[domain.PeerID][]webrtc.ICECandidateInit

	subMu         sync.Mutex
	sub           ports.Subscription
	stopped       bool
	onRemoteTrack func(domain.PeerID, ports.RemoteTrack)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNegotiationEngine creates an engine. tracks may be nil on the viewer side.
func NewNegotiationEngine(
	cfg EngineConfig,
	relay ports.SignalingRelay,
	registry *ConnectionRegistry,
	tracks TrackSource,
	metrics ports.MetricsCollector,
	logger *zap.SugaredLogger,
) *NegotiationEngine {
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = 5 * time.Second
	}
	if cfg.ResubscribeMaxBackoff <= 0 {
		cfg.ResubscribeMaxBackoff = 10 * time.Second
	}
	return &NegotiationEngine{
		cfg:          cfg,
		relay:        relay,
		registry:     registry,
		tracks:       tracks,
		metrics:      metrics,
		logger:       logger.With("stream_id", cfg.StreamID, "self", cfg.Self),
		pendingJoins: make(map[domain.PeerID]struct{}),
		early:        make(map[domain.PeerID][]webrtc.ICECandidateInit),
		ctx:          context.Background(),
	}
}

func (e *NegotiationEngine) isHost() bool {
	return e.cfg.Role == domain.RoleHostSide
}

// OnRemoteTrack registers fn for tracks received on viewer-side connections.
func (e *NegotiationEngine) OnRemoteTrack(fn func(from domain.PeerID, track ports.RemoteTrack)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.onRemoteTrack = fn
}

// Start subscribes to the relay and consumes envelopes until Stop. A viewer
// announces itself right after subscribing and again whenever it holds no
// connection.
func (e *NegotiationEngine) Start(ctx context.Context) error {
	sub, err := e.relay.Subscribe(ctx, e.cfg.StreamID, e.cfg.Self)
	if err != nil {
		return fmt.Errorf("subscribe to stream %s: %w", e.cfg.StreamID, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.subMu.Lock()
	e.sub = sub
	e.ctx = runCtx
	e.cancel = cancel
	e.subMu.Unlock()

	e.wg.Add(1)
	go e.run(runCtx, sub)

	if !e.isHost() {
		if err := e.Announce(runCtx); err != nil {
			e.logger.Warnw("initial announce failed", "error", err)
		}
		e.wg.Add(1)
		go e.announceLoop(runCtx)
	}
	return nil
}

// Stop unsubscribes and waits for the engine goroutines to exit.
func (e *NegotiationEngine) Stop() {
	e.subMu.Lock()
	if e.stopped {
		e.subMu.Unlock()
		return
	}
	e.stopped = true
	sub := e.sub
	cancel := e.cancel
	e.subMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := e.relay.Unsubscribe(sub); err != nil {
			e.logger.Debugw("unsubscribe failed", "error", err)
		}
	}
	e.wg.Wait()
}

func (e *NegotiationEngine) run(ctx context.Context, sub ports.Subscription) {
	defer e.wg.Done()

	for {
		for env := range sub.Envelopes() {
			e.HandleEnvelope(ctx, env)
		}

		subErr := sub.Err()
		if subErr == nil || ctx.Err() != nil {
			return
		}
		e.logger.Warnw("relay subscription lost, resubscribing", "error", subErr)

		next, err := e.resubscribe(ctx)
		if err != nil {
			return
		}
		sub = next

		if !e.isHost() {
			if err := e.Announce(ctx); err != nil {
				e.logger.Warnw("announce after resubscribe failed", "error", err)
			}
		}
	}
}

func (e *NegotiationEngine) resubscribe(ctx context.Context) (ports.Subscription, error) {
	cfg := retry.Forever(e.cfg.ResubscribeMaxBackoff)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.logger.Infow("resubscribe failed", "attempt", attempt, "delay", delay, "error", err)
	}

	sub, err := retry.RetryWithResult(ctx, cfg, func() (ports.Subscription, error) {
		return e.relay.Subscribe(ctx, e.cfg.StreamID, e.cfg.Self)
	})
	if err != nil {
		return nil, err
	}

	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.stopped {
		e.relay.Unsubscribe(sub)
		return nil, errors.New("engine stopped")
	}
	e.sub = sub
	return sub, nil
}

func (e *NegotiationEngine) announceLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.registry.Len() > 0 {
				continue
			}
			if err := e.Announce(ctx); err != nil {
				e.logger.Debugw("re-announce failed", "error", err)
			}
		}
	}
}

// Announce publishes a viewer-join for this participant.
func (e *NegotiationEngine) Announce(ctx context.Context) error {
	env, err := domain.NewBroadcastEnvelope(domain.EnvelopeViewerJoin, e.cfg.StreamID, e.cfg.Self, nil)
	if err != nil {
		return err
	}
	return e.publish(ctx, env)
}

func (e *NegotiationEngine) publish(ctx context.Context, env *domain.SignalEnvelope) error {
	if err := e.relay.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	e.metrics.RecordEnvelope("out", env.Type)
	return nil
}

func (e *NegotiationEngine) publishTo(ctx context.Context, t domain.EnvelopeType, to domain.PeerID, payload interface{}) error {
	env, err := domain.NewAddressedEnvelope(t, e.cfg.StreamID, e.cfg.Self, to, payload)
	if err != nil {
		return err
	}
	return e.publish(ctx, env)
}

// HandleEnvelope applies one envelope. Envelopes for another stream, from
// this participant, or addressed to someone else are ignored.
func (e *NegotiationEngine) HandleEnvelope(ctx context.Context, env *domain.SignalEnvelope) {
	if env == nil || env.StreamID != e.cfg.StreamID || !env.DeliverableTo(e.cfg.Self) {
		return
	}
	if err := env.Validate(); err != nil {
		e.metrics.RecordEnvelopeDropped("invalid")
		e.logger.Debugw("dropping invalid envelope", "error", err)
		return
	}
	e.metrics.RecordEnvelope("in", env.Type)

	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	switch {
	case env.Type == domain.EnvelopeViewerJoin && e.isHost():
		err = e.handleJoin(ctx, env.From)
	case env.Type == domain.EnvelopeOffer && !e.isHost():
		err = e.handleOffer(ctx, env)
	case env.Type == domain.EnvelopeAnswer && e.isHost():
		err = e.handleAnswer(ctx, env)
	case env.Type == domain.EnvelopeICE:
		err = e.handleCandidate(env)
	default:
		return
	}
	if err != nil {
		e.logger.Warnw("signal handling failed",
			"type", env.Type,
			"peer_id", env.From,
			"error", err,
		)
	}
}

// ReplayPendingJoins answers the joins that arrived before media was ready.
func (e *NegotiationEngine) ReplayPendingJoins(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pendingJoins) == 0 {
		return
	}
	joins := e.pendingJoins
	e.pendingJoins = make(map[domain.PeerID]struct{})

	e.logger.Infow("replaying pending joins", "count", len(joins))
	for viewer := range joins {
		if err := e.handleJoin(ctx, viewer); err != nil {
			e.logger.Warnw("pending join failed", "peer_id", viewer, "error", err)
		}
	}
}

func (e *NegotiationEngine) PendingJoins() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pendingJoins)
}

func (e *NegotiationEngine) handleJoin(ctx context.Context, viewer domain.PeerID) error {
	ctx, span := tracing.TraceWebRTC(ctx, "viewer_join", string(viewer), string(e.cfg.StreamID))
	defer span.End()

	if peer, ok := e.registry.Get(viewer); ok && peer.alive() {
		switch peer.State() {
		case domain.PeerOfferSent:
			// the viewer may have missed the offer and the candidates sent
			// with it; the local description carries both
			offer := peer.Conn.LocalDescription()
			if offer == nil || offer.Type != webrtc.SDPTypeOffer {
				offer = peer.pendingOffer()
			}
			if offer != nil {
				e.logger.Debugw("re-sending pending offer", "peer_id", viewer)
				return e.publishTo(ctx, domain.EnvelopeOffer, viewer, offer)
			}
		}
		return nil
	}

	if e.tracks == nil {
		return fmt.Errorf("%w: no track source", domain.ErrMediaNotReady)
	}

	var peer *Peer
	err := e.tracks.WithCurrentTracks(func(tracks []webrtc.TrackLocal) error {
		p, _, err := e.registry.GetOrCreate(viewer, domain.RoleHostSide, func(conn ports.PeerConnection) error {
			return attachTracks(conn, tracks)
		})
		peer = p
		return err
	})
	if errors.Is(err, domain.ErrMediaNotReady) {
		e.pendingJoins[viewer] = struct{}{}
		e.logger.Debugw("media not ready, join queued", "peer_id", viewer)
		return nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	e.installCandidateRelay(peer)

	offer, err := peer.Conn.CreateOffer()
	if err != nil {
		e.registry.Remove(viewer)
		tracing.RecordError(ctx, err)
		return fmt.Errorf("create offer: %w", err)
	}
	peer.setOffer(offer)
	peer.setState(domain.PeerOfferSent)

	if err := e.publishTo(ctx, domain.EnvelopeOffer, viewer, offer); err != nil {
		// kept in OFFER_SENT so a re-announce re-sends it
		tracing.RecordError(ctx, err)
		return err
	}
	e.logger.Infow("offer sent", "peer_id", viewer)
	return nil
}

// attachTracks adds the outbound tracks to a new host-side connection. A
// connection created without audio gets a reserved audio sender so a
// microphone that shows up later can still reach it.
func attachTracks(conn ports.PeerConnection, tracks []webrtc.TrackLocal) error {
	hasAudio := false
	for _, t := range tracks {
		if err := conn.AddTrack(t); err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		hasAudio = hasAudio || t.Kind() == webrtc.RTPCodecTypeAudio
	}
	if hasAudio {
		return nil
	}
	if err := conn.ReserveSender(webrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("reserve audio sender: %w", err)
	}
	return nil
}

func (e *NegotiationEngine) handleOffer(ctx context.Context, env *domain.SignalEnvelope) error {
	host := env.From
	if e.cfg.Host != "" && host != e.cfg.Host {
		e.logger.Debugw("ignoring offer from non-host peer", "peer_id", host)
		return nil
	}

	ctx, span := tracing.TraceWebRTC(ctx, "offer", string(host), string(e.cfg.StreamID))
	defer span.End()

	var offer webrtc.SessionDescription
	if err := env.DecodePayload(&offer); err != nil {
		return err
	}

	if peer, ok := e.registry.Get(host); ok && peer.alive() {
		if answer := peer.answerFor(offer.SDP); answer != nil {
			e.logger.Debugw("duplicate offer, re-sending answer", "peer_id", host)
			return e.publishTo(ctx, domain.EnvelopeAnswer, host, answer)
		}
		// a new offer from the same host supersedes the old connection
		e.logger.Infow("replacing connection for new offer", "peer_id", host)
		e.registry.Remove(host)
	}

	peer, _, err := e.registry.GetOrCreate(host, domain.RoleViewerSide, nil)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	e.installCandidateRelay(peer)
	peer.Conn.OnTrack(func(track ports.RemoteTrack) {
		peer.addRemoteTrack(track)
		e.subMu.Lock()
		fn := e.onRemoteTrack
		e.subMu.Unlock()
		if fn != nil {
			fn(host, track)
		}
	})
	peer.setState(domain.PeerOfferReceived)

	for _, c := range e.early[host] {
		peer.bufferCandidate(c, e.cfg.CandidateBuffer)
	}
	delete(e.early, host)

	if err := peer.Conn.SetRemoteDescription(offer); err != nil {
		e.registry.Remove(host)
		tracing.RecordError(ctx, err)
		return fmt.Errorf("apply offer: %w", err)
	}
	e.flushCandidates(peer)

	answer, err := peer.Conn.CreateAnswer()
	if err != nil {
		e.registry.Remove(host)
		tracing.RecordError(ctx, err)
		return fmt.Errorf("create answer: %w", err)
	}
	peer.setAnswer(offer.SDP, answer)
	peer.setState(domain.PeerAnswerExchanged)

	if err := e.publishTo(ctx, domain.EnvelopeAnswer, host, answer); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	e.logger.Infow("answer sent", "peer_id", host)
	return nil
}

func (e *NegotiationEngine) handleAnswer(ctx context.Context, env *domain.SignalEnvelope) error {
	viewer := env.From

	ctx, span := tracing.TraceWebRTC(ctx, "answer", string(viewer), string(e.cfg.StreamID))
	defer span.End()

	peer, ok := e.registry.Get(viewer)
	if !ok {
		e.logger.Debugw("answer for unknown peer", "peer_id", viewer)
		return nil
	}
	if peer.State() != domain.PeerOfferSent {
		e.logger.Debugw("ignoring answer", "peer_id", viewer, "state", peer.State())
		return nil
	}

	var answer webrtc.SessionDescription
	if err := env.DecodePayload(&answer); err != nil {
		return err
	}
	if err := peer.Conn.SetRemoteDescription(answer); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("apply answer: %w", err)
	}
	peer.setState(domain.PeerAnswerExchanged)
	e.flushCandidates(peer)
	return nil
}

func (e *NegotiationEngine) handleCandidate(env *domain.SignalEnvelope) error {
	var candidate webrtc.ICECandidateInit
	if err := env.DecodePayload(&candidate); err != nil {
		return err
	}

	peer, ok := e.registry.Get(env.From)
	if !ok {
		if e.isHost() {
			e.logger.Debugw("candidate for unknown peer", "peer_id", env.From)
			return nil
		}
		if e.cfg.Host != "" && env.From != e.cfg.Host {
			e.logger.Debugw("ignoring candidate from non-host peer", "peer_id", env.From)
			e.metrics.RecordEnvelopeDropped("candidate_foreign")
			return nil
		}
		// the offer may still be on its way
		buf := e.early[env.From]
		if e.cfg.CandidateBuffer > 0 && len(buf) >= e.cfg.CandidateBuffer {
			buf = buf[1:]
			e.metrics.RecordEnvelopeDropped("candidate_overflow")
		}
		e.early[env.From] = append(buf, candidate)
		e.metrics.RecordCandidateBuffered()
		return nil
	}

	if peer.Conn.RemoteDescription() == nil {
		if peer.bufferCandidate(candidate, e.cfg.CandidateBuffer) {
			e.metrics.RecordEnvelopeDropped("candidate_overflow")
		}
		e.metrics.RecordCandidateBuffered()
		return nil
	}
	if err := peer.Conn.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (e *NegotiationEngine) flushCandidates(peer *Peer) {
	for _, c := range peer.takeCandidates() {
		if err := peer.Conn.AddICECandidate(c); err != nil {
			e.logger.Debugw("buffered candidate rejected", "peer_id", peer.ID, "error", err)
		}
	}
}

func (e *NegotiationEngine) installCandidateRelay(peer *Peer) {
	remote := peer.ID
	peer.Conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		e.subMu.Lock()
		ctx := e.ctx
		e.subMu.Unlock()
		if err := e.publishTo(ctx, domain.EnvelopeICE, remote, c); err != nil {
			e.logger.Debugw("candidate publish failed", "peer_id", remote, "error", err)
		}
	})
}
