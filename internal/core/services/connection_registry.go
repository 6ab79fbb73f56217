package services

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Peer is one live connection held by a ConnectionRegistry.
type Peer struct {
	ID   domain.PeerID
	Role domain.PeerRole
	Conn ports.PeerConnection

	generation uint64
	createdAt  time.Time

	mu           sync.Mutex
	state        domain.PeerState
	candidates   []webrtc.ICECandidateInit
	remoteTracks []ports.RemoteTrack

	// host side: the offer published for this peer
	offer *webrtc.SessionDescription
	// viewer side: the offer applied and the answer sent for it
	appliedOffer string
	answer       *webrtc.SessionDescription
}

func (p *Peer) State() domain.PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// setState moves the peer to s. CLOSED is terminal and CONNECTED is only
// left for CLOSED. It reports whether the state changed.
func (p *Peer) setState(s domain.PeerState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == s || p.state.Terminal() {
		return false
	}
	if p.state == domain.PeerConnected && s != domain.PeerClosed {
		return false
	}
	p.state = s
	return true
}

func (p *Peer) alive() bool {
	if p.State().Terminal() {
		return false
	}
	switch p.Conn.ConnectionState() {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return false
	}
	return true
}

// bufferCandidate queues c until the remote description is applied. When
// the queue is full the oldest candidate is dropped.
func (p *Peer) bufferCandidate(c webrtc.ICECandidateInit, limit int) (dropped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limit > 0 && len(p.candidates) >= limit {
		p.candidates = p.candidates[1:]
		dropped = true
	}
	p.candidates = append(p.candidates, c)
	return dropped
}

func (p *Peer) takeCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.candidates
	p.candidates = nil
	return c
}

func (p *Peer) addRemoteTrack(t ports.RemoteTrack) {
	p.mu.Lock()
	p.remoteTracks = append(p.remoteTracks, t)
	p.mu.Unlock()
}

func (p *Peer) RemoteTracks() []ports.RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.RemoteTrack(nil), p.remoteTracks...)
}

func (p *Peer) setOffer(offer webrtc.SessionDescription) {
	p.mu.Lock()
	p.offer = &offer
	p.mu.Unlock()
}

func (p *Peer) pendingOffer() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offer
}

func (p *Peer) setAnswer(offerSDP string, answer webrtc.SessionDescription) {
	p.mu.Lock()
	p.appliedOffer = withoutCandidates(offerSDP)
	p.answer = &answer
	p.mu.Unlock()
}

// answerFor returns the answer already sent for offerSDP, if any. An offer
// re-sent with its gathered candidates counts as the same offer.
func (p *Peer) answerFor(offerSDP string) *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.answer != nil && p.appliedOffer == withoutCandidates(offerSDP) {
		return p.answer
	}
	return nil
}

func withoutCandidates(sdp string) string {
	lines := strings.Split(sdp, "\r\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(line, "a=candidate:") || line == "a=end-of-candidates" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\r\n")
}

func (p *Peer) Info() domain.PeerInfo {
	info := domain.PeerInfo{
		ID:    p.ID,
		Role:  p.Role,
		State: p.State(),
	}
	for _, t := range p.Conn.LocalTracks() {
		info.LocalTracks = append(info.LocalTracks, t.ID())
	}
	for _, t := range p.RemoteTracks() {
		info.RemoteTracks = append(info.RemoteTracks, t.ID())
	}
	return info
}

// ConnectionRegistry owns the peer id to connection map of one session.
type ConnectionRegistry struct {
	factory  ports.PeerConnectionFactory
	maxPeers int
	metrics  ports.MetricsCollector
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	peers   map[domain.PeerID]*Peer
	nextGen uint64
}

// NewConnectionRegistry creates a registry. maxPeers of 0 means unlimited.
func NewConnectionRegistry(factory ports.PeerConnectionFactory, maxPeers int, metrics ports.MetricsCollector, logger *zap.SugaredLogger) *ConnectionRegistry {
	return &ConnectionRegistry{
		factory:  factory,
		maxPeers: maxPeers,
		metrics:  metrics,
		logger:   logger,
		peers:    make(map[domain.PeerID]*Peer),
	}
}

// GetOrCreate returns the live connection for peerID, or creates one. init
// runs on a new connection before it becomes visible to other callers; if
// it fails the connection is closed and never registered.
func (r *ConnectionRegistry) GetOrCreate(peerID domain.PeerID, role domain.PeerRole, init func(ports.PeerConnection) error) (*Peer, bool, error) {
	r.mu.Lock()

	var stale *Peer
	if existing, ok := r.peers[peerID]; ok {
		if existing.alive() {
			r.mu.Unlock()
			return existing, false, nil
		}
		stale = existing
		delete(r.peers, peerID)
	}

	var evicted *Peer
	if r.maxPeers > 0 && len(r.peers) >= r.maxPeers {
		// a viewer that never answered holds no ICE session that could
		// fail, so its slot is only reclaimed here
		evicted = r.oldestUnanswered()
		if evicted == nil {
			r.mu.Unlock()
			r.closePeer(stale)
			return nil, false, fmt.Errorf("%w: %d peers", domain.ErrPeerCapacityReached, r.maxPeers)
		}
		delete(r.peers, evicted.ID)
	}

	peer, err := r.create(peerID, role, init)
	if err == nil {
		r.peers[peerID] = peer
	} else if evicted != nil {
		r.peers[evicted.ID] = evicted
		evicted = nil
	}
	r.mu.Unlock()

	r.closePeer(stale)
	if evicted != nil {
		r.logger.Infow("evicted unanswered peer at capacity", "peer_id", evicted.ID, "new_peer_id", peerID)
		r.closePeer(evicted)
	}
	if err != nil {
		return nil, false, err
	}

	r.metrics.RecordPeerOpened(role)
	r.logger.Debugw("peer connection created", "peer_id", peerID, "role", role)
	return peer, true, nil
}

// oldestUnanswered returns the longest waiting peer still in OFFER_SENT.
// Must be called with r.mu held.
func (r *ConnectionRegistry) oldestUnanswered() *Peer {
	var oldest *Peer
	for _, p := range r.peers {
		if p.State() != domain.PeerOfferSent {
			continue
		}
		if oldest == nil || p.generation < oldest.generation {
			oldest = p
		}
	}
	return oldest
}

// create must be called with r.mu held.
func (r *ConnectionRegistry) create(peerID domain.PeerID, role domain.PeerRole, init func(ports.PeerConnection) error) (*Peer, error) {
	conn, err := r.factory.NewPeerConnection(peerID, role)
	if err != nil {
		return nil, fmt.Errorf("create connection for %s: %w", peerID, err)
	}

	r.nextGen++
	peer := &Peer{
		ID:         peerID,
		Role:       role,
		Conn:       conn,
		generation: r.nextGen,
		createdAt:  time.Now(),
		state:      domain.PeerNew,
	}
	if init != nil {
		if err := init(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("init connection for %s: %w", peerID, err)
		}
	}
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		r.onConnectionState(peer, s)
	})
	return peer, nil
}

func (r *ConnectionRegistry) onConnectionState(peer *Peer, s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if peer.setState(domain.PeerConnected) {
			r.metrics.RecordPeerConnected(peer.Role, time.Since(peer.createdAt))
			r.logger.Infow("peer connected", "peer_id", peer.ID, "role", peer.Role)
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		if peer.State() != domain.PeerConnected && !peer.State().Terminal() {
			r.logger.Infow("negotiation ended before connecting",
				"peer_id", peer.ID,
				"state", peer.State(),
				"error", domain.ErrNegotiationStalled,
			)
		}
		r.removeGeneration(peer.ID, peer.generation)
	}
}

// removeGeneration evicts peerID only if the entry is still the connection
// that reported, so a late callback never evicts its replacement.
func (r *ConnectionRegistry) removeGeneration(peerID domain.PeerID, generation uint64) {
	r.mu.Lock()
	peer, ok := r.peers[peerID]
	if !ok || peer.generation != generation {
		r.mu.Unlock()
		return
	}
	delete(r.peers, peerID)
	r.mu.Unlock()

	r.closePeer(peer)
}

// Remove closes and evicts peerID. Removing an unknown id is a no-op.
func (r *ConnectionRegistry) Remove(peerID domain.PeerID) {
	r.mu.Lock()
	peer, ok := r.peers[peerID]
	delete(r.peers, peerID)
	r.mu.Unlock()

	if ok {
		r.closePeer(peer)
	}
}

func (r *ConnectionRegistry) closePeer(peer *Peer) {
	if peer == nil || !peer.setState(domain.PeerClosed) {
		return
	}
	if err := peer.Conn.Close(); err != nil {
		r.logger.Debugw("error closing peer connection", "peer_id", peer.ID, "error", err)
	}
	r.metrics.RecordPeerClosed(peer.Role)
	r.logger.Infow("peer connection removed", "peer_id", peer.ID, "role", peer.Role)
}

func (r *ConnectionRegistry) Get(peerID domain.PeerID) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[peerID]
	return peer, ok
}

func (r *ConnectionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *ConnectionRegistry) snapshot() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

func (r *ConnectionRegistry) Peers() []domain.PeerInfo {
	peers := r.snapshot()
	infos := make([]domain.PeerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, p.Info())
	}
	return infos
}

// ForEach calls fn for every peer in a snapshot of the registry. A failing
// or panicking fn never stops the iteration; the failures are returned
// joined.
func (r *ConnectionRegistry) ForEach(fn func(*Peer) error) error {
	var errs []error
	for _, peer := range r.snapshot() {
		if err := r.call(peer, fn); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", peer.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *ConnectionRegistry) call(peer *Peer, fn func(*Peer) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("panic in peer operation", "peer_id", peer.ID, "panic", rec)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(peer)
}

// CloseAll closes and evicts every peer.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[domain.PeerID]*Peer)
	r.mu.Unlock()

	for _, peer := range peers {
		r.closePeer(peer)
	}
}
