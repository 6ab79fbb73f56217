package testutils

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

var errNoRemoteDescription = errors.New("remote description not set")

// FakePeerConnection is an in-memory ports.PeerConnection. It gathers one
// local candidate per local description and reports CONNECTED once both
// descriptions are set (and, with RequireCandidate, a remote candidate was
// applied). Callbacks fire on their own goroutines, as pion does.
type FakePeerConnection struct {
	PeerID           domain.PeerID
	Role             domain.PeerRole
	RequireCandidate bool

	self domain.PeerID
	net  *FakeNetwork

	mu         sync.Mutex
	senders    map[webrtc.RTPCodecType]webrtc.TrackLocal
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	applied    []webrtc.ICECandidateInit
	state      webrtc.PeerConnectionState
	sdpCount   int
	replaced   map[webrtc.RTPCodecType]int
	replaceErr error
	closed     bool

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(ports.RemoteTrack)
}

func NewFakePeerConnection(peerID domain.PeerID, role domain.PeerRole) *FakePeerConnection {
	return &FakePeerConnection{
		PeerID:   peerID,
		Role:     role,
		senders:  make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		replaced: make(map[webrtc.RTPCodecType]int),
		state:    webrtc.PeerConnectionStateNew,
	}
}

func (f *FakePeerConnection) AddTrack(track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.senders[track.Kind()]; ok {
		return fmt.Errorf("sender for %s already exists", track.Kind())
	}
	f.senders[track.Kind()] = track
	return nil
}

// ReserveSender stores a placeholder track for kind unless a sender exists.
func (f *FakePeerConnection) ReserveSender(kind webrtc.RTPCodecType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.senders[kind]; ok {
		return nil
	}
	mime := webrtc.MimeTypeVP8
	if kind == webrtc.RTPCodecTypeAudio {
		mime = webrtc.MimeTypePCMU
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "reserved-"+kind.String(), "meshcast")
	if err != nil {
		return err
	}
	f.senders[kind] = track
	return nil
}

// FailReplace makes every later ReplaceTrack return err.
func (f *FakePeerConnection) FailReplace(err error) {
	f.mu.Lock()
	f.replaceErr = err
	f.mu.Unlock()
}

func (f *FakePeerConnection) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return f.replaceErr
	}
	if _, ok := f.senders[kind]; !ok {
		return fmt.Errorf("no %s sender", kind)
	}
	f.senders[kind] = track
	f.replaced[kind]++
	return nil
}

func (f *FakePeerConnection) Replaced(kind webrtc.RTPCodecType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replaced[kind]
}

func (f *FakePeerConnection) LocalTracks() []webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	tracks := make([]webrtc.TrackLocal, 0, len(f.senders))
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if t, ok := f.senders[kind]; ok {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

// Sender returns the track currently sent for kind.
func (f *FakePeerConnection) Sender(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.senders[kind]
}

// describe returns an sdp naming the local tracks so the remote side can
// emit matching remote tracks.
func (f *FakePeerConnection) describe(kind string) string {
	f.sdpCount++
	ids := make([]string, 0, len(f.senders))
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if t, ok := f.senders[kind]; ok {
			ids = append(ids, kind.String()+":"+t.ID())
		}
	}
	return fmt.Sprintf("fake-%s %s %d tracks=%s", kind, f.PeerID, f.sdpCount, strings.Join(ids, ","))
}

func (f *FakePeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("connection closed")
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: f.describe("offer")}
	f.local = &offer
	f.mu.Unlock()

	f.gather()
	return offer, nil
}

func (f *FakePeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("connection closed")
	}
	if f.remote == nil {
		f.mu.Unlock()
		return webrtc.SessionDescription{}, errNoRemoteDescription
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: f.describe("answer")}
	f.local = &answer
	f.mu.Unlock()

	f.gather()
	f.maybeConnect()
	return answer, nil
}

// gather emits one local candidate and, as pion does, appends it to the
// current local description. The description returned by CreateOffer or
// CreateAnswer stays bare.
func (f *FakePeerConnection) gather() {
	f.mu.Lock()
	fn := f.onICE
	c := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s %d udp 1 127.0.0.1 9 typ host", f.PeerID, f.sdpCount)}
	if f.local != nil {
		desc := *f.local
		desc.SDP += "\r\na=" + c.Candidate
		f.local = &desc
	}
	f.mu.Unlock()
	if fn != nil {
		go fn(c)
	}
}

func (f *FakePeerConnection) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *FakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("connection closed")
	}
	f.remote = &desc
	onTrack := f.onTrack
	f.mu.Unlock()

	if desc.Type == webrtc.SDPTypeOffer && onTrack != nil {
		for _, t := range remoteTracksFrom(desc.SDP) {
			go onTrack(t)
		}
	}
	f.maybeConnect()
	return nil
}

func remoteTracksFrom(sdp string) []*FakeRemoteTrack {
	_, list, ok := strings.Cut(sdp, "tracks=")
	list, _, _ = strings.Cut(list, "\r\n")
	if !ok || list == "" {
		return nil
	}
	var tracks []*FakeRemoteTrack
	for _, entry := range strings.Split(list, ",") {
		kind, id, _ := strings.Cut(entry, ":")
		tracks = append(tracks, &FakeRemoteTrack{
			TrackID: id,
			Stream:  "meshcast",
			Codec:   webrtc.NewRTPCodecType(kind),
		})
	}
	return tracks
}

func (f *FakePeerConnection) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *FakePeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	if f.remote == nil {
		f.mu.Unlock()
		return errNoRemoteDescription
	}
	f.applied = append(f.applied, candidate)
	f.mu.Unlock()

	f.maybeConnect()
	return nil
}

// AppliedCandidates returns the remote candidates accepted so far.
func (f *FakePeerConnection) AppliedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.applied...)
}

func (f *FakePeerConnection) maybeConnect() {
	f.mu.Lock()
	ready := f.local != nil && f.remote != nil && (!f.RequireCandidate || len(f.applied) > 0)
	if !ready || f.state != webrtc.PeerConnectionStateNew {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.setState(webrtc.PeerConnectionStateConnected)
}

func (f *FakePeerConnection) setState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	if f.state == s || f.state == webrtc.PeerConnectionStateClosed {
		f.mu.Unlock()
		return
	}
	f.state = s
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		go fn(s)
	}
}

// Fail simulates an ICE or DTLS failure.
func (f *FakePeerConnection) Fail() {
	f.setState(webrtc.PeerConnectionStateFailed)
}

func (f *FakePeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onICE = fn
	f.mu.Unlock()
}

func (f *FakePeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *FakePeerConnection) OnTrack(fn func(ports.RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *FakePeerConnection) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakePeerConnection) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	f.setState(webrtc.PeerConnectionStateClosed)
	if f.net != nil {
		f.net.hangUp(f)
	}
	return nil
}

func (f *FakePeerConnection) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// FakeRemoteTrack satisfies ports.RemoteTrack and reads nothing.
type FakeRemoteTrack struct {
	TrackID string
	Stream  string
	Codec   webrtc.RTPCodecType
}

func (t *FakeRemoteTrack) ID() string { return t.TrackID }
func (t *FakeRemoteTrack) StreamID() string { return t.Stream }
func (t *FakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.Codec }

func (t *FakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

// FakeFactory hands out FakePeerConnections and remembers them per peer.
type FakeFactory struct {
	RequireCandidate bool

	self domain.PeerID
	net  *FakeNetwork

	mu    sync.Mutex
	err   error
	conns map[domain.PeerID][]*FakePeerConnection
}

func NewFakeFactory() *FakeFactory {
	return &FakeFactory{conns: make(map[domain.PeerID][]*FakePeerConnection)}
}

// FailWith makes NewPeerConnection return err until reset with nil.
func (f *FakeFactory) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *FakeFactory) NewPeerConnection(peerID domain.PeerID, role domain.PeerRole) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	conn := NewFakePeerConnection(peerID, role)
	conn.RequireCandidate = f.RequireCandidate
	conn.self = f.self
	conn.net = f.net
	f.conns[peerID] = append(f.conns[peerID], conn)
	if f.net != nil {
		f.net.attach(conn)
	}
	return conn, nil
}

// Conns returns every connection created for peerID, oldest first.
func (f *FakeFactory) Conns(peerID domain.PeerID) []*FakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakePeerConnection(nil), f.conns[peerID]...)
}

// Last returns the newest connection for peerID, or nil.
func (f *FakeFactory) Last(peerID domain.PeerID) *FakePeerConnection {
	conns := f.Conns(peerID)
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

func (f *FakeFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.conns {
		n += len(c)
	}
	return n
}

// FakeNetwork pairs the connections of several participants: closing one
// end fails the other, the way a remote hang-up surfaces in pion.
type FakeNetwork struct {
	RequireCandidate bool

	mu    sync.Mutex
	conns map[[2]domain.PeerID]*FakePeerConnection
}

func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{conns: make(map[[2]domain.PeerID]*FakePeerConnection)}
}

// Factory returns the connection factory of participant self.
func (n *FakeNetwork) Factory(self domain.PeerID) *FakeFactory {
	f := NewFakeFactory()
	f.RequireCandidate = n.RequireCandidate
	f.self = self
	f.net = n
	return f
}

func (n *FakeNetwork) attach(conn *FakePeerConnection) {
	n.mu.Lock()
	n.conns[[2]domain.PeerID{conn.self, conn.PeerID}] = conn
	n.mu.Unlock()
}

func (n *FakeNetwork) hangUp(conn *FakePeerConnection) {
	n.mu.Lock()
	own := [2]domain.PeerID{conn.self, conn.PeerID}
	if n.conns[own] == conn {
		delete(n.conns, own)
	}
	remote := n.conns[[2]domain.PeerID{conn.PeerID, conn.self}]
	n.mu.Unlock()

	if remote != nil {
		remote.Fail()
	}
}

// StaticIdentity is a fixed ports.Identity.
type StaticIdentity domain.PeerID

func (s StaticIdentity) PeerID() domain.PeerID { return domain.PeerID(s) }
