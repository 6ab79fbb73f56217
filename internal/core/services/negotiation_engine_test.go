package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/internal/testutils"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiationEngine_EveryViewerGetsOneConnection(t *testing.T) {
	r := newTestRelay()
	net := testutils.NewFakeNetwork()
	host := newHost(t, r, net.Factory("host"))

	const n = 5
	viewers := make([]*viewerFixture, 0, n)
	for i := 0; i < n; i++ {
		id := domain.PeerID(fmt.Sprintf("viewer-%d", i))
		viewers = append(viewers, newViewer(t, r, net.Factory(id), id))
	}

	eventually(t, func() bool {
		return host.registry.Len() == n && allConnected(host.registry)
	}, "host should hold one connected peer per viewer")
	for _, v := range viewers {
		v := v
		eventually(t, func() bool {
			return v.registry.Len() == 1 && allConnected(v.registry)
		}, "viewer should be connected to the host")
	}

	// connected viewers announcing again must not create duplicates
	for _, v := range viewers {
		require.NoError(t, v.engine.Announce(context.Background()))
	}
	assert.Never(t, func() bool {
		return host.factory.Created() != n || host.registry.Len() != n
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestNegotiationEngine_ReannounceResendsPendingOffer(t *testing.T) {
	ctx := context.Background()
	r := newTestRelay()
	host := newHost(t, r, testutils.NewFakeFactory())

	sub, err := r.Subscribe(ctx, testStream, "viewer-1")
	require.NoError(t, err)
	defer r.Unsubscribe(sub)

	join, err := domain.NewBroadcastEnvelope(domain.EnvelopeViewerJoin, testStream, "viewer-1", nil)
	require.NoError(t, err)

	require.NoError(t, r.Publish(ctx, join))
	first := receiveType(t, sub, domain.EnvelopeOffer)

	require.NoError(t, r.Publish(ctx, join))
	second := receiveType(t, sub, domain.EnvelopeOffer)

	var firstOffer, secondOffer webrtc.SessionDescription
	require.NoError(t, first.DecodePayload(&firstOffer))
	require.NoError(t, second.DecodePayload(&secondOffer))
	assert.Equal(t, webrtc.SDPTypeOffer, secondOffer.Type)
	// the repeat is the same offer plus the candidates gathered since
	assert.True(t, strings.HasPrefix(secondOffer.SDP, firstOffer.SDP))
	assert.NotContains(t, firstOffer.SDP, "a=candidate:")
	assert.Contains(t, secondOffer.SDP, "a=candidate:")
	assert.Equal(t, 1, host.factory.Created())

	peer, ok := host.registry.Get("viewer-1")
	require.True(t, ok)
	assert.Equal(t, domain.PeerOfferSent, peer.State())
}

func candidateEnvelope(t *testing.T, from, to domain.PeerID, n int) *domain.SignalEnvelope {
	t.Helper()
	env, err := domain.NewAddressedEnvelope(domain.EnvelopeICE, testStream, from, to, webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000 typ host", n, n),
	})
	require.NoError(t, err)
	return env
}

func offerEnvelope(t *testing.T, from, to domain.PeerID, sdp string) *domain.SignalEnvelope {
	t.Helper()
	env, err := domain.NewAddressedEnvelope(domain.EnvelopeOffer, testStream, from, to, webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	require.NoError(t, err)
	return env
}

func answerEnvelope(t *testing.T, from, to domain.PeerID, sdp string) *domain.SignalEnvelope {
	t.Helper()
	env, err := domain.NewAddressedEnvelope(domain.EnvelopeAnswer, testStream, from, to, webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	require.NoError(t, err)
	return env
}

func newBareViewer(t *testing.T, factory *testutils.FakeFactory, buffer int) (*NegotiationEngine, *ConnectionRegistry) {
	t.Helper()
	cfg := engineConfig("viewer-1", domain.RoleViewerSide)
	cfg.Host = "host"
	cfg.CandidateBuffer = buffer
	registry := NewConnectionRegistry(factory, 0, nopMetrics, testLogger())
	return NewNegotiationEngine(cfg, newTestRelay(), registry, nil, nopMetrics, testLogger()), registry
}

func TestNegotiationEngine_CandidateOrderDoesNotMatter(t *testing.T) {
	tests := []struct {
		name  string
		order []string
	}{
		{name: "offer first", order: []string{"offer", "ice"}},
		{name: "candidate first", order: []string{"ice", "offer"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := testutils.NewFakeFactory()
			factory.RequireCandidate = true
			engine, registry := newBareViewer(t, factory, 8)

			envs := map[string]*domain.SignalEnvelope{
				"offer": offerEnvelope(t, "host", "viewer-1", "fake-offer host 1 tracks=video:camera-1"),
				"ice":   candidateEnvelope(t, "host", "viewer-1", 1),
			}
			for _, step := range tt.order {
				engine.HandleEnvelope(context.Background(), envs[step])
			}

			conn := factory.Last("host")
			require.NotNil(t, conn)
			eventually(t, func() bool {
				peer, ok := registry.Get("host")
				return ok && peer.State() == domain.PeerConnected
			}, "viewer should connect")
			assert.Len(t, conn.AppliedCandidates(), 1)
		})
	}
}

func TestNegotiationEngine_HostCandidateOrderDoesNotMatter(t *testing.T) {
	tests := []struct {
		name  string
		order []string
	}{
		{name: "answer first", order: []string{"answer", "ice"}},
		{name: "candidate first", order: []string{"ice", "answer"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			factory := testutils.NewFakeFactory()
			factory.RequireCandidate = true
			host := newHost(t, newTestRelay(), factory)

			join, err := domain.NewBroadcastEnvelope(domain.EnvelopeViewerJoin, testStream, "viewer-1", nil)
			require.NoError(t, err)
			host.engine.HandleEnvelope(ctx, join)

			peer, ok := host.registry.Get("viewer-1")
			require.True(t, ok)
			require.Equal(t, domain.PeerOfferSent, peer.State())

			envs := map[string]*domain.SignalEnvelope{
				"answer": answerEnvelope(t, "viewer-1", "host", "fake-answer host 1 tracks="),
				"ice":    candidateEnvelope(t, "viewer-1", "host", 1),
			}
			for _, step := range tt.order {
				host.engine.HandleEnvelope(ctx, envs[step])
			}

			conn := factory.Last("viewer-1")
			require.NotNil(t, conn)
			eventually(t, func() bool {
				return peer.State() == domain.PeerConnected
			}, "host should connect to the viewer")
			applied := conn.AppliedCandidates()
			require.Len(t, applied, 1)
			assert.Contains(t, applied[0].Candidate, "10.0.0.1")
		})
	}
}

func TestNegotiationEngine_ViewerIgnoresEarlyCandidatesFromOthers(t *testing.T) {
	factory := testutils.NewFakeFactory()
	engine, _ := newBareViewer(t, factory, 8)
	ctx := context.Background()

	engine.HandleEnvelope(ctx, candidateEnvelope(t, "mallory", "viewer-1", 1))
	engine.HandleEnvelope(ctx, candidateEnvelope(t, "host", "viewer-1", 2))

	engine.mu.Lock()
	assert.NotContains(t, engine.early, domain.PeerID("mallory"))
	assert.Len(t, engine.early["host"], 1)
	engine.mu.Unlock()

	engine.HandleEnvelope(ctx, offerEnvelope(t, "host", "viewer-1", "fake-offer host 1 tracks="))
	applied := factory.Last("host").AppliedCandidates()
	require.Len(t, applied, 1)
	assert.Contains(t, applied[0].Candidate, "10.0.0.2")
}

func TestNegotiationEngine_EarlyCandidateBufferIsBounded(t *testing.T) {
	factory := testutils.NewFakeFactory()
	engine, _ := newBareViewer(t, factory, 2)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		engine.HandleEnvelope(ctx, candidateEnvelope(t, "host", "viewer-1", i))
	}
	engine.HandleEnvelope(ctx, offerEnvelope(t, "host", "viewer-1", "fake-offer host 1 tracks="))

	applied := factory.Last("host").AppliedCandidates()
	require.Len(t, applied, 2)
	assert.Contains(t, applied[0].Candidate, "10.0.0.2")
	assert.Contains(t, applied[1].Candidate, "10.0.0.3")
}

func TestNegotiationEngine_DuplicateOfferResendsAnswer(t *testing.T) {
	ctx := context.Background()
	factory := testutils.NewFakeFactory()
	cfg := engineConfig("viewer-1", domain.RoleViewerSide)
	r := newTestRelay()
	registry := NewConnectionRegistry(factory, 0, nopMetrics, testLogger())
	engine := NewNegotiationEngine(cfg, r, registry, nil, nopMetrics, testLogger())

	hostSub, err := r.Subscribe(ctx, testStream, "host")
	require.NoError(t, err)
	defer r.Unsubscribe(hostSub)

	offer := offerEnvelope(t, "host", "viewer-1", "fake-offer host 1 tracks=video:camera-1")
	engine.HandleEnvelope(ctx, offer)
	first := receiveType(t, hostSub, domain.EnvelopeAnswer)

	engine.HandleEnvelope(ctx, offer)
	second := receiveType(t, hostSub, domain.EnvelopeAnswer)

	assert.JSONEq(t, string(first.Payload), string(second.Payload))
	assert.Equal(t, 1, factory.Created())

	// the same offer re-sent with its candidates is still a duplicate
	engine.HandleEnvelope(ctx, offerEnvelope(t, "host", "viewer-1", "fake-offer host 1 tracks=video:camera-1\r\na=candidate:host 1 udp 1 127.0.0.1 9 typ host"))
	third := receiveType(t, hostSub, domain.EnvelopeAnswer)
	assert.JSONEq(t, string(first.Payload), string(third.Payload))
	assert.Equal(t, 1, factory.Created())

	// a different offer from the same host replaces the connection
	engine.HandleEnvelope(ctx, offerEnvelope(t, "host", "viewer-1", "fake-offer host 2 tracks=video:screen-2"))
	receiveType(t, hostSub, domain.EnvelopeAnswer)

	conns := factory.Conns("host")
	require.Len(t, conns, 2)
	assert.True(t, conns[0].Closed())
	assert.Equal(t, 1, registry.Len())
}

func TestNegotiationEngine_IgnoresEnvelopesNotForIt(t *testing.T) {
	factory := testutils.NewFakeFactory()
	engine, registry := newBareViewer(t, factory, 8)
	ctx := context.Background()

	otherStream, err := domain.NewAddressedEnvelope(domain.EnvelopeOffer, "stream-2", "host", "viewer-1",
		webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"})
	require.NoError(t, err)

	for _, env := range []*domain.SignalEnvelope{
		otherStream,
		offerEnvelope(t, "host", "viewer-2", "addressed elsewhere"),
		offerEnvelope(t, "viewer-1", "viewer-1", "from self"),
		offerEnvelope(t, "mallory", "viewer-1", "not the host"),
		nil,
	} {
		engine.HandleEnvelope(ctx, env)
	}

	assert.Equal(t, 0, factory.Created())
	assert.Equal(t, 0, registry.Len())
}

func TestNegotiationEngine_HostDropsCandidatesForUnknownPeers(t *testing.T) {
	factory := testutils.NewFakeFactory()
	registry := NewConnectionRegistry(factory, 0, nopMetrics, testLogger())
	engine := NewNegotiationEngine(engineConfig("host", domain.RoleHostSide), newTestRelay(), registry, nil, nopMetrics, testLogger())

	engine.HandleEnvelope(context.Background(), candidateEnvelope(t, "viewer-9", "host", 1))

	assert.Equal(t, 0, factory.Created())
}

func TestNegotiationEngine_PendingJoinsReplayWhenMediaReady(t *testing.T) {
	ctx := context.Background()
	factory := testutils.NewFakeFactory()
	registry := NewConnectionRegistry(factory, 0, nopMetrics, testLogger())
	media := NewMediaSourceController(testutils.NewFakeCaptureProvider("cam-a"), nil, registry, nopMetrics, testLogger())
	engine := NewNegotiationEngine(engineConfig("host", domain.RoleHostSide), newTestRelay(), registry, media, nopMetrics, testLogger())
	defer media.Release()

	join, err := domain.NewBroadcastEnvelope(domain.EnvelopeViewerJoin, testStream, "viewer-1", nil)
	require.NoError(t, err)
	engine.HandleEnvelope(ctx, join)

	assert.Equal(t, 1, engine.PendingJoins())
	assert.Equal(t, 0, factory.Created())

	media.OnReady(func() { engine.ReplayPendingJoins(ctx) })
	require.NoError(t, media.Acquire(ctx, domain.MediaCamera))

	assert.Equal(t, 0, engine.PendingJoins())
	peer, ok := registry.Get("viewer-1")
	require.True(t, ok)
	assert.Equal(t, domain.PeerOfferSent, peer.State())
	assert.Len(t, peer.Conn.LocalTracks(), 2)
}

func TestNegotiationEngine_ResubscribesAfterTransportLoss(t *testing.T) {
	r := newTestRelay()
	net := testutils.NewFakeNetwork()
	host := newHost(t, r, net.Factory("host"))

	r.Fail(errors.New("broker restarted"))

	viewer := newViewer(t, r, net.Factory("viewer-1"), "viewer-1")

	eventually(t, func() bool {
		return host.registry.Len() == 1 && allConnected(host.registry)
	}, "host should resubscribe and answer the viewer")
	eventually(t, func() bool { return allConnected(viewer.registry) && viewer.registry.Len() == 1 },
		"viewer should connect")
}

func TestNegotiationEngine_ViewerReannouncesAfterConnectionLoss(t *testing.T) {
	r := newTestRelay()
	net := testutils.NewFakeNetwork()
	host := newHost(t, r, net.Factory("host"))
	viewer := newViewer(t, r, net.Factory("viewer-1"), "viewer-1")

	eventually(t, func() bool { return viewer.registry.Len() == 1 && allConnected(viewer.registry) },
		"viewer should connect")

	// the host side drops; the viewer notices and asks again
	host.factory.Last("viewer-1").Fail()

	eventually(t, func() bool { return host.factory.Created() == 2 }, "host should negotiate a new connection")
	eventually(t, func() bool { return host.registry.Len() == 1 && allConnected(host.registry) },
		"the new connection should come up")
}

func TestNegotiationEngine_RemoteTracksReachViewer(t *testing.T) {
	r := newTestRelay()
	net := testutils.NewFakeNetwork()
	newHost(t, r, net.Factory("host"))

	got := make(chan string, 4)
	cfg := engineConfig("viewer-1", domain.RoleViewerSide)
	registry := NewConnectionRegistry(net.Factory("viewer-1"), 0, nopMetrics, testLogger())
	engine := NewNegotiationEngine(cfg, r, registry, nil, nopMetrics, testLogger())
	engine.OnRemoteTrack(func(from domain.PeerID, track ports.RemoteTrack) {
		got <- track.Kind().String()
	})
	require.NoError(t, engine.Start(context.Background()))
	defer registry.CloseAll()
	defer engine.Stop()

	kinds := map[string]bool{}
	for len(kinds) < 2 {
		select {
		case k := <-got:
			kinds[k] = true
		case <-time.After(3 * time.Second):
			t.Fatal("remote tracks not received")
		}
	}
	assert.True(t, kinds["video"])
	assert.True(t, kinds["audio"])
}
