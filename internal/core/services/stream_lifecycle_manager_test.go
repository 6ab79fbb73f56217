package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/internal/infrastructure/repositories/memory"
	"meshcast/internal/testutils"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) Save(ctx context.Context, session *domain.StreamSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	args := m.Called(ctx, id)
	session, _ := args.Get(0).(*domain.StreamSession)
	return session, args.Error(1)
}

func (m *MockSessionRepository) ListLive(ctx context.Context, streamID domain.StreamID) ([]*domain.StreamSession, error) {
	args := m.Called(ctx, streamID)
	sessions, _ := args.Get(0).([]*domain.StreamSession)
	return sessions, args.Error(1)
}

func lifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		CandidateBuffer:       16,
		HeartbeatInterval:     20 * time.Millisecond,
		PresenceTTL:           time.Second,
		PresencePoll:          20 * time.Millisecond,
		AnnounceInterval:      100 * time.Millisecond,
		ResubscribeMaxBackoff: 500 * time.Millisecond,
	}
}

// mesh is a shared signaling relay, session store, presence store and
// network that several participants join.
type mesh struct {
	relay    ports.SignalingRelay
	sessions ports.SessionRepository
	presence *countingPresence
	net      *testutils.FakeNetwork
}

func newMesh() *mesh {
	return &mesh{
		relay:    newTestRelay(),
		sessions: memory.NewMemorySessionRepository(),
		presence: newCountingPresence(),
		net:      testutils.NewFakeNetwork(),
	}
}

type participant struct {
	manager  *StreamLifecycleManager
	factory  *testutils.FakeFactory
	provider *testutils.FakeCaptureProvider
}

func (m *mesh) join(t *testing.T, id domain.PeerID) *participant {
	t.Helper()
	p := &participant{
		factory:  m.net.Factory(id),
		provider: testutils.NewFakeCaptureProvider("cam-a", "cam-b"),
	}
	p.manager = NewStreamLifecycleManager(LifecycleDeps{
		Identity: testutils.StaticIdentity(id),
		Relay:    m.relay,
		Sessions: m.sessions,
		Presence: m.presence,
		Factory:  p.factory,
		Capture:  p.provider,
		Mixer:    &testutils.FakeMixer{},
		Metrics:  nopMetrics,
		Logger:   testLogger(),
	}, lifecycleConfig())
	t.Cleanup(func() {
		ctx := context.Background()
		if p.manager.Role() == domain.RoleViewerSide {
			_ = p.manager.LeaveAsViewer(ctx)
		} else {
			_ = p.manager.StopBroadcast(ctx)
		}
	})
	return p
}

func peersConnected(m *StreamLifecycleManager, n int) bool {
	peers := m.Peers()
	if len(peers) != n {
		return false
	}
	for _, p := range peers {
		if p.State != domain.PeerConnected {
			return false
		}
	}
	return true
}

func TestStreamLifecycleManager_BroadcastScenario(t *testing.T) {
	ctx := context.Background()
	m := newMesh()
	host := m.join(t, "host")
	viewer := m.join(t, "viewer-1")

	session, err := host.manager.StartBroadcast(ctx, testStream)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionLive, session.Status)
	assert.Equal(t, domain.PeerID("host"), session.HostID)

	require.NoError(t, viewer.manager.JoinAsViewer(ctx, testStream))
	assert.Equal(t, domain.LifecycleLive, viewer.manager.Status())
	assert.Equal(t, session.ID, viewer.manager.Session().ID)

	eventually(t, func() bool { return peersConnected(host.manager, 1) }, "host should connect to the viewer")
	eventually(t, func() bool { return peersConnected(viewer.manager, 1) }, "viewer should connect to the host")

	require.NoError(t, host.manager.SwitchMediaSource(ctx, domain.MediaScreen))

	state, err := host.manager.MediaState()
	require.NoError(t, err)
	assert.Equal(t, domain.MediaScreen, state.ActiveKind)

	conn := host.factory.Last("viewer-1")
	assert.False(t, conn.Closed())
	assert.Equal(t, host.provider.LastScreen().Video.Track(), conn.Sender(webrtc.RTPCodecTypeVideo))
	assert.Equal(t, 1, host.factory.Created(), "switching source must not renegotiate")
	assert.True(t, peersConnected(host.manager, 1))

	require.NoError(t, host.manager.StopBroadcast(ctx))
	assert.Equal(t, domain.LifecycleEnded, host.manager.Status())

	stored, err := m.sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionEnded, stored.Status)
	assert.NotNil(t, stored.EndedAt)

	assert.Empty(t, host.manager.Peers())
	eventually(t, func() bool { return len(viewer.manager.Peers()) == 0 }, "viewer should see the host hang up")
}

func TestStreamLifecycleManager_StopReleasesEverything(t *testing.T) {
	ctx := context.Background()
	m := newMesh()
	host := m.join(t, "host")

	_, err := host.manager.StartBroadcast(ctx, testStream)
	require.NoError(t, err)
	eventually(t, func() bool { return m.presence.Writes("host") >= 2 }, "host heartbeats")

	require.NoError(t, host.manager.StopBroadcast(ctx))

	assert.True(t, host.provider.LastCamera().Stopped())
	assert.True(t, host.provider.LastMic().Stopped())

	live, err := m.sessions.ListLive(ctx, testStream)
	require.NoError(t, err)
	assert.Empty(t, live)

	writes := m.presence.Writes("host")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, writes, m.presence.Writes("host"), "no heartbeats after stop")
}

func TestStreamLifecycleManager_StopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	host := newMesh().join(t, "host")

	_, err := host.manager.StartBroadcast(ctx, testStream)
	require.NoError(t, err)

	require.NoError(t, host.manager.StopBroadcast(ctx))
	require.NoError(t, host.manager.StopBroadcast(ctx))

	_, err = host.manager.StartBroadcast(ctx, testStream)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = host.manager.SwitchMediaSource(ctx, domain.MediaScreen)
	assert.ErrorIs(t, err, domain.ErrSessionEnded)
}

func TestStreamLifecycleManager_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	p := newMesh().join(t, "host")

	assert.ErrorIs(t, p.manager.StopBroadcast(ctx), domain.ErrInvalidTransition)
	assert.ErrorIs(t, p.manager.LeaveAsViewer(ctx), domain.ErrInvalidTransition)

	_, err := p.manager.ToggleMic()
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = p.manager.ActiveViewers(ctx)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = p.manager.StartBroadcast(ctx, testStream)
	require.NoError(t, err)
	_, err = p.manager.StartBroadcast(ctx, testStream)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.ErrorIs(t, p.manager.JoinAsViewer(ctx, testStream), domain.ErrInvalidTransition)
}

func TestStreamLifecycleManager_CameraFailureAbortsStart(t *testing.T) {
	ctx := context.Background()
	m := newMesh()
	host := m.join(t, "host")
	host.provider.FailCamera(errors.New("permission denied"))

	_, err := host.manager.StartBroadcast(ctx, testStream)
	assert.ErrorIs(t, err, domain.ErrMediaAcquisitionFailed)
	assert.Equal(t, domain.LifecycleIdle, host.manager.Status())
	assert.Nil(t, host.manager.Session())

	live, err := m.sessions.ListLive(ctx, testStream)
	require.NoError(t, err)
	assert.Empty(t, live)
	assert.Zero(t, m.presence.Writes("host"))

	host.provider.FailCamera(nil)
	_, err = host.manager.StartBroadcast(ctx, testStream)
	require.NoError(t, err)
	assert.Equal(t, domain.LifecycleLive, host.manager.Status())
}

func TestStreamLifecycleManager_PersistenceFailureAbortsStart(t *testing.T) {
	ctx := context.Background()
	sessions := new(MockSessionRepository)
	sessions.On("Save", mock.Anything, mock.AnythingOfType("*domain.StreamSession")).Return(errors.New("disk full"))

	provider := testutils.NewFakeCaptureProvider("cam-a")
	manager := NewStreamLifecycleManager(LifecycleDeps{
		Identity: testutils.StaticIdentity("host"),
		Relay:    newTestRelay(),
		Sessions: sessions,
		Presence: memory.NewMemoryPresenceRepository(),
		Factory:  testutils.NewFakeFactory(),
		Capture:  provider,
		Metrics:  nopMetrics,
		Logger:   testLogger(),
	}, lifecycleConfig())

	_, err := manager.StartBroadcast(ctx, testStream)
	require.Error(t, err)
	assert.Equal(t, domain.LifecycleIdle, manager.Status())
	assert.True(t, provider.LastCamera().Stopped())
	sessions.AssertExpectations(t)
}

func TestStreamLifecycleManager_JoinWithoutLiveSession(t *testing.T) {
	viewer := newMesh().join(t, "viewer-1")

	err := viewer.manager.JoinAsViewer(context.Background(), testStream)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Equal(t, domain.LifecycleIdle, viewer.manager.Status())
}

func TestStreamLifecycleManager_JoinPicksNewestSession(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	stale := domain.NewStreamSession("s-old", testStream, "old-host", now.Add(-time.Hour))
	current := domain.NewStreamSession("s-new", testStream, "host", now)

	sessions := new(MockSessionRepository)
	sessions.On("ListLive", mock.Anything, testStream).Return([]*domain.StreamSession{stale, current}, nil)

	manager := NewStreamLifecycleManager(LifecycleDeps{
		Identity: testutils.StaticIdentity("viewer-1"),
		Relay:    newTestRelay(),
		Sessions: sessions,
		Presence: memory.NewMemoryPresenceRepository(),
		Factory:  testutils.NewFakeFactory(),
		Metrics:  nopMetrics,
		Logger:   testLogger(),
	}, lifecycleConfig())
	defer manager.LeaveAsViewer(ctx)

	require.NoError(t, manager.JoinAsViewer(ctx, testStream))
	assert.Equal(t, domain.SessionID("s-new"), manager.Session().ID)
	assert.Equal(t, domain.RoleViewerSide, manager.Role())
}

func TestStreamLifecycleManager_ViewerCannotControlBroadcast(t *testing.T) {
	ctx := context.Background()
	m := newMesh()
	host := m.join(t, "host")
	viewer := m.join(t, "viewer-1")

	_, err := host.manager.StartBroadcast(ctx, testStream)
	require.NoError(t, err)
	require.NoError(t, viewer.manager.JoinAsViewer(ctx, testStream))

	assert.ErrorIs(t, viewer.manager.StopBroadcast(ctx), domain.ErrNotHost)
	assert.ErrorIs(t, viewer.manager.SwitchMediaSource(ctx, domain.MediaScreen), domain.ErrNotHost)
	assert.ErrorIs(t, viewer.manager.SwitchCamera(ctx), domain.ErrNotHost)
	_, err = viewer.manager.ToggleMic()
	assert.ErrorIs(t, err, domain.ErrNotHost)

	assert.ErrorIs(t, host.manager.LeaveAsViewer(ctx), domain.ErrInvalidTransition)
}

func TestStreamLifecycleManager_ViewerLeaveClosesConnection(t *testing.T) {
	ctx := context.Background()
	m := newMesh()
	host := m.join(t, "host")
	viewer := m.join(t, "viewer-1")

	_, err := host.manager.StartBroadcast(ctx, testStream)
	require.NoError(t, err)
	require.NoError(t, viewer.manager.JoinAsViewer(ctx, testStream))
	eventually(t, func() bool { return peersConnected(host.manager, 1) }, "host should connect")

	require.NoError(t, viewer.manager.LeaveAsViewer(ctx))
	assert.Equal(t, domain.LifecycleEnded, viewer.manager.Status())
	assert.Empty(t, viewer.manager.Peers())

	eventually(t, func() bool { return len(host.manager.Peers()) == 0 }, "host should drop the departed viewer")
	assert.Equal(t, domain.LifecycleLive, host.manager.Status())

	live, err := m.sessions.ListLive(ctx, testStream)
	require.NoError(t, err)
	assert.Len(t, live, 1, "a viewer leaving does not end the session")
}

func TestStreamLifecycleManager_ActiveViewersExcludesHost(t *testing.T) {
	ctx := context.Background()
	m := newMesh()
	host := m.join(t, "host")
	_, err := host.manager.StartBroadcast(ctx, testStream)
	require.NoError(t, err)

	for _, id := range []domain.PeerID{"viewer-1", "viewer-2"} {
		require.NoError(t, m.join(t, id).manager.JoinAsViewer(ctx, testStream))
	}

	eventually(t, func() bool {
		n, err := host.manager.ActiveViewers(ctx)
		return err == nil && n == 2
	}, "both viewers should be counted")

	seen := make(chan int, 16)
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, host.manager.WatchViewers(watchCtx, func(n int) {
		select {
		case seen <- n:
		default:
		}
	}))

	select {
	case n := <-seen:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("no viewer count reported")
	}
}

func TestStreamLifecycleManager_RemoteTracksReachViewer(t *testing.T) {
	ctx := context.Background()
	m := newMesh()
	host := m.join(t, "host")
	viewer := m.join(t, "viewer-1")

	received := make(chan webrtc.RTPCodecType, 4)
	viewer.manager.OnRemoteTrack(func(from domain.PeerID, track ports.RemoteTrack) {
		assert.Equal(t, domain.PeerID("host"), from)
		received <- track.Kind()
	})

	_, err := host.manager.StartBroadcast(ctx, testStream)
	require.NoError(t, err)
	require.NoError(t, viewer.manager.JoinAsViewer(ctx, testStream))

	kinds := map[webrtc.RTPCodecType]bool{}
	for len(kinds) < 2 {
		select {
		case k := <-received:
			kinds[k] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("received only %v", kinds)
		}
	}
	assert.True(t, kinds[webrtc.RTPCodecTypeVideo])
	assert.True(t, kinds[webrtc.RTPCodecTypeAudio])
}
