package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/config"
	"meshcast/pkg/tracing"
	"meshcast/pkg/utils"

	"go.uber.org/zap"
)

type LifecycleDeps struct {
	Identity ports.Identity
	Relay    ports.SignalingRelay
	Sessions ports.SessionRepository
	Presence ports.PresenceRepository
	Factory  ports.PeerConnectionFactory
	// Capture and Mixer are only used by hosts.
	Capture ports.CaptureProvider
	Mixer   ports.AudioMixer
	Metrics ports.MetricsCollector
	Logger  *zap.SugaredLogger
}

type LifecycleConfig struct {
	MaxViewers            int
	CandidateBuffer       int
	HeartbeatInterval     time.Duration
	PresenceTTL           time.Duration
	PresencePoll          time.Duration
	AnnounceInterval      time.Duration
	ResubscribeMaxBackoff time.Duration
}

func LifecycleConfigFrom(cfg *config.Config) LifecycleConfig {
	return LifecycleConfig{
		MaxViewers:            cfg.Mesh.MaxViewers,
		CandidateBuffer:       cfg.Mesh.CandidateBuffer,
		HeartbeatInterval:     cfg.Mesh.HeartbeatInterval,
		PresenceTTL:           cfg.Mesh.PresenceTTL,
		PresencePoll:          cfg.Mesh.PresencePoll,
		AnnounceInterval:      cfg.Mesh.AnnounceInterval,
		ResubscribeMaxBackoff: cfg.Signal.ReconnectMaxBackoff,
	}
}

// StreamLifecycleManager runs one participant's side of one broadcast:
// IDLE until started or joined, LIVE until stopped or left, then ENDED for
// good. Create a new manager for the next broadcast.
type StreamLifecycleManager struct {
	deps   LifecycleDeps
	cfg    LifecycleConfig
	self   domain.PeerID
	logger *zap.SugaredLogger

	mu       sync.Mutex
	state    domain.LifecycleState
	role     domain.PeerRole
	session  *domain.StreamSession
	registry *ConnectionRegistry
	engine   *NegotiationEngine
	media    *MediaSourceController
	presence *PresenceTracker

	onRemoteTrack func(domain.PeerID, ports.RemoteTrack)

	// cancelled on teardown
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	now          func() time.Time
	newSessionID func() domain.SessionID
}

func NewStreamLifecycleManager(deps LifecycleDeps, cfg LifecycleConfig) *StreamLifecycleManager {
	self := deps.Identity.PeerID()
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &StreamLifecycleManager{
		deps:       deps,
		cfg:        cfg,
		self:       self,
		logger:     deps.Logger.With("peer_id", self),
		state:      domain.LifecycleIdle,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		now:        time.Now,
		newSessionID: func() domain.SessionID {
			return domain.SessionID(utils.GenerateSessionID())
		},
	}
}

// OnRemoteTrack registers fn for tracks a viewer receives from the host.
// It must be set before JoinAsViewer.
func (m *StreamLifecycleManager) OnRemoteTrack(fn func(from domain.PeerID, track ports.RemoteTrack)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoteTrack = fn
}

func (m *StreamLifecycleManager) engineConfig(streamID domain.StreamID, role domain.PeerRole, host domain.PeerID) EngineConfig {
	return EngineConfig{
		StreamID:              streamID,
		Self:                  m.self,
		Role:                  role,
		Host:                  host,
		CandidateBuffer:       m.cfg.CandidateBuffer,
		AnnounceInterval:      m.cfg.AnnounceInterval,
		ResubscribeMaxBackoff: m.cfg.ResubscribeMaxBackoff,
	}
}

// StartBroadcast makes this participant the host of streamID. If the camera
// cannot be opened nothing is persisted and the manager stays IDLE.
func (m *StreamLifecycleManager) StartBroadcast(ctx context.Context, streamID domain.StreamID) (*domain.StreamSession, error) {
	ctx, span := tracing.TraceLifecycle(ctx, "start_broadcast", string(streamID))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != domain.LifecycleIdle {
		return nil, fmt.Errorf("%w: start broadcast from %s", domain.ErrInvalidTransition, m.state)
	}
	log := m.logger.With("stream_id", streamID)

	registry := NewConnectionRegistry(m.deps.Factory, m.cfg.MaxViewers, m.deps.Metrics, log)
	media := NewMediaSourceController(m.deps.Capture, m.deps.Mixer, registry, m.deps.Metrics, log)
	engine := NewNegotiationEngine(m.engineConfig(streamID, domain.RoleHostSide, ""),
		m.deps.Relay, registry, media, m.deps.Metrics, log)
	presence := NewPresenceTracker(m.deps.Presence, m.cfg.HeartbeatInterval, m.deps.Metrics, log)

	if err := engine.Start(ctx); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	abort := func(err error) (*domain.StreamSession, error) {
		engine.Stop()
		registry.CloseAll()
		media.Release()
		tracing.RecordError(ctx, err)
		return nil, err
	}

	if err := media.Acquire(ctx, domain.MediaCamera); err != nil {
		log.Warnw("camera acquisition failed, broadcast not started", "error", err)
		return abort(err)
	}

	session := domain.NewStreamSession(m.newSessionID(), streamID, m.self, m.now())
	if err := m.deps.Sessions.Save(ctx, session); err != nil {
		return abort(fmt.Errorf("persist session: %w", err))
	}
	m.deps.Metrics.RecordSessionStarted(streamID)

	presence.Start(ctx, streamID, domain.UserID(m.self))

	m.state = domain.LifecycleLive
	m.role = domain.RoleHostSide
	m.session = session
	m.registry = registry
	m.engine = engine
	m.media = media
	m.presence = presence

	replayCtx := context.WithoutCancel(ctx)
	media.OnReady(func() {
		engine.ReplayPendingJoins(replayCtx)
	})

	log.Infow("broadcast started", "session_id", session.ID)
	return copySession(session), nil
}

// JoinAsViewer connects to the live session of streamID.
func (m *StreamLifecycleManager) JoinAsViewer(ctx context.Context, streamID domain.StreamID) error {
	ctx, span := tracing.TraceLifecycle(ctx, "join_as_viewer", string(streamID))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != domain.LifecycleIdle {
		return fmt.Errorf("%w: join from %s", domain.ErrInvalidTransition, m.state)
	}
	log := m.logger.With("stream_id", streamID)

	live, err := m.deps.Sessions.ListLive(ctx, streamID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("look up live session: %w", err)
	}
	if len(live) == 0 {
		return fmt.Errorf("%w: no live session for stream %s", domain.ErrSessionNotFound, streamID)
	}
	// the newest session wins if an old one was never ended
	session := live[len(live)-1]

	registry := NewConnectionRegistry(m.deps.Factory, 0, m.deps.Metrics, log)
	engine := NewNegotiationEngine(m.engineConfig(streamID, domain.RoleViewerSide, session.HostID),
		m.deps.Relay, registry, nil, m.deps.Metrics, log)
	if m.onRemoteTrack != nil {
		engine.OnRemoteTrack(m.onRemoteTrack)
	}
	presence := NewPresenceTracker(m.deps.Presence, m.cfg.HeartbeatInterval, m.deps.Metrics, log)

	if err := engine.Start(ctx); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	presence.Start(ctx, streamID, domain.UserID(m.self))

	m.state = domain.LifecycleLive
	m.role = domain.RoleViewerSide
	m.session = session
	m.registry = registry
	m.engine = engine
	m.presence = presence

	log.Infow("joined broadcast", "session_id", session.ID, "host_id", session.HostID)
	return nil
}

// StopBroadcast ends the session for every viewer. Stopping twice is a
// no-op.
func (m *StreamLifecycleManager) StopBroadcast(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == domain.LifecycleEnded:
		return nil
	case m.state == domain.LifecycleIdle:
		return fmt.Errorf("%w: stop broadcast from %s", domain.ErrInvalidTransition, m.state)
	case m.role != domain.RoleHostSide:
		return domain.ErrNotHost
	}

	ctx, span := tracing.TraceLifecycle(ctx, "stop_broadcast", string(m.session.StreamID))
	defer span.End()

	var errs []error
	if err := m.session.End(m.now()); err != nil {
		errs = append(errs, err)
	} else if err := m.deps.Sessions.Save(ctx, m.session); err != nil {
		errs = append(errs, fmt.Errorf("persist ended session: %w", err))
	}
	m.deps.Metrics.RecordSessionEnded(m.session.StreamID)

	m.teardown()
	m.media.Release()

	m.logger.Infow("broadcast stopped", "session_id", m.session.ID, "stream_id", m.session.StreamID)

	err := errors.Join(errs...)
	tracing.RecordError(ctx, err)
	return err
}

// LeaveAsViewer closes this viewer's connection. Nothing is persisted; the
// host notices through the connection state and presence ageing out.
func (m *StreamLifecycleManager) LeaveAsViewer(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == domain.LifecycleEnded:
		return nil
	case m.state == domain.LifecycleIdle:
		return fmt.Errorf("%w: leave from %s", domain.ErrInvalidTransition, m.state)
	case m.role != domain.RoleViewerSide:
		return fmt.Errorf("%w: host must stop the broadcast", domain.ErrInvalidTransition)
	}

	_, span := tracing.TraceLifecycle(ctx, "leave_as_viewer", string(m.session.StreamID))
	defer span.End()

	m.teardown()
	m.logger.Infow("left broadcast", "session_id", m.session.ID, "stream_id", m.session.StreamID)
	return nil
}

// teardown must be called with m.mu held.
func (m *StreamLifecycleManager) teardown() {
	m.engine.Stop()
	m.registry.CloseAll()
	m.presence.Stop()
	m.lifeCancel()
	m.state = domain.LifecycleEnded
}

// hostMedia returns the media controller of a live broadcast.
func (m *StreamLifecycleManager) hostMedia() (*MediaSourceController, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == domain.LifecycleEnded:
		return nil, domain.ErrSessionEnded
	case m.state == domain.LifecycleIdle:
		return nil, fmt.Errorf("%w: broadcast not started", domain.ErrInvalidTransition)
	case m.role != domain.RoleHostSide:
		return nil, domain.ErrNotHost
	}
	return m.media, nil
}

// SwitchMediaSource swaps the outbound video between camera and screen on
// every live connection.
func (m *StreamLifecycleManager) SwitchMediaSource(ctx context.Context, kind domain.MediaKind) error {
	media, err := m.hostMedia()
	if err != nil {
		return err
	}
	return media.Acquire(ctx, kind)
}

func (m *StreamLifecycleManager) SwitchCamera(ctx context.Context) error {
	media, err := m.hostMedia()
	if err != nil {
		return err
	}
	return media.SwitchCamera(ctx)
}

// ToggleMic mutes or unmutes the microphone and returns the muted state.
func (m *StreamLifecycleManager) ToggleMic() (bool, error) {
	media, err := m.hostMedia()
	if err != nil {
		return false, err
	}
	return media.ToggleMicMute()
}

// ActiveViewers counts participants other than the host seen within the
// presence TTL.
func (m *StreamLifecycleManager) ActiveViewers(ctx context.Context) (int, error) {
	m.mu.Lock()
	session, presence := m.session, m.presence
	m.mu.Unlock()

	if session == nil {
		return 0, fmt.Errorf("%w: no session", domain.ErrInvalidTransition)
	}
	recs, err := presence.ListActive(ctx, session.StreamID, m.cfg.PresenceTTL)
	if err != nil {
		return 0, err
	}
	n := countViewers(recs, session.HostID)
	m.deps.Metrics.SetActiveViewers(session.StreamID, n)
	return n, nil
}

// WatchViewers reports the active viewer count every presence poll until
// ctx is done or the session is torn down.
func (m *StreamLifecycleManager) WatchViewers(ctx context.Context, fn func(int)) error {
	m.mu.Lock()
	session, presence := m.session, m.presence
	m.mu.Unlock()

	if session == nil || m.lifeCtx.Err() != nil {
		return fmt.Errorf("%w: no live session", domain.ErrInvalidTransition)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.lifeCtx, cancel)
	go func() {
		defer stop()
		defer cancel()
		presence.Watch(watchCtx, session.StreamID, m.cfg.PresenceTTL, m.cfg.PresencePoll, func(recs []domain.PresenceRecord) {
			n := countViewers(recs, session.HostID)
			m.deps.Metrics.SetActiveViewers(session.StreamID, n)
			fn(n)
		})
	}()
	return nil
}

func countViewers(recs []domain.PresenceRecord, host domain.PeerID) int {
	n := 0
	for _, r := range recs {
		if r.UserID != domain.UserID(host) {
			n++
		}
	}
	return n
}

func (m *StreamLifecycleManager) Status() domain.LifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *StreamLifecycleManager) Role() domain.PeerRole {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// Session returns a copy of the current session, or nil before start.
func (m *StreamLifecycleManager) Session() *domain.StreamSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	return copySession(m.session)
}

func (m *StreamLifecycleManager) Peers() []domain.PeerInfo {
	m.mu.Lock()
	registry := m.registry
	m.mu.Unlock()
	if registry == nil {
		return nil
	}
	return registry.Peers()
}

func (m *StreamLifecycleManager) MediaState() (domain.MediaSourceState, error) {
	media, err := m.hostMedia()
	if err != nil {
		return domain.MediaSourceState{}, err
	}
	return media.State(), nil
}

func copySession(s *domain.StreamSession) *domain.StreamSession {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
