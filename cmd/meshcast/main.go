package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/internal/core/services"
	"meshcast/internal/infrastructure/media"
	"meshcast/internal/infrastructure/monitoring"
	"meshcast/internal/infrastructure/relay"
	"meshcast/internal/infrastructure/repositories"
	webrtcinfra "meshcast/internal/infrastructure/webrtc"
	"meshcast/pkg/config"
	"meshcast/pkg/logger"
	"meshcast/pkg/validation"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "meshcast",
		Usage: "broadcast to or watch a meshcast stream",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file path",
				Value:   "configs/config.yaml",
				EnvVars: []string{"MESHCAST_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "stream",
				Aliases: []string{"s"},
				Usage:   "stream id",
				Value:   "demo",
			},
			&cli.StringFlag{
				Name:  "peer",
				Usage: "peer id of this participant, random when empty",
			},
			&cli.BoolFlag{Name: "debug", EnvVars: []string{"DEBUG"}},
		},
		Commands: []*cli.Command{
			{
				Name:   "broadcast",
				Usage:  "host the stream; SIGUSR1 toggles camera and screen, SIGUSR2 cycles cameras",
				Action: broadcast,
			},
			{
				Name:   "watch",
				Usage:  "join the live session of the stream",
				Action: watch,
			},
			{
				Name:  "demo",
				Usage: "run a host and several viewers in this process",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "viewers", Value: 3},
					&cli.DurationFlag{Name: "duration", Value: 20 * time.Second},
				},
				Action: demo,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime holds what every participant of a process shares.
type runtime struct {
	cfg      *config.Config
	base     *zap.SugaredLogger
	log      *zap.SugaredLogger
	repos    *repositories.RepositoryFactory
	relay    ports.SignalingRelay
	factory  *webrtcinfra.Factory
	provider *media.FileProvider
	metrics  ports.MetricsCollector
	streamID domain.StreamID
	peerID   domain.PeerID
}

func setup(c *cli.Context) (*runtime, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if c.Bool("debug") {
		level = "debug"
	}
	log := logger.NewWithFormat(level, cfg.Logging.Format).Sugar()

	streamID := c.String("stream")
	if err := validation.ValidateStreamID(streamID); err != nil {
		return nil, err
	}
	peerID := c.String("peer")
	if peerID == "" {
		peerID = uuid.NewString()
	}
	if err := validation.ValidatePeerID(peerID); err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		base:     log,
		log:      log.With("peer_id", peerID),
		metrics:  monitoring.NopCollector{},
		streamID: domain.StreamID(streamID),
		peerID:   domain.PeerID(peerID),
	}

	rt.repos, err = repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return nil, err
	}

	deps := relay.Deps{Redis: rt.repos.RedisClient()}
	if cfg.Relay.Token == "" && cfg.Auth.JWTSecret != "" {
		// shares the secret with the relay server, so tokens are minted here
		tokens := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		deps.Token = tokens.IssueToken
	}
	rt.relay, err = relay.New(cfg, deps, relay.Options{Logger: log, Metrics: rt.metrics})
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.factory, err = webrtcinfra.NewFactory(webrtcinfra.ConfigFrom(cfg), rt.metrics, log)
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) openMedia() error {
	provider, err := media.NewFileProvider(media.ConfigFrom(rt.cfg), rt.log)
	if err != nil {
		return err
	}
	provider.OnDevicesChanged(func(devices []domain.CaptureDevice) {
		rt.log.Infow("capture devices changed", "count", len(devices))
	})
	rt.provider = provider
	return nil
}

func (rt *runtime) close() {
	if rt.provider != nil {
		rt.provider.Close()
	}
	if rt.relay != nil {
		rt.relay.Close()
	}
	if rt.repos != nil {
		rt.repos.Close()
	}
	rt.log.Sync()
}

func (rt *runtime) manager(peerID domain.PeerID) *services.StreamLifecycleManager {
	deps := services.LifecycleDeps{
		Identity: services.StaticIdentity(peerID),
		Relay:    rt.relay,
		Sessions: rt.repos.SessionRepository(),
		Presence: rt.repos.PresenceRepository(),
		Factory:  rt.factory,
		Metrics:  rt.metrics,
		Logger:   rt.base,
	}
	if rt.provider != nil {
		deps.Capture = rt.provider
		deps.Mixer = media.NewMixer(rt.log)
	}
	return services.NewStreamLifecycleManager(deps, services.LifecycleConfigFrom(rt.cfg))
}

func broadcast(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.close()
	if err := rt.openMedia(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host := rt.manager(rt.peerID)
	session, err := host.StartBroadcast(ctx, rt.streamID)
	if err != nil {
		return err
	}
	rt.log.Infow("live", "stream_id", rt.streamID, "session_id", session.ID)

	if err := host.WatchViewers(ctx, func(n int) {
		rt.log.Infow("viewers", "active", n, "connections", len(host.Peers()))
	}); err != nil {
		rt.log.Warnw("viewer count unavailable", "error", err)
	}

	controls := make(chan os.Signal, 1)
	signal.Notify(controls, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(controls)

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
			defer cancel()
			return host.StopBroadcast(stopCtx)

		case sig := <-controls:
			var err error
			switch sig {
			case syscall.SIGUSR1:
				next := domain.MediaScreen
				if state, _ := host.MediaState(); state.ActiveKind == domain.MediaScreen {
					next = domain.MediaCamera
				}
				err = host.SwitchMediaSource(ctx, next)
			case syscall.SIGUSR2:
				err = host.SwitchCamera(ctx)
			}
			state, _ := host.MediaState()
			rt.log.Infow("media source", "kind", state.ActiveKind, "device_id", state.VideoDeviceID, "audio", state.AudioMode, "error", err)
		}
	}
}

func watch(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	viewer := rt.manager(rt.peerID)
	stats := drainInto(viewer, rt.log)
	if err := viewer.JoinAsViewer(ctx, rt.streamID); err != nil {
		return err
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return viewer.LeaveAsViewer(context.Background())
		case <-ticker.C:
			logStats(rt.log, viewer, stats)
		}
	}
}

// drainInto counts every remote track the viewer receives.
func drainInto(viewer *services.StreamLifecycleManager, log *zap.SugaredLogger) map[string]*webrtcinfra.TrackStats {
	stats := make(map[string]*webrtcinfra.TrackStats)
	for _, kind := range []string{"video", "audio"} {
		stats[kind] = &webrtcinfra.TrackStats{}
	}
	viewer.OnRemoteTrack(func(from domain.PeerID, track ports.RemoteTrack) {
		log.Infow("receiving track", "from", from, "kind", track.Kind().String(), "track_id", track.ID())
		if s, ok := stats[track.Kind().String()]; ok {
			go webrtcinfra.DrainTrack(track, s, log)
		}
	})
	return stats
}

func logStats(log *zap.SugaredLogger, viewer *services.StreamLifecycleManager, stats map[string]*webrtcinfra.TrackStats) {
	state := domain.PeerNew
	if peers := viewer.Peers(); len(peers) > 0 {
		state = peers[0].State
	}
	log.Infow("receiving",
		"connection", state,
		"video_packets", stats["video"].Packets.Load(),
		"video_lost", stats["video"].Lost.Load(),
		"audio_packets", stats["audio"].Packets.Load(),
	)
}

// demo runs the whole mesh over loopback: one host and n viewers sharing
// this process's relay and stores.
func demo(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.close()
	if err := rt.openMedia(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration("duration"))
	defer cancel()

	host := rt.manager("host")
	if _, err := host.StartBroadcast(ctx, rt.streamID); err != nil {
		return err
	}

	type watcher struct {
		manager *services.StreamLifecycleManager
		stats   map[string]*webrtcinfra.TrackStats
	}
	var viewers []watcher
	for i := 0; i < c.Int("viewers"); i++ {
		v := rt.manager(domain.PeerID(fmt.Sprintf("viewer-%d", i+1)))
		stats := drainInto(v, rt.log)
		if err := v.JoinAsViewer(ctx, rt.streamID); err != nil {
			rt.log.Errorw("viewer failed to join", "error", err)
			continue
		}
		viewers = append(viewers, watcher{manager: v, stats: stats})
	}

	// halfway through the host shares its screen
	switchAt := time.After(c.Duration("duration") / 2)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-switchAt:
			if err := host.SwitchMediaSource(ctx, domain.MediaScreen); err != nil {
				rt.log.Warnw("screen share failed", "error", err)
			}
		case <-ticker.C:
			n, _ := host.ActiveViewers(ctx)
			rt.log.Infow("host", "connections", len(host.Peers()), "active_viewers", n)
			for _, v := range viewers {
				logStats(rt.log, v.manager, v.stats)
			}
		}
	}

	for _, v := range viewers {
		v.manager.LeaveAsViewer(context.Background())
	}
	return host.StopBroadcast(context.Background())
}
