package services

import (
	"context"
	"fmt"
	"sync"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// MediaSourceController owns the host's outbound media. Sources are swapped
// by replacing tracks on the existing senders of every connection, so a
// switch never renegotiates.
type MediaSourceController struct {
	provider ports.CaptureProvider
	mixer    ports.AudioMixer
	registry *ConnectionRegistry
	metrics  ports.MetricsCollector
	logger   *zap.SugaredLogger

	// serializes acquisitions
	acquireMu sync.Mutex

	// held for writing while tracks are swapped; connection creation reads
	// the tracks under it
	swapMu      sync.RWMutex
	video       ports.MediaCapture
	systemAudio ports.MediaCapture
	mic         ports.MediaCapture
	audio       ports.MediaCapture // what the audio sender carries
	state       domain.MediaSourceState
	ready       bool
	released    bool

	hookMu      sync.Mutex
	onReady     []func()
	onWarning   func(error)
	watchCancel context.CancelFunc
}

func NewMediaSourceController(
	provider ports.CaptureProvider,
	mixer ports.AudioMixer,
	registry *ConnectionRegistry,
	metrics ports.MetricsCollector,
	logger *zap.SugaredLogger,
) *MediaSourceController {
	return &MediaSourceController{
		provider: provider,
		mixer:    mixer,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		state:    domain.MediaSourceState{AudioMode: domain.AudioNone},
	}
}

// OnReady registers fn to run once media is first acquired. If media is
// already ready fn runs immediately.
func (c *MediaSourceController) OnReady(fn func()) {
	if c.Ready() {
		fn()
		return
	}
	c.hookMu.Lock()
	c.onReady = append(c.onReady, fn)
	c.hookMu.Unlock()
}

// OnWarning registers fn for degradations that do not fail an operation,
// such as falling back to video-only.
func (c *MediaSourceController) OnWarning(fn func(error)) {
	c.hookMu.Lock()
	c.onWarning = fn
	c.hookMu.Unlock()
}

func (c *MediaSourceController) warn(err error) {
	c.logger.Warnw("media degraded", "error", err)
	c.hookMu.Lock()
	fn := c.onWarning
	c.hookMu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *MediaSourceController) Ready() bool {
	c.swapMu.RLock()
	defer c.swapMu.RUnlock()
	return c.ready
}

func (c *MediaSourceController) State() domain.MediaSourceState {
	c.swapMu.RLock()
	defer c.swapMu.RUnlock()
	return c.state
}

// WithCurrentTracks runs fn with the current outbound tracks. No swap can
// happen while fn runs.
func (c *MediaSourceController) WithCurrentTracks(fn func(tracks []webrtc.TrackLocal) error) error {
	c.swapMu.RLock()
	defer c.swapMu.RUnlock()

	if !c.ready {
		return domain.ErrMediaNotReady
	}
	tracks := []webrtc.TrackLocal{c.video.Track()}
	if c.audio != nil {
		tracks = append(tracks, c.audio.Track())
	}
	return fn(tracks)
}

// Acquire opens a camera or screen capture and makes it the outbound video
// on every connection. On failure the previous source stays in place.
func (c *MediaSourceController) Acquire(ctx context.Context, kind domain.MediaKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown media kind %q", domain.ErrMediaAcquisitionFailed, kind)
	}

	c.acquireMu.Lock()
	defer c.acquireMu.Unlock()

	if kind == domain.MediaScreen {
		return c.acquireScreen(ctx)
	}
	return c.acquireCamera(ctx, c.State().VideoDeviceID)
}

// SwitchCamera moves to the next capture device.
func (c *MediaSourceController) SwitchCamera(ctx context.Context) error {
	c.acquireMu.Lock()
	defer c.acquireMu.Unlock()

	devices, err := c.provider.VideoDevices(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMediaAcquisitionFailed, err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("%w: %w", domain.ErrMediaAcquisitionFailed, domain.ErrNoDevices)
	}

	current := c.State().VideoDeviceID
	next := devices[0].ID
	for i, d := range devices {
		if d.ID == current {
			next = devices[(i+1)%len(devices)].ID
			break
		}
	}
	return c.acquireCamera(ctx, next)
}

func (c *MediaSourceController) checkReleased() error {
	c.swapMu.RLock()
	defer c.swapMu.RUnlock()
	if c.released {
		return fmt.Errorf("%w: %w", domain.ErrMediaAcquisitionFailed, domain.ErrSessionEnded)
	}
	return nil
}

// acquireCamera must be called with acquireMu held.
func (c *MediaSourceController) acquireCamera(ctx context.Context, deviceID string) error {
	if err := c.checkReleased(); err != nil {
		return err
	}

	if deviceID == "" {
		if devices, err := c.provider.VideoDevices(ctx); err == nil && len(devices) > 0 {
			deviceID = devices[0].ID
		}
	}
	video, err := c.provider.OpenCamera(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("%w: camera %q: %w", domain.ErrMediaAcquisitionFailed, deviceID, err)
	}

	mic := c.ensureMic(ctx)
	mode := domain.AudioNone
	if mic != nil {
		mode = domain.AudioMicrophone
	}

	c.stopScreenWatch()
	c.swap(video, nil, mic, mode, domain.MediaCamera, deviceID)
	c.logger.Infow("camera active", "device_id", deviceID, "label", video.Label())
	return nil
}

// acquireScreen must be called with acquireMu held.
func (c *MediaSourceController) acquireScreen(ctx context.Context) error {
	if err := c.checkReleased(); err != nil {
		return err
	}

	screen, err := c.provider.OpenScreen(ctx)
	if err != nil {
		return fmt.Errorf("%w: screen: %w", domain.ErrMediaAcquisitionFailed, err)
	}

	mic := c.ensureMic(ctx)
	audio, mode := c.MixAudio(ctx, screen.Audio, mic)

	c.swap(screen.Video, screen.Audio, audio, mode, domain.MediaScreen, c.State().VideoDeviceID)
	c.watchScreenEnd(screen.Video)
	c.logger.Infow("screen share active", "audio_mode", mode)
	return nil
}

// ensureMic opens the microphone once. A missing microphone leaves the
// broadcast video-only.
func (c *MediaSourceController) ensureMic(ctx context.Context) ports.MediaCapture {
	c.swapMu.RLock()
	mic := c.mic
	c.swapMu.RUnlock()
	if mic != nil {
		return mic
	}

	mic, err := c.provider.OpenMicrophone(ctx)
	if err != nil {
		c.warn(fmt.Errorf("%w: microphone: %w", domain.ErrMediaAcquisitionFailed, err))
		return nil
	}
	c.swapMu.Lock()
	c.mic = mic
	c.swapMu.Unlock()
	return mic
}

// MixAudio combines screen system audio with the microphone. It degrades to
// system audio alone, then the microphone alone, then no audio.
func (c *MediaSourceController) MixAudio(ctx context.Context, system, mic ports.MediaCapture) (ports.MediaCapture, domain.AudioMode) {
	switch {
	case system != nil && mic != nil:
		if c.mixer != nil {
			mixed, err := c.mixer.Mix(ctx, system, mic)
			if err == nil {
				return mixed, domain.AudioMixed
			}
			c.warn(fmt.Errorf("mixing failed, sending system audio only: %w", err))
		} else {
			c.warn(fmt.Errorf("%w: sending system audio only", domain.ErrMixingUnavailable))
		}
		return system, domain.AudioSystem
	case system != nil:
		return system, domain.AudioSystem
	case mic != nil:
		return mic, domain.AudioMicrophone
	default:
		c.warn(fmt.Errorf("%w: no audio source, broadcasting video only", domain.ErrMediaAcquisitionFailed))
		return nil, domain.AudioNone
	}
}

// swap installs the new captures, replaces the tracks on every connection
// and stops whatever is no longer sent.
func (c *MediaSourceController) swap(video, systemAudio, audio ports.MediaCapture, mode domain.AudioMode, kind domain.MediaKind, deviceID string) {
	c.swapMu.Lock()

	oldVideo, oldSystem, oldAudio := c.video, c.systemAudio, c.audio
	firstReady := !c.ready

	c.video = video
	c.systemAudio = systemAudio
	c.audio = audio
	c.ready = true
	c.state.ActiveKind = kind
	c.state.VideoDeviceID = deviceID
	c.state.AudioMode = mode
	if c.mic != nil {
		c.state.MicMuted = !c.mic.Enabled()
	}

	var videoOnly []domain.PeerID
	err := c.registry.ForEach(func(peer *Peer) error {
		if _, err := c.replace(peer.Conn, webrtc.RTPCodecTypeVideo, video); err != nil {
			return err
		}
		if audio == nil || audio == oldAudio {
			return nil
		}
		replaced, err := c.replace(peer.Conn, webrtc.RTPCodecTypeAudio, audio)
		if err == nil && !replaced {
			videoOnly = append(videoOnly, peer.ID)
		}
		return err
	})
	mic := c.mic
	c.swapMu.Unlock()

	if err != nil {
		c.logger.Warnw("track replacement failed on some connections", "error", err)
	}
	for _, id := range videoOnly {
		c.warn(fmt.Errorf("%w: peer %s has no audio sender, it stays video-only", domain.ErrMediaAcquisitionFailed, id))
	}

	for _, old := range []ports.MediaCapture{oldVideo, oldSystem, oldAudio} {
		if old == nil || old == video || old == systemAudio || old == audio || old == mic {
			continue
		}
		if err := old.Stop(); err != nil {
			c.logger.Debugw("error stopping capture", "label", old.Label(), "error", err)
		}
	}

	if firstReady {
		c.hookMu.Lock()
		hooks := c.onReady
		c.onReady = nil
		c.hookMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}
}

// replace swaps kind on conn and reports whether conn had a sender of that
// kind. A connection without one is left alone.
func (c *MediaSourceController) replace(conn ports.PeerConnection, kind webrtc.RTPCodecType, capture ports.MediaCapture) (bool, error) {
	hasSender := false
	for _, t := range conn.LocalTracks() {
		if t.Kind() == kind {
			hasSender = true
			break
		}
	}
	if !hasSender {
		return false, nil
	}

	err := conn.ReplaceTrack(kind, capture.Track())
	c.metrics.RecordTrackReplaced(kind.String(), err)
	if err != nil {
		return true, fmt.Errorf("replace %s track: %w", kind, err)
	}
	return true, nil
}

// watchScreenEnd reverts to the camera when the screen capture ends on its
// own.
func (c *MediaSourceController) watchScreenEnd(screen ports.MediaCapture) {
	ctx, cancel := context.WithCancel(context.Background())

	c.hookMu.Lock()
	if c.watchCancel != nil {
		c.watchCancel()
	}
	c.watchCancel = cancel
	c.hookMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-screen.Ended():
		}

		c.acquireMu.Lock()
		defer c.acquireMu.Unlock()

		c.swapMu.RLock()
		current := c.video == screen
		c.swapMu.RUnlock()
		if !current || ctx.Err() != nil {
			return
		}

		c.logger.Infow("screen capture ended, reverting to camera")
		if err := c.acquireCamera(context.Background(), c.State().VideoDeviceID); err != nil {
			c.warn(fmt.Errorf("revert to camera: %w", err))
		}
	}()
}

func (c *MediaSourceController) stopScreenWatch() {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
}

// ToggleMicMute flips the microphone's enabled flag and returns the new
// muted state. Tracks are never replaced.
func (c *MediaSourceController) ToggleMicMute() (bool, error) {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	if c.mic == nil {
		return false, fmt.Errorf("%w: no microphone", domain.ErrMediaNotReady)
	}
	enabled := !c.mic.Enabled()
	c.mic.SetEnabled(enabled)
	c.state.MicMuted = !enabled
	return c.state.MicMuted, nil
}

// Release stops every capture. The controller cannot be reused.
func (c *MediaSourceController) Release() {
	c.acquireMu.Lock()
	defer c.acquireMu.Unlock()

	c.stopScreenWatch()
	c.hookMu.Lock()
	c.onReady = nil
	c.hookMu.Unlock()

	c.swapMu.Lock()
	captures := []ports.MediaCapture{c.video, c.systemAudio, c.audio, c.mic}
	c.video, c.systemAudio, c.audio, c.mic = nil, nil, nil, nil
	c.ready = false
	c.released = true
	c.state.AudioMode = domain.AudioNone
	c.swapMu.Unlock()

	seen := make(map[ports.MediaCapture]bool)
	for _, capture := range captures {
		if capture == nil || seen[capture] {
			continue
		}
		seen[capture] = true
		if err := capture.Stop(); err != nil {
			c.logger.Debugw("error stopping capture", "label", capture.Label(), "error", err)
		}
	}
}
