package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// FakeCapture is a capture backed by a real sample track that never writes.
type FakeCapture struct {
	track   *webrtc.TrackLocalStaticSample
	label   string
	enabled atomic.Bool
	stopped atomic.Bool
	ended   chan struct{}
	endOnce sync.Once
}

func NewFakeCapture(trackID string, kind webrtc.RTPCodecType, label string) *FakeCapture {
	mime := webrtc.MimeTypeVP8
	if kind == webrtc.RTPCodecTypeAudio {
		mime = webrtc.MimeTypePCMU
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, trackID, "meshcast")
	if err != nil {
		panic(err)
	}
	c := &FakeCapture{track: track, label: label, ended: make(chan struct{})}
	c.enabled.Store(true)
	return c
}

func (c *FakeCapture) Track() webrtc.TrackLocal { return c.track }
func (c *FakeCapture) Label() string { return c.label }
func (c *FakeCapture) SetEnabled(enabled bool) { c.enabled.Store(enabled) }
func (c *FakeCapture) Enabled() bool { return c.enabled.Load() }
func (c *FakeCapture) Ended() <-chan struct{} { return c.ended }
func (c *FakeCapture) Stopped() bool { return c.stopped.Load() }

func (c *FakeCapture) Stop() error {
	c.stopped.Store(true)
	return nil
}

// EndNow simulates the operating system ending the capture.
func (c *FakeCapture) EndNow() {
	c.endOnce.Do(func() { close(c.ended) })
}

// FakeCaptureProvider opens FakeCaptures and can be told to fail.
type FakeCaptureProvider struct {
	mu          sync.Mutex
	devices     []domain.CaptureDevice
	cameraErr   error
	screenErr   error
	micErr      error
	screenAudio bool
	opened      int

	cameras []*FakeCapture
	screens []*ports.ScreenCapture
	mics    []*FakeCapture
}

func NewFakeCaptureProvider(deviceIDs ...string) *FakeCaptureProvider {
	p := &FakeCaptureProvider{}
	for _, id := range deviceIDs {
		p.devices = append(p.devices, domain.CaptureDevice{ID: id, Label: id})
	}
	return p
}

func (p *FakeCaptureProvider) FailCamera(err error) {
	p.mu.Lock()
	p.cameraErr = err
	p.mu.Unlock()
}

func (p *FakeCaptureProvider) FailScreen(err error) {
	p.mu.Lock()
	p.screenErr = err
	p.mu.Unlock()
}

func (p *FakeCaptureProvider) FailMicrophone(err error) {
	p.mu.Lock()
	p.micErr = err
	p.mu.Unlock()
}

// WithScreenAudio makes later screen captures carry system audio.
func (p *FakeCaptureProvider) WithScreenAudio(on bool) {
	p.mu.Lock()
	p.screenAudio = on
	p.mu.Unlock()
}

func (p *FakeCaptureProvider) VideoDevices(ctx context.Context) ([]domain.CaptureDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.CaptureDevice(nil), p.devices...), nil
}

func (p *FakeCaptureProvider) OpenCamera(ctx context.Context, deviceID string) (ports.MediaCapture, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cameraErr != nil {
		return nil, p.cameraErr
	}
	if len(p.devices) == 0 {
		return nil, domain.ErrNoDevices
	}
	if deviceID == "" {
		deviceID = p.devices[0].ID
	}
	found := false
	for _, d := range p.devices {
		found = found || d.ID == deviceID
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoDevices, deviceID)
	}
	p.opened++
	c := NewFakeCapture(fmt.Sprintf("camera-%d", p.opened), webrtc.RTPCodecTypeVideo, deviceID)
	p.cameras = append(p.cameras, c)
	return c, nil
}

func (p *FakeCaptureProvider) OpenScreen(ctx context.Context) (*ports.ScreenCapture, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.screenErr != nil {
		return nil, p.screenErr
	}
	p.opened++
	screen := &ports.ScreenCapture{
		Video: NewFakeCapture(fmt.Sprintf("screen-%d", p.opened), webrtc.RTPCodecTypeVideo, "screen"),
	}
	if p.screenAudio {
		screen.Audio = NewFakeCapture(fmt.Sprintf("system-audio-%d", p.opened), webrtc.RTPCodecTypeAudio, "system audio")
	}
	p.screens = append(p.screens, screen)
	return screen, nil
}

func (p *FakeCaptureProvider) OpenMicrophone(ctx context.Context) (ports.MediaCapture, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.micErr != nil {
		return nil, p.micErr
	}
	p.opened++
	c := NewFakeCapture(fmt.Sprintf("mic-%d", p.opened), webrtc.RTPCodecTypeAudio, "microphone")
	p.mics = append(p.mics, c)
	return c, nil
}

// LastCamera returns the most recently opened camera, or nil.
func (p *FakeCaptureProvider) LastCamera() *FakeCapture {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cameras) == 0 {
		return nil
	}
	return p.cameras[len(p.cameras)-1]
}

func (p *FakeCaptureProvider) LastScreen() *ports.ScreenCapture {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.screens) == 0 {
		return nil
	}
	return p.screens[len(p.screens)-1]
}

func (p *FakeCaptureProvider) LastMic() *FakeCapture {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.mics) == 0 {
		return nil
	}
	return p.mics[len(p.mics)-1]
}

// FakeMixer returns a fresh audio capture for every mix.
type FakeMixer struct {
	mu    sync.Mutex
	err   error
	mixes int
}

func (m *FakeMixer) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *FakeMixer) Mixes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mixes
}

func (m *FakeMixer) Mix(ctx context.Context, sources ...ports.MediaCapture) (ports.MediaCapture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if len(sources) < 2 {
		return nil, domain.ErrMixingUnavailable
	}
	m.mixes++
	return NewFakeCapture(fmt.Sprintf("mixed-%d", m.mixes), webrtc.RTPCodecTypeAudio, "mixed"), nil
}
