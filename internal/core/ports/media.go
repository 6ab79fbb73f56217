package ports

import (
	"context"

	"meshcast/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// MediaCapture is a live capture feeding one local track.
type MediaCapture interface {
	Track() webrtc.TrackLocal
	Label() string
	// SetEnabled mutes or unmutes the capture without touching the track.
	SetEnabled(enabled bool)
	Enabled() bool
	// Ended is closed when the capture stops on its own, for example when
	// the operating system ends a screen share.
	Ended() <-chan struct{}
	Stop() error
}

// PCMCapture is an audio capture whose raw frames can be tapped for mixing.
type PCMCapture interface {
	MediaCapture
	// Tap returns a stream of mono 16-bit frames and a function to detach it.
	Tap() (<-chan []int16, func())
}

type ScreenCapture struct {
	Video MediaCapture
	// Audio is nil when the screen share carries no system audio.
	Audio MediaCapture
}

type CaptureProvider interface {
	VideoDevices(ctx context.Context) ([]domain.CaptureDevice, error)
	OpenCamera(ctx context.Context, deviceID string) (MediaCapture, error)
	OpenScreen(ctx context.Context) (*ScreenCapture, error)
	OpenMicrophone(ctx context.Context) (MediaCapture, error)
}

type AudioMixer interface {
	// Mix combines sources into one capture. It returns an error wrapping
	// domain.ErrMixingUnavailable when the sources cannot be mixed.
	Mix(ctx context.Context, sources ...MediaCapture) (MediaCapture, error)
}
