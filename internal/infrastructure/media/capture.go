package media

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
)

// capture holds what every file-backed capture shares: the outbound track,
// the mute flag and the pump goroutine's lifetime.
type capture struct {
	track   *webrtc.TrackLocalStaticSample
	label   string
	enabled atomic.Bool

	ended     chan struct{}
	endedOnce sync.Once

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newCapture(track *webrtc.TrackLocalStaticSample, label string) (*capture, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &capture{
		track:  track,
		label:  label,
		ended:  make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.enabled.Store(true)
	return c, ctx
}

// run starts the pump. The capture ends when pump returns on its own.
func (c *capture) run(ctx context.Context, pump func(ctx context.Context)) {
	go func() {
		defer close(c.done)
		pump(ctx)
		if ctx.Err() == nil {
			c.markEnded()
		}
	}()
}

func (c *capture) markEnded() {
	c.endedOnce.Do(func() { close(c.ended) })
}

func (c *capture) Track() webrtc.TrackLocal {
	return c.track
}

func (c *capture) Label() string {
	return c.label
}

func (c *capture) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

func (c *capture) Enabled() bool {
	return c.enabled.Load()
}

func (c *capture) Ended() <-chan struct{} {
	return c.ended
}

// Stop halts the pump and waits for it. It does not close Ended: a stop
// requested by the caller is not an end of capture.
func (c *capture) Stop() error {
	c.stopOnce.Do(func() {
		c.cancel()
		<-c.done
	})
	return nil
}
