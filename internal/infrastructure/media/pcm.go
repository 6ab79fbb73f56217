package media

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

const (
	sampleRate    = 8000
	frameDuration = 20 * time.Millisecond
	frameSamples  = sampleRate / 50
)

// frameSource yields 20ms mono frames of 8kHz linear PCM. A nil frame with
// a nil error means no audio is available right now.
type frameSource interface {
	next() ([]int16, error)
	close() error
}

// pcmCapture sends a frame source as a PCMU track and fans the raw frames
// out to taps for mixing.
type pcmCapture struct {
	*capture
	taps   map[int]chan []int16
	nextID int
	mu     sync.Mutex
}

func newPCMCapture(src frameSource, trackID, label string, logger *zap.SugaredLogger) (*pcmCapture, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypePCMU,
		ClockRate: sampleRate,
		Channels:  1,
	}, trackID, "meshcast")
	if err != nil {
		src.close()
		return nil, err
	}

	base, ctx := newCapture(track, label)
	c := &pcmCapture{capture: base, taps: make(map[int]chan []int16)}
	silence := make([]int16, frameSamples)

	c.run(ctx, func(ctx context.Context) {
		defer src.close()

		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			frame, err := src.next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Warnw("audio source failed", "label", label, "error", err)
				}
				return
			}
			if frame == nil || !c.Enabled() {
				frame = silence
			}

			c.fanOut(frame)
			if err := track.WriteSample(media.Sample{Data: encodeMuLawFrame(frame), Duration: frameDuration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				logger.Warnw("failed to write audio sample", "label", label, "error", err)
			}
		}
	})
	return c, nil
}

func (c *pcmCapture) fanOut(frame []int16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.taps {
		select {
		case ch <- frame:
		default:
			// a slow mixer loses this frame
		}
	}
}

func (c *pcmCapture) Tap() (<-chan []int16, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	ch := make(chan []int16, 8)
	c.taps[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.taps, id)
			c.mu.Unlock()
		})
	}
}

// fileSource reads raw little-endian s16 mono 8kHz PCM, looping at EOF.
type fileSource struct {
	file *os.File
	buf  []byte
}

func openPCMFile(path string) (*fileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size() < frameSamples*2 {
		file.Close()
		return nil, fmt.Errorf("pcm file %s is shorter than one frame", path)
	}
	return &fileSource{file: file, buf: make([]byte, frameSamples*2)}, nil
}

func (s *fileSource) next() ([]int16, error) {
	if _, err := io.ReadFull(s.file, s.buf); err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(s.file, s.buf); err != nil {
			return nil, err
		}
	}
	frame := make([]int16, frameSamples)
	for i := range frame {
		frame[i] = int16(binary.LittleEndian.Uint16(s.buf[i*2:]))
	}
	return frame, nil
}

func (s *fileSource) close() error {
	return s.file.Close()
}

// toneSource is a sine wave, used when no microphone file is configured.
type toneSource struct {
	freq  float64
	phase float64
}

func (s *toneSource) next() ([]int16, error) {
	frame := make([]int16, frameSamples)
	step := 2 * math.Pi * s.freq / sampleRate
	for i := range frame {
		frame[i] = int16(math.Sin(s.phase) * 8000)
		s.phase += step
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)
	return frame, nil
}

func (s *toneSource) close() error { return nil }
