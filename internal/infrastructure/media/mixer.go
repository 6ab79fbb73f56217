package media

import (
	"context"
	"fmt"
	"math"
	"sync"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"go.uber.org/zap"
)

// Mixer sums PCM captures into one PCMU track.
type Mixer struct {
	logger *zap.SugaredLogger
}

func NewMixer(logger *zap.SugaredLogger) *Mixer {
	return &Mixer{logger: logger}
}

// Mix needs at least two sources and every source must expose raw PCM.
// The sources keep running; stopping the mixed capture only detaches from
// them.
func (m *Mixer) Mix(ctx context.Context, sources ...ports.MediaCapture) (ports.MediaCapture, error) {
	if len(sources) < 2 {
		return nil, fmt.Errorf("%w: need two sources, got %d", domain.ErrMixingUnavailable, len(sources))
	}

	src := &mixSource{}
	for _, s := range sources {
		pcm, ok := s.(ports.PCMCapture)
		if !ok {
			src.close()
			return nil, fmt.Errorf("%w: %s does not expose pcm", domain.ErrMixingUnavailable, s.Label())
		}
		ch, detach := pcm.Tap()
		src.taps = append(src.taps, ch)
		src.detach = append(src.detach, detach)
	}

	mixed, err := newPCMCapture(src, "audio", "mixed", m.logger)
	if err != nil {
		return nil, err
	}
	return mixed, nil
}

type mixSource struct {
	taps   []<-chan []int16
	detach []func()
	once   sync.Once
}

// next takes whatever each tap has ready; a source with nothing ready
// contributes silence for this frame.
func (s *mixSource) next() ([]int16, error) {
	frames := make([][]int16, 0, len(s.taps))
	for _, ch := range s.taps {
		select {
		case f := <-ch:
			frames = append(frames, f)
		default:
		}
	}
	if len(frames) == 0 {
		return nil, nil
	}
	return mixFrames(frames...), nil
}

func (s *mixSource) close() error {
	s.once.Do(func() {
		for _, detach := range s.detach {
			detach()
		}
	})
	return nil
}

// mixFrames sums the frames sample by sample, clipping to int16.
func mixFrames(frames ...[]int16) []int16 {
	out := make([]int16, frameSamples)
	for i := range out {
		var sum int32
		for _, f := range frames {
			if i < len(f) {
				sum += int32(f[i])
			}
		}
		if sum > math.MaxInt16 {
			sum = math.MaxInt16
		} else if sum < math.MinInt16 {
			sum = math.MinInt16
		}
		out[i] = int16(sum)
	}
	return out
}
