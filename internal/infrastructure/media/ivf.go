package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"go.uber.org/zap"
)

var fourCCMime = map[string]string{
	"VP80": webrtc.MimeTypeVP8,
	"VP90": webrtc.MimeTypeVP9,
	"AV01": webrtc.MimeTypeAV1,
}

// openIVF plays an IVF file into a sample track at the file's frame rate.
// With loop set the file restarts at EOF, otherwise the capture ends.
func openIVF(path, trackID, label string, loop bool, logger *zap.SugaredLogger) (*capture, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read ivf header of %s: %w", path, err)
	}
	mime, ok := fourCCMime[header.FourCC]
	if !ok {
		file.Close()
		return nil, fmt.Errorf("unsupported ivf codec %q in %s", header.FourCC, path)
	}
	if header.TimebaseDenominator == 0 {
		file.Close()
		return nil, fmt.Errorf("invalid ivf timebase in %s", path)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, trackID, "meshcast")
	if err != nil {
		file.Close()
		return nil, err
	}

	c, ctx := newCapture(track, label)

	frameDuration := time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	if frameDuration <= 0 {
		frameDuration = time.Second / 30
	}

	c.run(ctx, func(ctx context.Context) {
		defer file.Close()

		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			frame, _, err := reader.ParseNextFrame()
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if !loop {
					logger.Infow("capture reached end of file", "label", label)
					return
				}
				if reader, err = rewind(file); err != nil {
					logger.Warnw("failed to rewind capture", "label", label, "error", err)
					return
				}
				continue
			}
			if err != nil {
				logger.Warnw("failed to read ivf frame", "label", label, "error", err)
				return
			}

			// a muted video capture sends nothing; the viewer keeps the last frame
			if !c.Enabled() {
				continue
			}
			if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				logger.Warnw("failed to write video sample", "label", label, "error", err)
			}
		}
	})

	return c, nil
}

func rewind(file *os.File) (*ivfreader.IVFReader, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader, _, err := ivfreader.NewWith(file)
	return reader, err
}
