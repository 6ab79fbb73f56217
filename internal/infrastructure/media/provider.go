package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/config"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type Config struct {
	// Dir holds one <device>.ivf file per camera.
	Dir        string
	ScreenFile string
	ScreenLoop bool
	// MicFile is raw PCM; empty sends a test tone.
	MicFile string
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Dir:        cfg.Media.Dir,
		ScreenFile: cfg.Media.ScreenFile,
		ScreenLoop: cfg.Media.ScreenLoop,
		MicFile:    cfg.Media.MicFile,
	}
}

// FileProvider implements ports.CaptureProvider over media files. Cameras
// are the IVF files in Dir; the list is kept current with fsnotify so a
// file dropped into the directory shows up as a new device.
type FileProvider struct {
	cfg    Config
	logger *zap.SugaredLogger

	devices  []domain.CaptureDevice
	onChange func([]domain.CaptureDevice)
	mu       sync.RWMutex

	watcher   *fsnotify.Watcher
	closed    chan struct{}
	closeOnce sync.Once
}

func NewFileProvider(cfg Config, logger *zap.SugaredLogger) (*FileProvider, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(cfg.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch media dir: %w", err)
	}

	p := &FileProvider{
		cfg:     cfg,
		logger:  logger,
		watcher: watcher,
		closed:  make(chan struct{}),
	}
	p.rescan()
	go p.watchLoop()
	return p, nil
}

// OnDevicesChanged registers fn to run after every device list change.
func (p *FileProvider) OnDevicesChanged(fn func([]domain.CaptureDevice)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *FileProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.watcher.Close()
	})
	return err
}

func (p *FileProvider) watchLoop() {
	for {
		select {
		case <-p.closed:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".ivf") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				p.rescan()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warnw("media watcher error", "error", err)
		}
	}
}

func (p *FileProvider) rescan() {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		p.logger.Warnw("failed to list media dir", "dir", p.cfg.Dir, "error", err)
		return
	}

	var devices []domain.CaptureDevice
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.EqualFold(filepath.Ext(name), ".ivf") || name == filepath.Base(p.cfg.ScreenFile) {
			continue
		}
		devices = append(devices, domain.CaptureDevice{
			ID:    strings.TrimSuffix(name, filepath.Ext(name)),
			Label: name,
		})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	p.mu.Lock()
	p.devices = devices
	onChange := p.onChange
	p.mu.Unlock()

	p.logger.Debugw("capture devices rescanned", "count", len(devices))
	if onChange != nil {
		onChange(append([]domain.CaptureDevice(nil), devices...))
	}
}

func (p *FileProvider) VideoDevices(ctx context.Context) ([]domain.CaptureDevice, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]domain.CaptureDevice(nil), p.devices...), nil
}

// OpenCamera opens deviceID, or the first device when deviceID is empty.
func (p *FileProvider) OpenCamera(ctx context.Context, deviceID string) (ports.MediaCapture, error) {
	devices, _ := p.VideoDevices(ctx)
	if len(devices) == 0 {
		return nil, domain.ErrNoDevices
	}

	device := devices[0]
	if deviceID != "" {
		found := false
		for _, d := range devices {
			if d.ID == deviceID {
				device, found = d, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("camera %q: %w", deviceID, domain.ErrNoDevices)
		}
	}

	c, err := openIVF(filepath.Join(p.cfg.Dir, device.Label), "video", device.ID, true, p.logger)
	if err != nil {
		return nil, fmt.Errorf("open camera %s: %w", device.ID, err)
	}
	return c, nil
}

// OpenScreen plays ScreenFile. System audio comes from a .pcm file next to
// it with the same base name, when one exists.
func (p *FileProvider) OpenScreen(ctx context.Context) (*ports.ScreenCapture, error) {
	path := p.resolve(p.cfg.ScreenFile)
	video, err := openIVF(path, "video", "screen", p.cfg.ScreenLoop, p.logger)
	if err != nil {
		return nil, fmt.Errorf("open screen: %w", err)
	}
	screen := &ports.ScreenCapture{Video: video}

	audioPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".pcm"
	src, err := openPCMFile(audioPath)
	switch {
	case err == nil:
		audio, err := newPCMCapture(src, "audio", "system audio", p.logger)
		if err != nil {
			video.Stop()
			return nil, fmt.Errorf("open system audio: %w", err)
		}
		screen.Audio = audio
	case errors.Is(err, os.ErrNotExist):
	default:
		p.logger.Warnw("ignoring unreadable system audio", "path", audioPath, "error", err)
	}
	return screen, nil
}

func (p *FileProvider) OpenMicrophone(ctx context.Context) (ports.MediaCapture, error) {
	var src frameSource = &toneSource{freq: 440}
	if p.cfg.MicFile != "" {
		f, err := openPCMFile(p.resolve(p.cfg.MicFile))
		if err != nil {
			return nil, fmt.Errorf("open microphone: %w", err)
		}
		src = f
	}

	c, err := newPCMCapture(src, "audio", "microphone", p.logger)
	if err != nil {
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	return c, nil
}

func (p *FileProvider) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(p.cfg.Dir, name)
}
