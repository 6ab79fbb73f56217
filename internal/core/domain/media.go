package domain

type MediaKind string

const (
	MediaCamera MediaKind = "camera"
	MediaScreen MediaKind = "screen"
)

func (k MediaKind) Valid() bool {
	return k == MediaCamera || k == MediaScreen
}

// AudioMode describes what the outbound audio track currently carries.
type AudioMode string

const (
	AudioNone       AudioMode = "none"
	AudioMicrophone AudioMode = "microphone"
	AudioSystem     AudioMode = "system"
	AudioMixed      AudioMode = "mixed"
)

type MediaSourceState struct {
	ActiveKind    MediaKind `json:"active_kind"`
	VideoDeviceID string    `json:"video_device_id"`
	MicMuted      bool      `json:"mic_muted"`
	AudioMode     AudioMode `json:"audio_mode"`
}

type CaptureDevice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}
