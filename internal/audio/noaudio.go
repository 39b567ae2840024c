//go:build !cgo || noaudio

// This backend is only used in cgo-less and noaudio builds. It exposes one
// fake device per direction so the session machinery stays exercisable
// without hardware.

package audio

func init() {
	NewContext = newNullContext
}

const (
	// NullCaptureID and NullPlaybackID are the ids of the two fake
	// devices the null backend enumerates.
	NullCaptureID  DeviceID = "null:capture"
	NullPlaybackID DeviceID = "null:playback"
)

type nullContext struct{}

func newNullContext() (Context, error) {
	return nullContext{}, nil
}

func (nullContext) Name() string { return "nullaudio" }

func (nullContext) Free() error { return nil }

func (nullContext) CaptureDevices() ([]DeviceInfo, error) {
	return []DeviceInfo{{
		ID:        NullCaptureID,
		Name:      "Null Capture Device",
		IsDefault: true,
	}}, nil
}

func (nullContext) PlaybackDevices() ([]DeviceInfo, error) {
	return []DeviceInfo{{
		ID:        NullPlaybackID,
		Name:      "Null Playback Device",
		IsDefault: true,
	}}, nil
}

type nullDevice struct{}

func (nullDevice) Start() error { return nil }
func (nullDevice) Stop() error  { return nil }
func (nullDevice) Uninit()      {}

func (nullContext) InitCapture(id DeviceID, params StreamParams, cb DataFunc) (Device, error) {
	return nullDevice{}, nil
}

func (nullContext) InitPlayback(id DeviceID, params StreamParams, cb DataFunc) (Device, error) {
	return nullDevice{}, nil
}
