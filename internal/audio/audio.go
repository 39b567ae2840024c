// Package audio is the seam between the session core and the host's native
// audio layer. A Context enumerates devices and initializes capture or
// playback streams on them; which implementation backs the Context is
// selected at build time (miniaudio by default, PortAudio behind the
// portaudio tag, a null backend for cgo-less builds).
package audio

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied by backends when StreamParams fields are zero.
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 1
	DefaultPeriodMS   = 20
)

// DeviceID is the backend-specific identifier of one device. The empty id
// selects the host's current default device for the direction being opened.
type DeviceID string

// DeviceInfo describes one enumerable device. SampleRate, Channels, Latency
// and BlockSize are best effort: zero whenever the host API does not expose
// them.
type DeviceInfo struct {
	ID         DeviceID
	Name       string
	IsDefault  bool
	SampleRate int
	Channels   int
	Latency    time.Duration
	BlockSize  int
}

// DataFunc is the device data callback. Capture devices deliver recorded
// frames in in; playback devices expect out to be filled with frames to
// play. frames is the period's frame count. The callback runs on the
// backend's own thread and must not block.
type DataFunc func(out, in []byte, frames uint32)

// StreamParams are the open parameters for one stream. Zero fields take the
// package defaults.
type StreamParams struct {
	SampleRate int
	Channels   int
	PeriodMS   int
}

func (p StreamParams) withDefaults() StreamParams {
	if p.SampleRate == 0 {
		p.SampleRate = DefaultSampleRate
	}
	if p.Channels == 0 {
		p.Channels = DefaultChannels
	}
	if p.PeriodMS == 0 {
		p.PeriodMS = DefaultPeriodMS
	}
	return p
}

// Device is an initialized native stream bound to one device. Uninit must
// be called exactly once after the device is stopped.
type Device interface {
	Start() error
	Stop() error
	Uninit()
}

// Context is the host audio backend.
type Context interface {
	// Name identifies the backend implementation.
	Name() string

	// CaptureDevices and PlaybackDevices enumerate the respective
	// device lists.
	CaptureDevices() ([]DeviceInfo, error)
	PlaybackDevices() ([]DeviceInfo, error)

	// InitCapture and InitPlayback initialize (but do not start) a
	// stream on the given device. Native failures are classified with
	// ErrDeviceBusy/ErrDeviceGone where recognizable.
	InitCapture(id DeviceID, params StreamParams, cb DataFunc) (Device, error)
	InitPlayback(id DeviceID, params StreamParams, cb DataFunc) (Device, error)

	// Free releases the context. No device initialized through the
	// context may be used afterwards.
	Free() error
}

// NewContext creates the build-selected backend Context. Assigned by the
// init() of exactly one backend file.
var NewContext func() (Context, error)

// Failure classes recognized by stream retry logic.
var (
	// ErrDeviceBusy marks a transient native failure: the device exists
	// but could not be opened right now.
	ErrDeviceBusy = errors.New("audio device busy")

	// ErrDeviceGone marks a device that vanished between enumeration and
	// use.
	ErrDeviceGone = errors.New("audio device gone")
)

// IsTransient reports whether err is worth retrying on the same or a
// substitute device.
func IsTransient(err error) bool {
	return errors.Is(err, ErrDeviceBusy) || errors.Is(err, ErrDeviceGone)
}

// classifyNative wraps a native failure with the retry class the session
// core understands. Host libraries expose no stable error taxonomy, so the
// classification inspects the message.
func classifyNative(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "busy"),
		strings.Contains(msg, "in use"),
		strings.Contains(msg, "access denied"):
		return fmt.Errorf("%s: %w (%v)", op, ErrDeviceBusy, err)
	case strings.Contains(msg, "no device"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "no such"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "disconnected"),
		strings.Contains(msg, "not connected"):
		return fmt.Errorf("%s: %w (%v)", op, ErrDeviceGone, err)
	}
	return fmt.Errorf("%s: %v", op, err)
}
