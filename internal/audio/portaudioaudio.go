//go:build cgo && portaudio && !noaudio

package audio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

func init() {
	NewContext = newPortaudioContext
}

// portaudioContext implements Context on top of PortAudio. PortAudio does
// not expose a stable hardware uid, so ids are derived from the host API and
// device name, which survive re-enumeration on every platform PortAudio
// supports.
type portaudioContext struct{}

func newPortaudioContext() (Context, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, classifyNative("init portaudio", err)
	}
	return &portaudioContext{}, nil
}

func (pc *portaudioContext) Name() string {
	return "portaudio"
}

func (pc *portaudioContext) Free() error {
	return portaudio.Terminate()
}

func paDeviceID(dev *portaudio.DeviceInfo) DeviceID {
	host := "unknown"
	if dev.HostApi != nil {
		host = dev.HostApi.Name
	}
	return DeviceID("pa:" + host + "/" + dev.Name)
}

func (pc *portaudioContext) listDevices(capture bool) ([]DeviceInfo, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, classifyNative("enumerate devices", err)
	}

	var def *portaudio.DeviceInfo
	if capture {
		def, _ = portaudio.DefaultInputDevice()
	} else {
		def, _ = portaudio.DefaultOutputDevice()
	}

	res := make([]DeviceInfo, 0, len(devs))
	for _, dev := range devs {
		if capture && dev.MaxInputChannels <= 0 {
			continue
		}
		if !capture && dev.MaxOutputChannels <= 0 {
			continue
		}

		info := DeviceInfo{
			ID:         paDeviceID(dev),
			Name:       dev.Name,
			IsDefault:  def != nil && paDeviceID(def) == paDeviceID(dev),
			SampleRate: int(dev.DefaultSampleRate),
		}
		if capture {
			info.Channels = dev.MaxInputChannels
			info.Latency = dev.DefaultHighInputLatency
		} else {
			info.Channels = dev.MaxOutputChannels
			info.Latency = dev.DefaultHighOutputLatency
		}
		res = append(res, info)
	}

	return res, nil
}

func (pc *portaudioContext) CaptureDevices() ([]DeviceInfo, error) {
	return pc.listDevices(true)
}

func (pc *portaudioContext) PlaybackDevices() ([]DeviceInfo, error) {
	return pc.listDevices(false)
}

// deviceByID resolves id back to a live PortAudio device. The empty id
// selects the host default for the direction.
func (pc *portaudioContext) deviceByID(id DeviceID, capture bool) (*portaudio.DeviceInfo, error) {
	if id == "" {
		var dev *portaudio.DeviceInfo
		var err error
		if capture {
			dev, err = portaudio.DefaultInputDevice()
		} else {
			dev, err = portaudio.DefaultOutputDevice()
		}
		if err != nil {
			return nil, fmt.Errorf("default device: %w (%v)", ErrDeviceGone, err)
		}
		return dev, nil
	}

	devs, err := portaudio.Devices()
	if err != nil {
		return nil, classifyNative("enumerate devices", err)
	}
	for _, dev := range devs {
		if paDeviceID(dev) == id {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("device %q: %w", id, ErrDeviceGone)
}

type paDevice struct {
	stream *portaudio.Stream
}

func (d *paDevice) Start() error {
	return d.stream.Start()
}

func (d *paDevice) Stop() error {
	return d.stream.Stop()
}

func (d *paDevice) Uninit() {
	_ = d.stream.Close()
}

func (pc *portaudioContext) InitCapture(id DeviceID, params StreamParams, cb DataFunc) (Device, error) {
	params = params.withDefaults()
	dev, err := pc.deviceByID(id, true)
	if err != nil {
		return nil, err
	}

	channels := params.Channels
	if channels > dev.MaxInputChannels {
		channels = dev.MaxInputChannels
	}

	sp := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultHighInputLatency,
		},
		SampleRate:      float64(params.SampleRate),
		FramesPerBuffer: params.SampleRate * params.PeriodMS / 1000,
	}

	// PortAudio delivers int16 frames; DataFunc consumers expect raw
	// little-endian bytes.
	var scratch []byte
	stream, err := portaudio.OpenStream(sp, func(in []int16) {
		scratch = LES16ToBytes(in, scratch[:0])
		cb(nil, scratch, uint32(len(in)/channels))
	})
	if err != nil {
		return nil, classifyNative("init capture device", err)
	}
	return &paDevice{stream: stream}, nil
}

func (pc *portaudioContext) InitPlayback(id DeviceID, params StreamParams, cb DataFunc) (Device, error) {
	params = params.withDefaults()
	dev, err := pc.deviceByID(id, false)
	if err != nil {
		return nil, err
	}

	channels := params.Channels
	if channels > dev.MaxOutputChannels {
		channels = dev.MaxOutputChannels
	}

	sp := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultHighOutputLatency,
		},
		SampleRate:      float64(params.SampleRate),
		FramesPerBuffer: params.SampleRate * params.PeriodMS / 1000,
	}

	var scratch []byte
	stream, err := portaudio.OpenStream(sp, func(out []int16) {
		need := len(out) * 2
		if cap(scratch) < need {
			scratch = make([]byte, need)
		}
		buf := scratch[:need]
		for i := range buf {
			buf[i] = 0
		}
		cb(buf, nil, uint32(len(out)/channels))
		for i := 0; i < len(out); i++ {
			out[i] = int16(buf[i*2]) | (int16(buf[i*2+1]) << 8)
		}
	})
	if err != nil {
		return nil, classifyNative("init playback device", err)
	}
	return &paDevice{stream: stream}, nil
}
