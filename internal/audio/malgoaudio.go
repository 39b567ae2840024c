//go:build cgo && !noaudio && !portaudio

package audio

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"strconv"

	"github.com/gen2brain/malgo"
)

// rawFormat needs to agree with the 16-bit little-endian layout DataFunc
// consumers assume.
var rawFormat = malgo.FormatS16

// rawFormatSampleSize is the byte size of one rawFormat sample.
const rawFormatSampleSize = 2

func init() {
	NewContext = newMalgoContext
}

// toMalgoID converts a device id to a malgo device id. Android ids are
// numeric strings instead of raw id bytes.
func (id DeviceID) toMalgoID() malgo.DeviceID {
	var res malgo.DeviceID
	if runtime.GOOS == "android" {
		i, err := strconv.ParseInt(string(id), 10, 32)
		if err == nil {
			binary.LittleEndian.PutUint32(res[:], uint32(i))
		}
	} else {
		copy(res[:], id)
	}
	return res
}

// emptyMalgoID is the zero malgo device id.
var emptyMalgoID malgo.DeviceID

// malgoContext implements Context on top of the malgo (miniaudio) library.
type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func newMalgoContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, classifyNative("init malgo context", err)
	}
	return &malgoContext{ctx: ctx}, nil
}

func (mc *malgoContext) Name() string {
	return "malgo"
}

func (mc *malgoContext) Free() error {
	if err := mc.ctx.Uninit(); err != nil {
		return err
	}
	mc.ctx.Free()
	return nil
}

func (mc *malgoContext) listDevices(typ malgo.DeviceType) ([]DeviceInfo, error) {
	devices, err := mc.ctx.Devices(typ)
	if err != nil {
		return nil, classifyNative("enumerate devices", err)
	}

	res := make([]DeviceInfo, 0, len(devices))
	setIds := make(map[DeviceID]struct{}, len(devices))
	for _, dev := range devices {
		full, err := mc.ctx.DeviceInfo(typ, dev.ID, malgo.Shared)
		if err != nil {
			// Device vanished between enumeration and lookup.
			continue
		}

		// Bluetooth devices can enumerate twice while the OS is still
		// negotiating profiles. Keep the first occurrence of each id.
		id := DeviceID(append([]byte(nil), full.ID[:]...))
		if _, ok := setIds[id]; ok {
			continue
		}
		setIds[id] = struct{}{}

		res = append(res, DeviceInfo{
			ID:        id,
			Name:      full.Name(),
			IsDefault: full.IsDefault == 1,
		})
	}

	return res, nil
}

func (mc *malgoContext) CaptureDevices() ([]DeviceInfo, error) {
	return mc.listDevices(malgo.Capture)
}

func (mc *malgoContext) PlaybackDevices() ([]DeviceInfo, error) {
	return mc.listDevices(malgo.Playback)
}

func (mc *malgoContext) InitCapture(id DeviceID, params StreamParams, cb DataFunc) (Device, error) {
	if err := checkRawFormat(); err != nil {
		return nil, err
	}
	params = params.withDefaults()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.SampleRate = uint32(params.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(params.PeriodMS)
	malgoID := id.toMalgoID()
	if malgoID != emptyMalgoID {
		deviceConfig.Capture.DeviceID = malgoID.Pointer()
	}
	deviceConfig.Capture.Format = rawFormat
	deviceConfig.Capture.Channels = uint32(params.Channels)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: malgo.DataProc(cb),
	}

	dev, err := malgo.InitDevice(mc.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, classifyNative("init capture device", err)
	}
	return dev, nil
}

func (mc *malgoContext) InitPlayback(id DeviceID, params StreamParams, cb DataFunc) (Device, error) {
	if err := checkRawFormat(); err != nil {
		return nil, err
	}
	params = params.withDefaults()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.SampleRate = uint32(params.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(params.PeriodMS)
	malgoID := id.toMalgoID()
	if malgoID != emptyMalgoID {
		deviceConfig.Playback.DeviceID = malgoID.Pointer()
	}
	deviceConfig.Playback.Format = rawFormat
	deviceConfig.Playback.Channels = uint32(params.Channels)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: malgo.DataProc(cb),
	}

	dev, err := malgo.InitDevice(mc.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, classifyNative("init playback device", err)
	}
	return dev, nil
}

func checkRawFormat() error {
	sampleSizeInBytes := malgo.SampleSizeInBytes(rawFormat)
	if sampleSizeInBytes != rawFormatSampleSize {
		return fmt.Errorf("malgo raw format has wrong sample size "+
			"(got %d, want %d)", sampleSizeInBytes, rawFormatSampleSize)
	}
	return nil
}
