// Package audiotest provides a scriptable in-memory audio.Context for
// exercising device monitoring and stream lifecycles without hardware.
package audiotest

import (
	"sync"

	"github.com/mivox/mivox/internal/audio"
)

// Context implements audio.Context with test-controlled device lists,
// defaults, enumeration errors and per-device open failures. The exported
// signal channels are buffered and written with non-blocking sends, so tests
// may observe as much or as little device activity as they want.
type Context struct {
	Inited   chan audio.DeviceID
	Started  chan audio.DeviceID
	Stopped  chan audio.DeviceID
	Uninited chan audio.DeviceID

	mtx             sync.Mutex
	captureDevs     []audio.DeviceInfo
	playbackDevs    []audio.DeviceInfo
	captureEnumErr  error
	playbackEnumErr error
	openErrs        map[audio.DeviceID][]error
	startErrs       map[audio.DeviceID][]error
	opens           []audio.DeviceID
	lastDev         *Device
	freed           bool
}

func New() *Context {
	return &Context{
		Inited:    make(chan audio.DeviceID, 32),
		Started:   make(chan audio.DeviceID, 32),
		Stopped:   make(chan audio.DeviceID, 32),
		Uninited:  make(chan audio.DeviceID, 32),
		openErrs:  make(map[audio.DeviceID][]error),
		startErrs: make(map[audio.DeviceID][]error),
	}
}

// Info is a shorthand DeviceInfo constructor.
func Info(id, name string, isDefault bool) audio.DeviceInfo {
	return audio.DeviceInfo{ID: audio.DeviceID(id), Name: name, IsDefault: isDefault}
}

func (c *Context) SetCaptureDevices(devs ...audio.DeviceInfo) {
	c.mtx.Lock()
	c.captureDevs = append([]audio.DeviceInfo(nil), devs...)
	c.mtx.Unlock()
}

func (c *Context) SetPlaybackDevices(devs ...audio.DeviceInfo) {
	c.mtx.Lock()
	c.playbackDevs = append([]audio.DeviceInfo(nil), devs...)
	c.mtx.Unlock()
}

// SetCaptureEnumError makes capture enumeration fail with err until reset
// with nil. SetPlaybackEnumError is the playback analog.
func (c *Context) SetCaptureEnumError(err error) {
	c.mtx.Lock()
	c.captureEnumErr = err
	c.mtx.Unlock()
}

func (c *Context) SetPlaybackEnumError(err error) {
	c.mtx.Lock()
	c.playbackEnumErr = err
	c.mtx.Unlock()
}

// QueueOpenErrors arranges for the next len(errs) Inits of id to fail, in
// order. The empty id matches default-device opens.
func (c *Context) QueueOpenErrors(id audio.DeviceID, errs ...error) {
	c.mtx.Lock()
	c.openErrs[id] = append(c.openErrs[id], errs...)
	c.mtx.Unlock()
}

// QueueStartErrors arranges for the next len(errs) Start calls on devices
// inited with id to fail, in order.
func (c *Context) QueueStartErrors(id audio.DeviceID, errs ...error) {
	c.mtx.Lock()
	c.startErrs[id] = append(c.startErrs[id], errs...)
	c.mtx.Unlock()
}

// Opens returns the device ids of every Init attempt so far, in order,
// including attempts that were scripted to fail.
func (c *Context) Opens() []audio.DeviceID {
	c.mtx.Lock()
	res := append([]audio.DeviceID(nil), c.opens...)
	c.mtx.Unlock()
	return res
}

// LastDevice returns the most recently inited fake device, or nil.
func (c *Context) LastDevice() *Device {
	c.mtx.Lock()
	d := c.lastDev
	c.mtx.Unlock()
	return d
}

// Freed reports whether Free was called.
func (c *Context) Freed() bool {
	c.mtx.Lock()
	f := c.freed
	c.mtx.Unlock()
	return f
}

func (c *Context) Name() string { return "audiotest" }

func (c *Context) Free() error {
	c.mtx.Lock()
	c.freed = true
	c.mtx.Unlock()
	return nil
}

func (c *Context) CaptureDevices() ([]audio.DeviceInfo, error) {
	c.mtx.Lock()
	devs, err := append([]audio.DeviceInfo(nil), c.captureDevs...), c.captureEnumErr
	c.mtx.Unlock()
	if err != nil {
		return nil, err
	}
	return devs, nil
}

func (c *Context) PlaybackDevices() ([]audio.DeviceInfo, error) {
	c.mtx.Lock()
	devs, err := append([]audio.DeviceInfo(nil), c.playbackDevs...), c.playbackEnumErr
	c.mtx.Unlock()
	if err != nil {
		return nil, err
	}
	return devs, nil
}

func (c *Context) InitCapture(id audio.DeviceID, params audio.StreamParams, cb audio.DataFunc) (audio.Device, error) {
	return c.initDevice(id, params, cb, true)
}

func (c *Context) InitPlayback(id audio.DeviceID, params audio.StreamParams, cb audio.DataFunc) (audio.Device, error) {
	return c.initDevice(id, params, cb, false)
}

func (c *Context) initDevice(id audio.DeviceID, params audio.StreamParams, cb audio.DataFunc, capture bool) (audio.Device, error) {
	c.mtx.Lock()
	c.opens = append(c.opens, id)
	if errs := c.openErrs[id]; len(errs) > 0 {
		err := errs[0]
		c.openErrs[id] = errs[1:]
		c.mtx.Unlock()
		return nil, err
	}
	dev := &Device{
		ctx:     c,
		ID:      id,
		Params:  params,
		Capture: capture,
		cb:      cb,
	}
	c.lastDev = dev
	c.mtx.Unlock()
	signal(c.Inited, id)
	return dev, nil
}

func signal(ch chan audio.DeviceID, id audio.DeviceID) {
	select {
	case ch <- id:
	default:
	}
}

// Device is the fake native stream handle handed out by Context.
type Device struct {
	ID      audio.DeviceID
	Params  audio.StreamParams
	Capture bool

	ctx *Context
	cb  audio.DataFunc
}

func (d *Device) Start() error {
	d.ctx.mtx.Lock()
	if errs := d.ctx.startErrs[d.ID]; len(errs) > 0 {
		err := errs[0]
		d.ctx.startErrs[d.ID] = errs[1:]
		d.ctx.mtx.Unlock()
		return err
	}
	d.ctx.mtx.Unlock()
	signal(d.ctx.Started, d.ID)
	return nil
}

func (d *Device) Stop() error {
	signal(d.ctx.Stopped, d.ID)
	return nil
}

func (d *Device) Uninit() {
	signal(d.ctx.Uninited, d.ID)
}

// Feed invokes the device's data callback, letting tests push capture data
// or pull playback data through the stream.
func (d *Device) Feed(out, in []byte, frames uint32) {
	d.cb(out, in, frames)
}
