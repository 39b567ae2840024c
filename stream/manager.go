// Package stream owns the native audio stream of one direction. At most one
// stream per direction exists at any time; a Manager reconciles the actual
// native stream against the externally requested target device, so rapid
// target changes collapse into the minimal open and close sequence and a
// close requested during a switch wins over the pending open.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/mivox/mivox/device"
	"github.com/mivox/mivox/event"
	"github.com/mivox/mivox/internal/audio"
)

// State is the lifecycle position of a managed stream.
type State string

const (
	StateIdle          State = "idle"
	StateOpening       State = "opening"
	StateActive        State = "active"
	StateClosing       State = "closing"
	StateErrorRetrying State = "error_retrying"
)

// Config holds the manager dependencies and tunables.
type Config struct {
	// Direction selects which stream this manager owns. Required.
	Direction device.Direction

	// Context is the host audio backend. Required.
	Context audio.Context

	// Cache supplies the fallback default when a target device vanishes
	// mid-open. Required.
	Cache *device.StateCache

	// Bus receives the stream lifecycle notifications. Required.
	Bus *event.Bus

	// OnData receives the native callback while the stream is active.
	// May be nil when the frames are not consumed yet.
	OnData audio.DataFunc

	// Params fills stream parameters the target descriptor leaves unset.
	Params audio.StreamParams

	// Timing is the pacing policy. Zero fields take defaults.
	Timing TimingPolicy

	// Log is the manager logger. Defaults to a disabled logger.
	Log slog.Logger
}

// Manager reconciles one direction's native stream against a desired target
// device. All public methods only mutate the desired state and wake the
// reconciler; the native open and close work happens on the Run goroutine.
type Manager struct {
	dir    device.Direction
	actx   audio.Context
	cache  *device.StateCache
	bus    *event.Bus
	onData audio.DataFunc
	params audio.StreamParams
	timing TimingPolicy
	log    slog.Logger

	wake chan struct{}

	// dev is only touched from the Run goroutine.
	dev audio.Device

	mtx     sync.Mutex
	state   State
	current *device.Descriptor // device bound to the native stream
	want    *device.Descriptor // requested target, nil means closed
}

// New creates a stream Manager. All required config fields must be set.
func New(cfg Config) (*Manager, error) {
	if !cfg.Direction.Valid() {
		return nil, fmt.Errorf("invalid direction %q", cfg.Direction)
	}
	if cfg.Context == nil {
		return nil, errors.New("cfg.Context is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cfg.Cache is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("cfg.Bus is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Manager{
		dir:    cfg.Direction,
		actx:   cfg.Context,
		cache:  cfg.Cache,
		bus:    cfg.Bus,
		onData: cfg.OnData,
		params: cfg.Params,
		timing: cfg.Timing.withDefaults(),
		log:    log,
		wake:   make(chan struct{}, 1),
		state:  StateIdle,
	}, nil
}

func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// EnsureOpen requests a stream bound and active on the given device when no
// stream exists or is being opened. When a stream is already wanted,
// whatever its device, this is a no-op; rebinding an existing stream is
// Switch's job.
func (m *Manager) EnsureOpen(d device.Descriptor) {
	if d.UID == "" || d.Direction != m.dir {
		m.log.Errorf("Rejecting EnsureOpen of invalid device %+v", d)
		return
	}
	m.mtx.Lock()
	if m.want == nil {
		m.want = &d
	}
	m.mtx.Unlock()
	m.kick()
}

// Switch requests the stream rebound to the given device. An open or switch
// already in flight has its target overwritten, so the latest request wins
// and at most one close and open sequence runs per settled target.
func (m *Manager) Switch(d device.Descriptor) {
	if d.UID == "" || d.Direction != m.dir {
		m.log.Errorf("Rejecting Switch to invalid device %+v", d)
		return
	}
	m.mtx.Lock()
	m.want = &d
	m.mtx.Unlock()
	m.kick()
}

// Close requests the stream released. A pending open or switch is
// abandoned.
func (m *Manager) Close() {
	m.mtx.Lock()
	m.want = nil
	m.mtx.Unlock()
	m.kick()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mtx.Lock()
	state := m.state
	m.mtx.Unlock()
	return state
}

// Current returns the device the native stream is bound to, when there is
// one.
func (m *Manager) Current() (device.Descriptor, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.current == nil {
		return device.Descriptor{}, false
	}
	return *m.current, true
}

// Wanted returns the device the stream is meant to settle on, when the
// stream is engaged at all.
func (m *Manager) Wanted() (device.Descriptor, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.want == nil {
		return device.Descriptor{}, false
	}
	return *m.want, true
}

func (m *Manager) setState(state State) {
	m.mtx.Lock()
	m.state = state
	m.mtx.Unlock()
}

// snapshot returns copies of the bound and wanted devices.
func (m *Manager) snapshot() (cur, want *device.Descriptor) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.current != nil {
		c := *m.current
		cur = &c
	}
	if m.want != nil {
		w := *m.want
		want = &w
	}
	return cur, want
}

// stillWanted reports whether the given target is still the requested one.
func (m *Manager) stillWanted(target device.Descriptor) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.want != nil && m.want.Same(target)
}

// Run owns the native stream until the context is canceled. Any active
// stream is released on the way out.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.mtx.Lock()
			m.want = nil
			m.mtx.Unlock()
			if m.dev != nil {
				m.teardown(ctx)
			}
			return ctx.Err()
		case <-m.wake:
		}
		m.reconcile(ctx)
	}
}

// reconcile drives the native stream towards the wanted target, re-reading
// the target after every step so overwrites and closures take effect at the
// next step boundary.
func (m *Manager) reconcile(ctx context.Context) {
	for ctx.Err() == nil {
		cur, want := m.snapshot()
		switch {
		case cur == nil && want == nil:
			return
		case cur != nil && want != nil && cur.Same(*want):
			return
		case cur != nil:
			// Either closing or switching away.
			m.teardown(ctx)
		default:
			m.open(ctx, *want)
		}
	}
}

// wait sleeps for d, returning early with false when the context is
// canceled or the target stops being the wanted device.
func (m *Manager) wait(ctx context.Context, d time.Duration, target device.Descriptor) bool {
	if d <= 0 {
		return m.stillWanted(target)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-m.wake:
			if !m.stillWanted(target) {
				// Hand the new desired state back to the
				// reconciler.
				m.kick()
				return false
			}
		case <-timer.C:
			return m.stillWanted(target)
		}
	}
}

// open attempts to bind and start the native stream on target, pacing
// attempts per the timing policy. On a vanished target it redirects the
// desired state to the cached default; on an exhausted budget it publishes
// a terminal switch failure and returns the desired state to closed.
func (m *Manager) open(ctx context.Context, target device.Descriptor) {
	m.setState(StateOpening)

	settle := m.timing.settleDelay(target.Wireless)
	m.log.Debugf("Opening %s stream on %q (uid %s), settling %s",
		m.dir, target.Name, target.UID, settle)
	if !m.wait(ctx, settle, target) {
		m.setState(StateIdle)
		return
	}

	budget := m.timing.retryBudget(target.Wireless)
	var lastErr error
	for attempt := 0; attempt <= budget; attempt++ {
		if attempt > 0 {
			m.setState(StateErrorRetrying)
			delay := m.timing.backoff(attempt)
			m.log.Debugf("Retrying %s open of %s in %s (attempt %d/%d)",
				m.dir, target.UID, delay, attempt, budget)
			if !m.wait(ctx, delay, target) {
				m.setState(StateIdle)
				return
			}
		}

		dev, err := m.initDevice(target)
		if err == nil {
			m.mtx.Lock()
			m.dev = dev
			m.state = StateActive
			m.current = &target
			m.mtx.Unlock()
			m.log.Infof("Opened %s stream on %q (uid %s)",
				m.dir, target.Name, target.UID)
			m.bus.PublishStreamOpened(event.StreamOpened{
				Direction: m.dir,
				DeviceUID: target.UID,
			})
			return
		}
		lastErr = err
		m.log.Warnf("Open attempt %d of %s device %s failed: %v",
			attempt+1, m.dir, target.UID, err)

		if errors.Is(err, audio.ErrDeviceGone) {
			// The target vanished. Redirect to the cached default
			// route when that is a different device.
			if def, ok := m.cache.Default(m.dir); ok && !def.Same(target) {
				m.log.Infof("Target %s vanished, falling back to default %s",
					target.UID, def.UID)
				m.mtx.Lock()
				if m.want != nil && m.want.Same(target) {
					m.want = &def
				}
				m.mtx.Unlock()
				m.setState(StateIdle)
				return
			}
		}
	}

	// Budget exhausted. Surface the terminal failure and return to idle
	// until a new external request arrives.
	m.log.Errorf("Giving up opening %s device %s after %d attempts: %v",
		m.dir, target.UID, budget+1, lastErr)
	m.mtx.Lock()
	if m.want != nil && m.want.Same(target) {
		m.want = nil
	}
	m.state = StateIdle
	m.mtx.Unlock()
	m.bus.PublishStreamSwitchFailed(event.StreamSwitchFailed{
		Direction: m.dir,
		DeviceUID: target.UID,
		Reason:    lastErr.Error(),
	})
}

// initDevice binds and starts the native stream.
func (m *Manager) initDevice(target device.Descriptor) (audio.Device, error) {
	params := m.params
	if target.SampleRate > 0 {
		params.SampleRate = target.SampleRate
	}
	if target.Channels > 0 {
		params.Channels = target.Channels
	}
	cb := m.onData
	if cb == nil {
		cb = func(out, in []byte, frames uint32) {}
	}

	var dev audio.Device
	var err error
	switch m.dir {
	case device.DirectionCapture:
		dev, err = m.actx.InitCapture(audio.DeviceID(target.NativeID), params, cb)
	default:
		dev, err = m.actx.InitPlayback(audio.DeviceID(target.NativeID), params, cb)
	}
	if err != nil {
		return nil, err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, err
	}
	return dev, nil
}

// teardown drains, stops and releases the bound native stream, then reports
// the closure. The switching flag reflects whether a new target is wanted
// at the moment the closure completes.
func (m *Manager) teardown(ctx context.Context) {
	m.mtx.Lock()
	if m.current == nil {
		m.mtx.Unlock()
		return
	}
	closed := *m.current
	m.state = StateClosing
	m.mtx.Unlock()

	// Give in-flight buffers a moment to flush, except when shutting
	// down.
	if drain := m.timing.DrainWindow; drain > 0 && ctx.Err() == nil {
		timer := time.NewTimer(drain)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	if err := m.dev.Stop(); err != nil {
		// The handle is released regardless, but surface the state.
		m.log.Warnf("Error stopping %s stream on %s: %v", m.dir, closed.UID, err)
		m.setState(StateErrorRetrying)
	}
	m.dev.Uninit()
	m.dev = nil

	m.mtx.Lock()
	m.current = nil
	m.state = StateIdle
	switching := m.want != nil
	m.mtx.Unlock()

	m.log.Infof("Closed %s stream on %q (uid %s, switching %v)",
		m.dir, closed.Name, closed.UID, switching)
	m.bus.PublishStreamClosed(event.StreamClosed{
		Direction: m.dir,
		DeviceUID: closed.UID,
		Switching: switching,
	})
}
