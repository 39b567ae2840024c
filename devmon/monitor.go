// Package devmon watches the host for audio device topology changes. It
// combines two detection paths, native change hints delivered by a Notifier
// and periodic re-enumeration, and funnels both through a per-direction
// debounce window so that a burst of raw signals produces a single applied
// default-device change.
package devmon

import (
	"context"
	"errors"
	"time"

	"github.com/decred/slog"

	"github.com/mivox/mivox/device"
	"github.com/mivox/mivox/event"
	"github.com/mivox/mivox/internal/audio"
)

const (
	// DefaultPollInterval is how often the fallback poller re-enumerates
	// devices when the config does not override it.
	DefaultPollInterval = 2 * time.Second

	// DefaultDebounce is the settling window applied to change candidates
	// before they are rechecked and applied.
	DefaultDebounce = 300 * time.Millisecond
)

// Config holds the monitor dependencies and tunables.
type Config struct {
	// Context enumerates the host devices. Required.
	Context audio.Context

	// Cache receives the resolved per-direction defaults. Required.
	Cache *device.StateCache

	// Registry receives the full enumeration snapshots. Required.
	Registry *device.Registry

	// Bus receives DefaultDeviceChanged notifications. Required.
	Bus *event.Bus

	// Notifier is the optional native change-hint source. When nil the
	// monitor relies on polling alone.
	Notifier Notifier

	// PollInterval overrides DefaultPollInterval when > 0.
	PollInterval time.Duration

	// Debounce overrides DefaultDebounce when > 0.
	Debounce time.Duration

	// DefaultSampleRate and DefaultChannels fill descriptor fields the
	// host enumeration leaves at zero.
	DefaultSampleRate int
	DefaultChannels   int

	// Log is the monitor logger. Defaults to a disabled logger.
	Log slog.Logger
}

// Monitor tracks the OS default capture and playback devices.
type Monitor struct {
	cfg audio.StreamParams // descriptor fill-ins
	ctx audio.Context
	log slog.Logger

	cache    *device.StateCache
	registry *device.Registry
	bus      *event.Bus
	notifier Notifier

	pollInterval time.Duration
	debounce     time.Duration
}

// New creates a Monitor. All required config fields must be set.
func New(cfg Config) (*Monitor, error) {
	if cfg.Context == nil {
		return nil, errors.New("cfg.Context is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cfg.Cache is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("cfg.Registry is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("cfg.Bus is required")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Monitor{
		cfg: audio.StreamParams{
			SampleRate: cfg.DefaultSampleRate,
			Channels:   cfg.DefaultChannels,
		},
		ctx:          cfg.Context,
		log:          log,
		cache:        cfg.Cache,
		registry:     cfg.Registry,
		bus:          cfg.Bus,
		notifier:     cfg.Notifier,
		pollInterval: pollInterval,
		debounce:     debounce,
	}, nil
}

// describe converts a host enumeration entry into a Descriptor, filling
// fields the host left unset from the configured defaults.
func (m *Monitor) describe(dir device.Direction, info audio.DeviceInfo) device.Descriptor {
	sampleRate := info.SampleRate
	if sampleRate <= 0 {
		sampleRate = m.cfg.SampleRate
	}
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	channels := info.Channels
	if channels <= 0 {
		channels = m.cfg.Channels
	}
	if channels <= 0 {
		channels = audio.DefaultChannels
	}
	return device.Descriptor{
		UID:         string(info.ID),
		Name:        info.Name,
		Direction:   dir,
		SampleRate:  sampleRate,
		Channels:    channels,
		Wireless:    device.GuessWireless(info.Name),
		BlockSize:   info.BlockSize,
		LatencyHint: info.Latency,
		NativeID:    device.NativeID(info.ID),
	}
}

// enumerate lists one direction and syncs the registry with the snapshot.
// The returned default is the host-flagged default device, or the first
// enumerated device when the host flags none.
func (m *Monitor) enumerate(dir device.Direction) (device.Descriptor, bool, error) {
	var infos []audio.DeviceInfo
	var err error
	switch dir {
	case device.DirectionCapture:
		infos, err = m.ctx.CaptureDevices()
	case device.DirectionPlayback:
		infos, err = m.ctx.PlaybackDevices()
	default:
		err = errors.New("invalid direction")
	}
	if err != nil {
		return device.Descriptor{}, false, err
	}

	devs := make([]device.Descriptor, 0, len(infos))
	defIdx := -1
	for _, info := range infos {
		if info.ID == "" {
			continue
		}
		devs = append(devs, m.describe(dir, info))
		if info.IsDefault && defIdx == -1 {
			defIdx = len(devs) - 1
		}
	}
	m.registry.SyncDirection(dir, devs)

	if defIdx == -1 {
		if len(devs) == 0 {
			return device.Descriptor{}, false, nil
		}
		defIdx = 0
	}
	return devs[defIdx], true, nil
}

// recheck resolves the current default for one direction and publishes a
// change notification when its uid differs from the cached one. Attribute
// drift under the same uid refreshes the cache silently.
func (m *Monitor) recheck(dir device.Direction, source event.ChangeSource) {
	def, ok, err := m.enumerate(dir)
	if err != nil {
		// Keep the previous snapshot and retry on the next trigger.
		m.log.Warnf("Unable to enumerate %s devices: %v", dir, err)
		return
	}
	if !ok {
		m.log.Warnf("No %s devices enumerated", dir)
		return
	}

	prev, hadPrev := m.cache.UpdateDefault(def)
	if hadPrev && prev.Same(def) {
		m.log.Tracef("Default %s device unchanged (%s)", dir, def.UID)
		return
	}

	ntfn := event.DefaultDeviceChanged{
		Direction: dir,
		New:       def,
		Source:    source,
	}
	if hadPrev {
		ntfn.Old = &prev
	}
	m.log.Infof("Default %s device is now %q (uid %s, wireless %v, source %s)",
		dir, def.Name, def.UID, def.Wireless, source)
	m.bus.PublishDefaultDeviceChanged(ntfn)
}

// poll re-enumerates one direction and reports whether the host default
// drifted from the cached one.
func (m *Monitor) poll(dir device.Direction) bool {
	def, ok, err := m.enumerate(dir)
	if err != nil {
		m.log.Debugf("Poll enumeration of %s devices failed: %v", dir, err)
		return false
	}
	if !ok {
		return false
	}
	prev, hadPrev := m.cache.Default(dir)
	return !hadPrev || !prev.Same(def)
}

// Run primes the default-device caches, then watches for changes until the
// context is canceled. Change hints and poll-detected drifts both arm a
// per-direction debounce slot; the slot firing performs the authoritative
// recheck. Hints re-arm a pending slot, so a burst of raw signals collapses
// into a single applied change per direction.
func (m *Monitor) Run(ctx context.Context) error {
	m.recheck(device.DirectionCapture, event.SourceInitial)
	m.recheck(device.DirectionPlayback, event.SourceInitial)

	var hints <-chan struct{}
	if m.notifier != nil {
		hints = m.notifier.Hints()
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var captureSlot, playbackSlot <-chan time.Time
	captureSrc, playbackSrc := event.SourcePoll, event.SourcePoll

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-hints:
			m.log.Tracef("Change hint received, arming debounce")
			captureSlot = time.After(m.debounce)
			playbackSlot = time.After(m.debounce)
			captureSrc, playbackSrc = event.SourceNotification, event.SourceNotification

		case <-ticker.C:
			if captureSlot == nil && m.poll(device.DirectionCapture) {
				captureSlot = time.After(m.debounce)
				captureSrc = event.SourcePoll
			}
			if playbackSlot == nil && m.poll(device.DirectionPlayback) {
				playbackSlot = time.After(m.debounce)
				playbackSrc = event.SourcePoll
			}

		case <-captureSlot:
			captureSlot = nil
			m.recheck(device.DirectionCapture, captureSrc)

		case <-playbackSlot:
			playbackSlot = nil
			m.recheck(device.DirectionPlayback, playbackSrc)
		}
	}
}
