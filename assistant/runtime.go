// Package assistant composes the device and session synchronization core of
// the push-to-talk runtime: the device monitor, the per-direction stream
// managers, the microphone session manager and the mode controller, wired
// together over the notification bus.
//
// The Runtime owns the coordination rules between those components. Every
// rule reacts to one notification, queries or commands the owning component
// and publishes nothing of its own; all cross-component truth stays inside
// the owning state machines.
package assistant

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/mivox/mivox/device"
	"github.com/mivox/mivox/devmon"
	"github.com/mivox/mivox/event"
	"github.com/mivox/mivox/internal/audio"
	"github.com/mivox/mivox/mic"
	"github.com/mivox/mivox/mode"
	"github.com/mivox/mivox/stream"
)

// Config holds the runtime dependencies and tunables.
type Config struct {
	// AudioContext is the host audio backend. When nil the build-selected
	// native backend is initialized and owned by the runtime.
	AudioContext audio.Context

	// Bus is the notification bus. When nil the runtime creates and owns
	// one; pass a bus to subscribe external collaborators on it.
	Bus *event.Bus

	// Notifier is the optional native device-change hint source. When nil
	// device changes are detected by polling alone.
	Notifier devmon.Notifier

	// PollInterval and Debounce tune the device monitor.
	PollInterval time.Duration
	Debounce     time.Duration

	// DefaultSampleRate and DefaultChannels fill device descriptor fields
	// the host enumeration leaves unset.
	DefaultSampleRate int
	DefaultChannels   int

	// Timing paces stream opens, retries and closes for both directions.
	Timing stream.TimingPolicy

	// OpenTimeout and CloseTimeout bound the microphone confirmation
	// waits.
	OpenTimeout  time.Duration
	CloseTimeout time.Duration

	// CaptureSink receives the native capture callback while recording.
	// PlaybackSource fills the native playback buffers while responding.
	// Either may be nil.
	CaptureSink    audio.DataFunc
	PlaybackSource audio.DataFunc

	// Logger returns the logger for the given subsystem. Defaults to
	// disabled loggers.
	Logger func(subsys string) slog.Logger
}

// Runtime is the assembled synchronization core.
type Runtime struct {
	log  slog.Logger
	bus  *event.Bus
	actx audio.Context

	ownsBus  bool
	ownsActx bool

	cache    *device.StateCache
	registry *device.Registry
	monitor  *devmon.Monitor
	notifier devmon.Notifier
	capture  *stream.Manager
	playback *stream.Manager
	mic      *mic.Manager
	modes    *mode.Controller

	regs []event.NotificationRegistration

	sessionCtr atomic.Uint64

	// inflight is the session id the capture stream activity currently
	// correlates to. It is narrow bookkeeping for routing confirmations;
	// session truth lives in the microphone manager.
	mtx      sync.Mutex
	inflight string
}

// New assembles a runtime. The returned runtime does nothing until Run is
// called.
func New(cfg Config) (*Runtime, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = func(string) slog.Logger { return slog.Disabled }
	}

	r := &Runtime{
		log:      logger("ASNT"),
		bus:      cfg.Bus,
		actx:     cfg.AudioContext,
		notifier: cfg.Notifier,
		cache:    device.NewStateCache(),
		registry: device.NewRegistry(),
	}

	if r.bus == nil {
		r.bus = event.NewBus(logger("EVNT"))
		r.ownsBus = true
	}
	if r.actx == nil {
		actx, err := audio.NewContext()
		if err != nil {
			return nil, fmt.Errorf("unable to init audio backend: %w", err)
		}
		r.actx = actx
		r.ownsActx = true
	}
	r.log.Debugf("Using %s audio backend", r.actx.Name())

	var err error
	r.monitor, err = devmon.New(devmon.Config{
		Context:           r.actx,
		Cache:             r.cache,
		Registry:          r.registry,
		Bus:               r.bus,
		Notifier:          cfg.Notifier,
		PollInterval:      cfg.PollInterval,
		Debounce:          cfg.Debounce,
		DefaultSampleRate: cfg.DefaultSampleRate,
		DefaultChannels:   cfg.DefaultChannels,
		Log:               logger("DVMN"),
	})
	if err != nil {
		return nil, err
	}

	params := audio.StreamParams{
		SampleRate: cfg.DefaultSampleRate,
		Channels:   cfg.DefaultChannels,
	}
	r.capture, err = stream.New(stream.Config{
		Direction: device.DirectionCapture,
		Context:   r.actx,
		Cache:     r.cache,
		Bus:       r.bus,
		OnData:    cfg.CaptureSink,
		Params:    params,
		Timing:    cfg.Timing,
		Log:       logger("CAPS"),
	})
	if err != nil {
		return nil, err
	}
	r.playback, err = stream.New(stream.Config{
		Direction: device.DirectionPlayback,
		Context:   r.actx,
		Cache:     r.cache,
		Bus:       r.bus,
		OnData:    cfg.PlaybackSource,
		Params:    params,
		Timing:    cfg.Timing,
		Log:       logger("PLYS"),
	})
	if err != nil {
		return nil, err
	}

	r.mic, err = mic.New(mic.Config{
		Bus:          r.bus,
		OpenTimeout:  cfg.OpenTimeout,
		CloseTimeout: cfg.CloseTimeout,
		Log:          logger("MICS"),
	})
	if err != nil {
		return nil, err
	}

	r.modes, err = mode.New(mode.Config{
		Bus: r.bus,
		Mic: r.mic,
		Log: logger("MODE"),
	})
	if err != nil {
		return nil, err
	}

	r.subscribe()
	return r, nil
}

// Bus returns the notification bus collaborators publish on and subscribe
// to.
func (r *Runtime) Bus() *event.Bus {
	return r.bus
}

// NextSessionID returns a new monotonic session id for a recording episode.
func (r *Runtime) NextSessionID() string {
	return fmt.Sprintf("s%d", r.sessionCtr.Add(1))
}

// Mode returns the current interaction mode and its owning session id.
func (r *Runtime) Mode() (mode.Mode, string) {
	return r.modes.Current()
}

// MicSession returns a snapshot of the microphone session.
func (r *Runtime) MicSession() mic.Session {
	return r.mic.Session()
}

func (r *Runtime) setInflight(sid string) {
	r.mtx.Lock()
	r.inflight = sid
	r.mtx.Unlock()
}

// clearInflight clears the inflight id when it matches sid. The match
// matters: a new session may already be inflight by the time the previous
// session's closure is processed.
func (r *Runtime) clearInflight(sid string) {
	r.mtx.Lock()
	if r.inflight == sid {
		r.inflight = ""
	}
	r.mtx.Unlock()
}

// subscribe installs the coordination rules.
func (r *Runtime) subscribe() {
	r.regs = append(r.regs,
		r.bus.Register(event.OnRecordingRequestedNtfn(r.onRecordingRequested)),
		r.bus.Register(event.OnRecordingStopRequestedNtfn(r.onRecordingStopRequested)),
		r.bus.Register(event.OnMicOpenRequestedNtfn(r.onMicOpenRequested)),
		r.bus.Register(event.OnMicCloseRequestedNtfn(r.onMicCloseRequested)),
		r.bus.Register(event.OnMicClosedNtfn(r.onMicClosed)),
		r.bus.Register(event.OnStreamOpenedNtfn(r.onStreamOpened)),
		r.bus.Register(event.OnStreamClosedNtfn(r.onStreamClosed)),
		r.bus.Register(event.OnStreamSwitchFailedNtfn(r.onStreamSwitchFailed)),
		r.bus.Register(event.OnDefaultDeviceChangedNtfn(r.onDefaultDeviceChanged)),
		r.bus.Register(event.OnModeChangedNtfn(r.onModeChanged)),
		r.bus.Register(event.OnResponseFinishedNtfn(r.onResponseFinished)),
	)
}

// onRecordingRequested is the push-to-talk press: enter listening, then
// open a microphone session. A press while another session still holds the
// microphone is acknowledged by the mode controller and refused by the
// microphone manager, so it degrades to a logged no-op.
func (r *Runtime) onRecordingRequested(e event.RecordingRequested) {
	err := r.modes.Request(mode.Request{
		Target:    mode.Listening,
		Source:    mode.SourceGesture,
		SessionID: e.SessionID,
	})
	if err != nil {
		r.log.Warnf("Recording request %s (%s) rejected by mode controller: %v",
			e.SessionID, e.Source, err)
		return
	}
	if err := r.mic.RequestOpen(e.SessionID); err != nil {
		r.log.Warnf("Recording request %s refused: %v", e.SessionID, err)
	}
}

// onRecordingStopRequested is the push-to-talk release.
func (r *Runtime) onRecordingStopRequested(e event.RecordingStopRequested) {
	if err := r.mic.RequestClose(e.SessionID); err != nil {
		// Common after a forced recovery already resolved the session.
		r.log.Debugf("Recording stop for %s not applicable: %v", e.SessionID, err)
	}
}

// onMicOpenRequested turns a logical open into capture stream activity.
func (r *Runtime) onMicOpenRequested(e event.MicOpenRequested) {
	r.setInflight(e.SessionID)

	dev, ok := r.cache.Default(device.DirectionCapture)
	if !ok {
		r.mic.ReportError(e.SessionID, "no capture device known")
		return
	}

	// The stream can still be open when sessions follow each other
	// quickly; an open stream on the right device is already the
	// requested activity.
	if cur, isOpen := r.capture.Current(); isOpen && cur.Same(dev) {
		r.mic.ConfirmOpened(e.SessionID)
		return
	}
	r.capture.EnsureOpen(dev)
}

// onMicCloseRequested turns a logical close into stopping the capture
// stream. A switch in flight is abandoned by the closure. When no stream is
// bound (a release can land inside the settle window, before the open ever
// bound one) no closure event will follow, so the session is confirmed
// closed directly, mirroring the open side.
func (r *Runtime) onMicCloseRequested(e event.MicCloseRequested) {
	r.capture.Close()
	if _, isOpen := r.capture.Current(); !isOpen {
		r.mic.ConfirmClosed(e.SessionID)
	}
}

// onMicClosed resolves the session bookkeeping. An orderly closure hands
// the episode to the response phase; a forced one recovers to idle.
func (r *Runtime) onMicClosed(e event.MicClosed) {
	r.clearInflight(e.SessionID)

	if e.Forced {
		// Make sure no capture stream survives the forced recovery,
		// then release the mode if this session still owns it.
		r.capture.Close()
		err := r.modes.Request(mode.Request{
			Target:    mode.Idle,
			Source:    mode.SourceRecovery,
			SessionID: e.SessionID,
		})
		if err != nil {
			r.log.Debugf("Recovery idle request for %s not applicable: %v",
				e.SessionID, err)
		}
		return
	}

	err := r.modes.Request(mode.Request{
		Target:    mode.Responding,
		Source:    mode.SourcePipeline,
		SessionID: e.SessionID,
	})
	if err != nil {
		r.log.Debugf("Responding request for %s not applicable: %v",
			e.SessionID, err)
	}
}

// onStreamOpened confirms a pending microphone open when the capture
// stream came up for the inflight session.
func (r *Runtime) onStreamOpened(e event.StreamOpened) {
	if e.Direction != device.DirectionCapture {
		return
	}
	r.mtx.Lock()
	sid := r.inflight
	r.mtx.Unlock()
	if sid == "" {
		return
	}
	if sess := r.mic.Session(); sess.ID == sid && sess.State == mic.StateOpening {
		r.mic.ConfirmOpened(sid)
	}
}

// onStreamClosed confirms a microphone closure, unless the closure is one
// half of a device switch, which the session outlives.
func (r *Runtime) onStreamClosed(e event.StreamClosed) {
	if e.Direction != device.DirectionCapture || e.Switching {
		return
	}
	r.mtx.Lock()
	sid := r.inflight
	r.mtx.Unlock()
	if sid == "" {
		return
	}
	if _, ok := r.mic.NonIdleSession(); ok {
		r.mic.ConfirmClosed(sid)
	}
}

// onStreamSwitchFailed escalates exhausted stream budgets: a capture
// failure fails the owning microphone session, a playback failure ends the
// responding mode.
func (r *Runtime) onStreamSwitchFailed(e event.StreamSwitchFailed) {
	switch e.Direction {
	case device.DirectionCapture:
		if sid, ok := r.mic.NonIdleSession(); ok {
			r.mic.ReportError(sid, e.Reason)
		}
	case device.DirectionPlayback:
		if cur, sid := r.modes.Current(); cur == mode.Responding {
			err := r.modes.Request(mode.Request{
				Target:    mode.Idle,
				Source:    mode.SourceRecovery,
				SessionID: sid,
			})
			if err != nil {
				r.log.Debugf("Recovery idle request after playback "+
					"failure not applicable: %v", err)
			}
		}
	}
}

// onDefaultDeviceChanged hot-swaps whichever streams are engaged. Idle
// streams need nothing; their next open reads the cache.
func (r *Runtime) onDefaultDeviceChanged(e event.DefaultDeviceChanged) {
	mgr := r.capture
	if e.Direction == device.DirectionPlayback {
		mgr = r.playback
	}
	if _, engaged := mgr.Wanted(); engaged {
		mgr.Switch(e.New)
	}
}

// onModeChanged follows the mode with the playback route: responding keeps
// a playback stream open, everything else closes it.
func (r *Runtime) onModeChanged(e event.ModeChanged) {
	if e.Mode != string(mode.Responding) {
		r.playback.Close()
		return
	}
	dev, ok := r.cache.Default(device.DirectionPlayback)
	if !ok {
		r.log.Warnf("No playback device known for session %s", e.SessionID)
		return
	}
	r.playback.EnsureOpen(dev)
}

// onResponseFinished ends the responding phase for the session.
func (r *Runtime) onResponseFinished(e event.ResponseFinished) {
	err := r.modes.Request(mode.Request{
		Target:    mode.Idle,
		Source:    mode.SourcePipeline,
		SessionID: e.SessionID,
	})
	if err != nil {
		r.log.Debugf("Idle request for finished response %s not applicable: %v",
			e.SessionID, err)
	}
}

// Run drives the runtime until the context is canceled. Streams are
// released and owned resources freed on the way out.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.capture.Run(gctx) })
	g.Go(func() error { return r.playback.Run(gctx) })
	if r.notifier != nil {
		g.Go(func() error { return r.notifier.Run(gctx) })
	}
	g.Go(func() error { return r.monitor.Run(gctx) })

	err := g.Wait()

	// Resolve any session before the bus goes away so subscribers see the
	// closure.
	r.mic.ForceClose("shutdown")

	for _, reg := range r.regs {
		reg.Unregister()
	}
	r.regs = nil
	if r.ownsBus {
		r.bus.Close()
	}
	if r.ownsActx {
		if ferr := r.actx.Free(); ferr != nil {
			r.log.Warnf("Error freeing audio backend: %v", ferr)
		}
	}
	return err
}
