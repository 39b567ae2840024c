package assistant

import (
	"context"
	"testing"
	"time"

	"github.com/mivox/mivox/device"
	"github.com/mivox/mivox/devmon"
	"github.com/mivox/mivox/event"
	"github.com/mivox/mivox/internal/assert"
	"github.com/mivox/mivox/internal/audio"
	"github.com/mivox/mivox/internal/audiotest"
	"github.com/mivox/mivox/internal/testutils"
	"github.com/mivox/mivox/mic"
	"github.com/mivox/mivox/mode"
	"github.com/mivox/mivox/stream"
)

func testTiming() stream.TimingPolicy {
	return stream.TimingPolicy{
		WiredSettle:     time.Millisecond,
		WirelessSettle:  400 * time.Millisecond,
		Retries:         2,
		WirelessRetries: 3,
		BackoffBase:     5 * time.Millisecond,
		BackoffMax:      20 * time.Millisecond,
		DrainWindow:     time.Millisecond,
	}
}

// testRuntime is a fully assembled runtime over the fake audio backend,
// with every interesting notification teed into a channel.
type testRuntime struct {
	actx *audiotest.Context
	hint *devmon.ChanNotifier
	rt   *Runtime

	cancel context.CancelFunc
	done   chan error

	defaults  chan event.DefaultDeviceChanged
	opened    chan event.StreamOpened
	closed    chan event.StreamClosed
	failed    chan event.StreamSwitchFailed
	micOpened chan event.MicOpened
	micClosed chan event.MicClosed
	micErrs   chan event.MicError
	modes     chan event.ModeChanged
}

func newTestRuntime(t *testing.T) *testRuntime {
	t.Helper()

	actx := audiotest.New()
	actx.SetCaptureDevices(audiotest.Info("cap-a", "Built-in Microphone", true))
	actx.SetPlaybackDevices(audiotest.Info("spk-a", "Built-in Speakers", true))

	hint := devmon.NewChanNotifier()
	logger := testutils.TestLoggerBackend(t, t.Name())
	bus := event.NewBus(logger("EVNT"))

	rt, err := New(Config{
		AudioContext: actx,
		Bus:          bus,
		Notifier:     hint,
		PollInterval: time.Hour,
		Debounce:     5 * time.Millisecond,
		Timing:       testTiming(),
		OpenTimeout:  time.Minute,
		CloseTimeout: time.Minute,
		Logger:       logger,
	})
	assert.NilErr(t, err)

	tr := &testRuntime{
		actx:      actx,
		hint:      hint,
		rt:        rt,
		done:      make(chan error, 1),
		defaults:  make(chan event.DefaultDeviceChanged, 16),
		opened:    make(chan event.StreamOpened, 16),
		closed:    make(chan event.StreamClosed, 16),
		failed:    make(chan event.StreamSwitchFailed, 16),
		micOpened: make(chan event.MicOpened, 16),
		micClosed: make(chan event.MicClosed, 16),
		micErrs:   make(chan event.MicError, 16),
		modes:     make(chan event.ModeChanged, 16),
	}
	bus.Register(event.OnDefaultDeviceChangedNtfn(func(e event.DefaultDeviceChanged) { tr.defaults <- e }))
	bus.Register(event.OnStreamOpenedNtfn(func(e event.StreamOpened) { tr.opened <- e }))
	bus.Register(event.OnStreamClosedNtfn(func(e event.StreamClosed) { tr.closed <- e }))
	bus.Register(event.OnStreamSwitchFailedNtfn(func(e event.StreamSwitchFailed) { tr.failed <- e }))
	bus.Register(event.OnMicOpenedNtfn(func(e event.MicOpened) { tr.micOpened <- e }))
	bus.Register(event.OnMicClosedNtfn(func(e event.MicClosed) { tr.micClosed <- e }))
	bus.Register(event.OnMicErrorNtfn(func(e event.MicError) { tr.micErrs <- e }))
	bus.Register(event.OnModeChangedNtfn(func(e event.ModeChanged) { tr.modes <- e }))
	return tr
}

// run starts the runtime and waits for the monitor to prime nPrimed
// direction defaults.
func (tr *testRuntime) run(t *testing.T, nPrimed int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	tr.cancel = cancel
	go func() { tr.done <- tr.rt.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-tr.done:
		case <-time.After(time.Minute):
			t.Error("runtime did not stop")
		}
	})
	for i := 0; i < nPrimed; i++ {
		assert.ChanWritten(t, tr.defaults)
	}
}

func (tr *testRuntime) press(t *testing.T) string {
	t.Helper()
	sid := tr.rt.NextSessionID()
	tr.rt.Bus().PublishRecordingRequested(event.RecordingRequested{
		SessionID: sid, Source: "test",
	})
	return sid
}

func (tr *testRuntime) release(t *testing.T, sid string) {
	t.Helper()
	tr.rt.Bus().PublishRecordingStopRequested(event.RecordingStopRequested{SessionID: sid})
}

func TestRuntimeNormalCycle(t *testing.T) {
	t.Parallel()
	tr := newTestRuntime(t)
	tr.run(t, 2)

	// Press: listening mode, capture stream up, session active.
	sid := tr.press(t)
	assert.ChanWrittenWithVal(t, tr.modes,
		event.ModeChanged{Mode: "listening", SessionID: sid})
	assert.ChanWrittenWithVal(t, tr.opened,
		event.StreamOpened{Direction: device.DirectionCapture, DeviceUID: "cap-a"})
	assert.ChanWrittenWithVal(t, tr.micOpened, event.MicOpened{SessionID: sid})

	// Release: capture stream down, session resolved, response phase with
	// the playback stream up.
	tr.release(t, sid)
	assert.ChanWrittenWithVal(t, tr.closed,
		event.StreamClosed{Direction: device.DirectionCapture, DeviceUID: "cap-a"})
	mc := assert.ChanWritten(t, tr.micClosed)
	assert.BoolIs(t, mc.Forced, false)
	assert.ChanWrittenWithVal(t, tr.modes,
		event.ModeChanged{Mode: "responding", SessionID: sid})
	assert.ChanWrittenWithVal(t, tr.opened,
		event.StreamOpened{Direction: device.DirectionPlayback, DeviceUID: "spk-a"})

	// Response done: idle again, playback stream released.
	tr.rt.Bus().PublishResponseFinished(event.ResponseFinished{SessionID: sid})
	assert.ChanWrittenWithVal(t, tr.modes,
		event.ModeChanged{Mode: "idle", SessionID: sid})
	assert.ChanWrittenWithVal(t, tr.closed,
		event.StreamClosed{Direction: device.DirectionPlayback, DeviceUID: "spk-a"})

	assert.DeepEqual(t, tr.actx.Opens(), []audio.DeviceID{"cap-a", "spk-a"})
	m, owner := tr.rt.Mode()
	assert.BoolIs(t, m == mode.Idle, true)
	assert.BoolIs(t, owner == "", true)
}

func TestRuntimeHotSwapDuringCapture(t *testing.T) {
	t.Parallel()
	tr := newTestRuntime(t)
	tr.run(t, 2)

	sid := tr.press(t)
	assert.ChanWrittenWithVal(t, tr.opened,
		event.StreamOpened{Direction: device.DirectionCapture, DeviceUID: "cap-a"})
	assert.ChanWrittenWithVal(t, tr.micOpened, event.MicOpened{SessionID: sid})

	// The default capture device changes while recording. The stream hops
	// devices with a single close and open pair and the session survives.
	tr.actx.SetCaptureDevices(
		audiotest.Info("cap-b", "USB Microphone", true),
		audiotest.Info("cap-a", "Built-in Microphone", false),
	)
	tr.hint.Hint()
	change := assert.ChanWritten(t, tr.defaults)
	assert.BoolIs(t, change.New.UID == "cap-b", true)
	assert.ChanWrittenWithVal(t, tr.closed, event.StreamClosed{
		Direction: device.DirectionCapture, DeviceUID: "cap-a", Switching: true,
	})
	assert.ChanWrittenWithVal(t, tr.opened,
		event.StreamOpened{Direction: device.DirectionCapture, DeviceUID: "cap-b"})
	assert.ChanNotWritten(t, tr.micClosed, 50*time.Millisecond)
	sess := tr.rt.MicSession()
	assert.BoolIs(t, sess.ID == sid, true)
	assert.BoolIs(t, sess.State == mic.StateActive, true)

	// Release still resolves normally, on the new device.
	tr.release(t, sid)
	assert.ChanWrittenWithVal(t, tr.closed,
		event.StreamClosed{Direction: device.DirectionCapture, DeviceUID: "cap-b"})
	mc := assert.ChanWritten(t, tr.micClosed)
	assert.BoolIs(t, mc.Forced, false)
	assert.ChanWrittenWithVal(t, tr.opened,
		event.StreamOpened{Direction: device.DirectionPlayback, DeviceUID: "spk-a"})
	assert.DeepEqual(t, tr.actx.Opens(), []audio.DeviceID{"cap-a", "cap-b", "spk-a"})
}

func TestRuntimeInterruption(t *testing.T) {
	t.Parallel()
	tr := newTestRuntime(t)
	tr.run(t, 2)

	// Complete a recording and enter the response phase for s1.
	s1 := tr.press(t)
	assert.ChanWrittenWithVal(t, tr.modes,
		event.ModeChanged{Mode: "listening", SessionID: s1})
	assert.ChanWrittenWithVal(t, tr.micOpened, event.MicOpened{SessionID: s1})
	assert.ChanWritten(t, tr.opened)
	tr.release(t, s1)
	assert.ChanWritten(t, tr.micClosed)
	assert.ChanWritten(t, tr.closed)
	assert.ChanWrittenWithVal(t, tr.modes,
		event.ModeChanged{Mode: "responding", SessionID: s1})
	assert.ChanWrittenWithVal(t, tr.opened,
		event.StreamOpened{Direction: device.DirectionPlayback, DeviceUID: "spk-a"})

	// A new press interrupts the response: playback stops, a fresh
	// capture session starts.
	s2 := tr.press(t)
	assert.ChanWrittenWithVal(t, tr.modes,
		event.ModeChanged{Mode: "listening", SessionID: s2})
	assert.ChanWrittenWithVal(t, tr.closed,
		event.StreamClosed{Direction: device.DirectionPlayback, DeviceUID: "spk-a"})
	assert.ChanWrittenWithVal(t, tr.opened,
		event.StreamOpened{Direction: device.DirectionCapture, DeviceUID: "cap-a"})
	assert.ChanWrittenWithVal(t, tr.micOpened, event.MicOpened{SessionID: s2})

	// The late completion signal for s1 is stale and changes nothing.
	tr.rt.Bus().PublishResponseFinished(event.ResponseFinished{SessionID: s1})
	assert.ChanNotWritten(t, tr.modes, 50*time.Millisecond)
	m, owner := tr.rt.Mode()
	assert.BoolIs(t, m == mode.Listening, true)
	assert.BoolIs(t, owner == s2, true)
	sess := tr.rt.MicSession()
	assert.BoolIs(t, sess.ID == s2, true)
	assert.BoolIs(t, sess.State == mic.StateActive, true)
}

func TestRuntimePlaybackSwapWhileResponding(t *testing.T) {
	t.Parallel()
	tr := newTestRuntime(t)
	tr.run(t, 2)

	sid := tr.press(t)
	assert.ChanWrittenWithVal(t, tr.micOpened, event.MicOpened{SessionID: sid})
	tr.release(t, sid)
	assert.ChanWrittenWithVal(t, tr.closed,
		event.StreamClosed{Direction: device.DirectionCapture, DeviceUID: "cap-a"})
	assert.ChanWrittenWithVal(t, tr.opened,
		event.StreamOpened{Direction: device.DirectionPlayback, DeviceUID: "spk-a"})

	// The default output changes mid-response; playback hops devices.
	tr.actx.SetPlaybackDevices(
		audiotest.Info("spk-b", "USB DAC", true),
		audiotest.Info("spk-a", "Built-in Speakers", false),
	)
	tr.hint.Hint()
	change := assert.ChanWritten(t, tr.defaults)
	assert.BoolIs(t, change.New.UID == "spk-b", true)
	assert.ChanWrittenWithVal(t, tr.closed, event.StreamClosed{
		Direction: device.DirectionPlayback, DeviceUID: "spk-a", Switching: true,
	})
	assert.ChanWrittenWithVal(t, tr.opened,
		event.StreamOpened{Direction: device.DirectionPlayback, DeviceUID: "spk-b"})

	tr.rt.Bus().PublishResponseFinished(event.ResponseFinished{SessionID: sid})
	assert.ChanWrittenWithVal(t, tr.closed,
		event.StreamClosed{Direction: device.DirectionPlayback, DeviceUID: "spk-b"})
}

func TestRuntimeReleaseDuringSettle(t *testing.T) {
	t.Parallel()
	tr := newTestRuntime(t)
	tr.actx.SetCaptureDevices(audiotest.Info("cap-bt", "Bluetooth Headset", true))
	tr.run(t, 2)

	// A quick tap: the release lands while the wireless capture stream is
	// still settling, so the open is abandoned before it ever bound a
	// stream and no stream closure will fire.
	sid := tr.press(t)
	assert.ChanWrittenWithVal(t, tr.modes,
		event.ModeChanged{Mode: "listening", SessionID: sid})
	assert.Eventually(t, func() bool {
		_, engaged := tr.rt.capture.Wanted()
		return engaged
	})
	tr.release(t, sid)

	// The session still resolves orderly and immediately, not through the
	// close-confirmation timeout.
	mc := assert.ChanWritten(t, tr.micClosed)
	assert.BoolIs(t, mc.SessionID == sid, true)
	assert.BoolIs(t, mc.Forced, false)
	assert.ChanWrittenWithVal(t, tr.modes,
		event.ModeChanged{Mode: "responding", SessionID: sid})
	assert.ChanWrittenWithVal(t, tr.opened,
		event.StreamOpened{Direction: device.DirectionPlayback, DeviceUID: "spk-a"})
	assert.ChanNotWritten(t, tr.micErrs, 50*time.Millisecond)

	// The abandoned capture open never reached the device.
	assert.DeepEqual(t, tr.actx.Opens(), []audio.DeviceID{"spk-a"})
}

func TestRuntimeCaptureFailureForcesRecovery(t *testing.T) {
	t.Parallel()
	tr := newTestRuntime(t)
	tr.run(t, 2)

	// Exhaust the wired retry budget for the capture device.
	tr.actx.QueueOpenErrors("cap-a",
		audio.ErrDeviceBusy, audio.ErrDeviceBusy, audio.ErrDeviceBusy)

	s1 := tr.press(t)
	assert.ChanWrittenWithVal(t, tr.modes,
		event.ModeChanged{Mode: "listening", SessionID: s1})
	failure := assert.ChanWritten(t, tr.failed)
	assert.BoolIs(t, failure.Direction == device.DirectionCapture, true)
	assert.ChanWrittenWithVal(t, tr.micErrs,
		event.MicError{SessionID: s1, Reason: failure.Reason})
	mc := assert.ChanWritten(t, tr.micClosed)
	assert.BoolIs(t, mc.Forced, true)
	assert.ChanWrittenWithVal(t, tr.modes,
		event.ModeChanged{Mode: "idle", SessionID: s1})

	// Recovery happened exactly once.
	assert.ChanNotWritten(t, tr.micClosed, 50*time.Millisecond)

	// The next press works once the device cooperates again.
	s2 := tr.press(t)
	assert.ChanWrittenWithVal(t, tr.modes,
		event.ModeChanged{Mode: "listening", SessionID: s2})
	assert.ChanWrittenWithVal(t, tr.micOpened, event.MicOpened{SessionID: s2})
}

func TestRuntimeNoCaptureDevice(t *testing.T) {
	t.Parallel()
	tr := newTestRuntime(t)
	tr.actx.SetCaptureDevices()
	tr.run(t, 1)

	sid := tr.press(t)
	assert.ChanWrittenWithVal(t, tr.modes,
		event.ModeChanged{Mode: "listening", SessionID: sid})
	errEv := assert.ChanWritten(t, tr.micErrs)
	assert.BoolIs(t, errEv.SessionID == sid, true)
	mc := assert.ChanWritten(t, tr.micClosed)
	assert.BoolIs(t, mc.Forced, true)
	assert.ChanWrittenWithVal(t, tr.modes,
		event.ModeChanged{Mode: "idle", SessionID: sid})
	assert.BoolIs(t, len(tr.actx.Opens()) == 0, true)
}

func TestRuntimeDuplicateRequests(t *testing.T) {
	t.Parallel()
	tr := newTestRuntime(t)
	tr.run(t, 2)

	sid := tr.press(t)
	assert.ChanWrittenWithVal(t, tr.modes,
		event.ModeChanged{Mode: "listening", SessionID: sid})
	assert.ChanWrittenWithVal(t, tr.micOpened, event.MicOpened{SessionID: sid})

	// Pressing again for the running session changes nothing.
	tr.rt.Bus().PublishRecordingRequested(event.RecordingRequested{
		SessionID: sid, Source: "test",
	})
	assert.ChanNotWritten(t, tr.modes, 50*time.Millisecond)
	assert.ChanNotWritten(t, tr.micOpened, 10*time.Millisecond)

	tr.release(t, sid)
	mc := assert.ChanWritten(t, tr.micClosed)
	assert.BoolIs(t, mc.Forced, false)
	assert.ChanWrittenWithVal(t, tr.modes,
		event.ModeChanged{Mode: "responding", SessionID: sid})

	// A second release is stale by now.
	tr.release(t, sid)
	assert.ChanNotWritten(t, tr.micClosed, 50*time.Millisecond)
}

func TestRuntimeShutdownResolvesSession(t *testing.T) {
	t.Parallel()
	tr := newTestRuntime(t)
	tr.run(t, 2)

	sid := tr.press(t)
	assert.ChanWrittenWithVal(t, tr.micOpened, event.MicOpened{SessionID: sid})

	tr.cancel()
	err := assert.ChanWritten(t, tr.done)
	assert.ErrorIs(t, err, context.Canceled)

	mc := assert.ChanWritten(t, tr.micClosed)
	assert.BoolIs(t, mc.SessionID == sid, true)
	assert.BoolIs(t, mc.Forced, true)

	// The native capture stream was released on the way out.
	assert.ChanWrittenWithVal(t, tr.actx.Uninited, audio.DeviceID("cap-a"))
}