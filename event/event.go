// Package event carries the typed notifications the session components
// exchange and the Bus that delivers them. Every topic has a fixed payload
// schema validated at the publish boundary; malformed payloads are logged
// and dropped rather than delivered.
package event

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/decred/slog"

	"github.com/mivox/mivox/device"
)

// Following are the notification types. Add new types at the bottom of this
// list, then add a PublishX() to Bus and initialize a new container in
// NewBus().

// ChangeSource identifies which detection path produced a device change.
type ChangeSource string

const (
	SourceInitial      ChangeSource = "initial"
	SourceNotification ChangeSource = "notification"
	SourcePoll         ChangeSource = "poll"
)

const onDefaultDeviceChangedType = "onDefaultDeviceChanged"

// DefaultDeviceChanged reports that the OS default device of one direction
// was replaced. Old is nil on the first resolution after startup.
type DefaultDeviceChanged struct {
	Direction device.Direction
	Old       *device.Descriptor
	New       device.Descriptor
	Source    ChangeSource
}

// OnDefaultDeviceChangedNtfn is the handler for default-device changes.
type OnDefaultDeviceChangedNtfn func(DefaultDeviceChanged)

func (_ OnDefaultDeviceChangedNtfn) typ() string { return onDefaultDeviceChangedType }

const onStreamOpenedType = "onStreamOpened"

// StreamOpened reports a native stream bound and started on a device.
type StreamOpened struct {
	Direction device.Direction
	DeviceUID string
}

// OnStreamOpenedNtfn is the handler for stream opens.
type OnStreamOpenedNtfn func(StreamOpened)

func (_ OnStreamOpenedNtfn) typ() string { return onStreamOpenedType }

const onStreamClosedType = "onStreamClosed"

// StreamClosed reports a native stream released. Switching is set when the
// closure is the first half of a device switch and the stream is about to
// reopen elsewhere; session-level consumers must not treat those as
// termination.
type StreamClosed struct {
	Direction device.Direction
	DeviceUID string
	Switching bool
}

// OnStreamClosedNtfn is the handler for stream closes.
type OnStreamClosedNtfn func(StreamClosed)

func (_ OnStreamClosedNtfn) typ() string { return onStreamClosedType }

const onStreamSwitchFailedType = "onStreamSwitchFailed"

// StreamSwitchFailed reports that an open or switch attempt exhausted its
// retry budget. DeviceUID is the target that could not be opened.
type StreamSwitchFailed struct {
	Direction device.Direction
	DeviceUID string
	Reason    string
}

// OnStreamSwitchFailedNtfn is the handler for terminal stream failures.
type OnStreamSwitchFailedNtfn func(StreamSwitchFailed)

func (_ OnStreamSwitchFailedNtfn) typ() string { return onStreamSwitchFailedType }

const onMicOpenRequestedType = "onMicOpenRequested"

// MicOpenRequested asks the capture side to produce stream activity for the
// session.
type MicOpenRequested struct {
	SessionID string
}

// OnMicOpenRequestedNtfn is the handler for microphone open requests.
type OnMicOpenRequestedNtfn func(MicOpenRequested)

func (_ OnMicOpenRequestedNtfn) typ() string { return onMicOpenRequestedType }

const onMicOpenedType = "onMicOpened"

// MicOpened confirms the microphone session reached Active.
type MicOpened struct {
	SessionID string
}

// OnMicOpenedNtfn is the handler for confirmed microphone opens.
type OnMicOpenedNtfn func(MicOpened)

func (_ OnMicOpenedNtfn) typ() string { return onMicOpenedType }

const onMicCloseRequestedType = "onMicCloseRequested"

// MicCloseRequested asks the capture side to stop stream activity for the
// session.
type MicCloseRequested struct {
	SessionID string
}

// OnMicCloseRequestedNtfn is the handler for microphone close requests.
type OnMicCloseRequestedNtfn func(MicCloseRequested)

func (_ OnMicCloseRequestedNtfn) typ() string { return onMicCloseRequestedType }

const onMicClosedType = "onMicClosed"

// MicClosed reports the microphone session back at Idle. Forced marks
// recovery closures (timeout, mode conflict, shutdown) as opposed to a
// confirmed orderly close.
type MicClosed struct {
	SessionID string
	Forced    bool
	Reason    string
}

// OnMicClosedNtfn is the handler for microphone session closures.
type OnMicClosedNtfn func(MicClosed)

func (_ OnMicClosedNtfn) typ() string { return onMicClosedType }

const onMicErrorType = "onMicError"

// MicError reports a microphone session transitioning through Error.
type MicError struct {
	SessionID string
	Reason    string
}

// OnMicErrorNtfn is the handler for microphone session errors.
type OnMicErrorNtfn func(MicError)

func (_ OnMicErrorNtfn) typ() string { return onMicErrorType }

const onModeChangedType = "onModeChanged"

// ModeChanged reports an accepted interaction-mode transition.
type ModeChanged struct {
	Mode      string
	SessionID string
}

// OnModeChangedNtfn is the handler for mode changes.
type OnModeChangedNtfn func(ModeChanged)

func (_ OnModeChangedNtfn) typ() string { return onModeChangedType }

const onRecordingRequestedType = "onRecordingRequested"

// RecordingRequested is the inbound push-to-talk press. Source names the
// gesture adapter that produced it.
type RecordingRequested struct {
	SessionID string
	Source    string
}

// OnRecordingRequestedNtfn is the handler for recording requests.
type OnRecordingRequestedNtfn func(RecordingRequested)

func (_ OnRecordingRequestedNtfn) typ() string { return onRecordingRequestedType }

const onRecordingStopRequestedType = "onRecordingStopRequested"

// RecordingStopRequested is the inbound push-to-talk release.
type RecordingStopRequested struct {
	SessionID string
}

// OnRecordingStopRequestedNtfn is the handler for recording stop requests.
type OnRecordingStopRequestedNtfn func(RecordingStopRequested)

func (_ OnRecordingStopRequestedNtfn) typ() string { return onRecordingStopRequestedType }

const onResponseFinishedType = "onResponseFinished"

// ResponseFinished is the inbound signal that synthesis playback for the
// session is done.
type ResponseFinished struct {
	SessionID string
}

// OnResponseFinishedNtfn is the handler for finished responses.
type OnResponseFinishedNtfn func(ResponseFinished)

func (_ OnResponseFinishedNtfn) typ() string { return onResponseFinishedType }

// The following is used only in tests.

const onTestNtfnType = "testNtfnType"

type onTestNtfn func()

func (_ onTestNtfn) typ() string { return onTestNtfnType }

// Following is the generic notification code.

type NotificationRegistration struct {
	unreg func() bool
}

func (reg NotificationRegistration) Unregister() bool {
	return reg.unreg()
}

type NotificationHandler interface {
	typ() string
}

// dispatchQueue serializes asynchronous deliveries to one subscriber,
// preserving publish order without ever blocking the publisher.
type dispatchQueue struct {
	log     slog.Logger
	mtx     sync.Mutex
	items   []func()
	stopped bool
	wake    chan struct{}
	quit    chan struct{}
}

func newDispatchQueue(log slog.Logger) *dispatchQueue {
	q := &dispatchQueue{
		log:  log,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *dispatchQueue) push(f func()) {
	q.mtx.Lock()
	if q.stopped {
		q.mtx.Unlock()
		return
	}
	q.items = append(q.items, f)
	q.mtx.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *dispatchQueue) stop() {
	q.mtx.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.quit)
	}
	q.mtx.Unlock()
}

func (q *dispatchQueue) run() {
	for {
		select {
		case <-q.quit:
			return
		case <-q.wake:
		}
		for {
			q.mtx.Lock()
			if len(q.items) == 0 {
				q.items = nil
				q.mtx.Unlock()
				break
			}
			f := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mtx.Unlock()
			runIsolated(q.log, f)
		}
	}
}

// runIsolated invokes f, converting a panic into a logged error so one
// misbehaving subscriber cannot take down delivery for the rest.
func runIsolated(log slog.Logger, f func()) {
	defer func() {
		if v := recover(); v != nil {
			log.Errorf("Notification handler panic: %v\n%s", v, debug.Stack())
		}
	}()
	f()
}

type handler[T any] struct {
	handler T
	q       *dispatchQueue // nil means synchronous delivery
}

type handlersFor[T any] struct {
	log      slog.Logger
	mtx      sync.Mutex
	next     uint
	handlers map[uint]handler[T]
}

func (hn *handlersFor[T]) register(h T, async bool) NotificationRegistration {
	var id uint

	hn.mtx.Lock()
	id, hn.next = hn.next, hn.next+1
	if hn.handlers == nil {
		hn.handlers = make(map[uint]handler[T])
	}
	var q *dispatchQueue
	if async {
		q = newDispatchQueue(hn.log)
	}
	hn.handlers[id] = handler[T]{handler: h, q: q}
	registered := true
	hn.mtx.Unlock()

	return NotificationRegistration{
		unreg: func() bool {
			hn.mtx.Lock()
			res := registered
			if registered {
				if h, ok := hn.handlers[id]; ok && h.q != nil {
					h.q.stop()
				}
				delete(hn.handlers, id)
				registered = false
			}
			hn.mtx.Unlock()
			return res
		},
	}
}

// visit delivers one notification to every registered handler. Synchronous
// handlers run inline (and must not publish to or register on the same
// topic); asynchronous handlers are enqueued on their own dispatch queue.
func (hn *handlersFor[T]) visit(f func(T)) {
	hn.mtx.Lock()
	for _, h := range hn.handlers {
		if h.q != nil {
			hcopy := h.handler
			h.q.push(func() { f(hcopy) })
		} else {
			runIsolated(hn.log, func() { f(h.handler) })
		}
	}
	hn.mtx.Unlock()
}

func (hn *handlersFor[T]) Register(v interface{}, async bool) NotificationRegistration {
	if h, ok := v.(T); !ok {
		panic("wrong type")
	} else {
		return hn.register(h, async)
	}
}

func (hn *handlersFor[T]) stopAll() {
	hn.mtx.Lock()
	for id, h := range hn.handlers {
		if h.q != nil {
			h.q.stop()
		}
		delete(hn.handlers, id)
	}
	hn.mtx.Unlock()
}

type handlersRegistry interface {
	Register(v interface{}, async bool) NotificationRegistration
	stopAll()
}

// Bus delivers typed notifications to registered subscribers.
type Bus struct {
	log      slog.Logger
	handlers map[string]handlersRegistry
}

func (b *Bus) register(handler NotificationHandler, async bool) NotificationRegistration {
	handlers := b.handlers[handler.typ()]
	if handlers == nil {
		panic(fmt.Sprintf("forgot to init the handler type %T in NewBus",
			handler))
	}

	return handlers.Register(handler, async)
}

// Register subscribes the handler with asynchronous delivery: notifications
// are queued per subscription and dispatched in publish order on a dedicated
// goroutine.
func (b *Bus) Register(handler NotificationHandler) NotificationRegistration {
	return b.register(handler, true)
}

// RegisterSync subscribes the handler with synchronous delivery: it runs
// inline during publish, before any asynchronous dispatch of the same
// notification.
func (b *Bus) RegisterSync(handler NotificationHandler) NotificationRegistration {
	return b.register(handler, false)
}

// Close drops every registration and stops the dispatch goroutines. Pending
// queued deliveries are discarded.
func (b *Bus) Close() {
	for _, h := range b.handlers {
		h.stopAll()
	}
}

// Following are the PublishX() calls (one for each type of notification),
// each validating its payload before delivery.

func (b *Bus) publishTest() {
	b.handlers[onTestNtfnType].(*handlersFor[onTestNtfn]).
		visit(func(h onTestNtfn) { h() })
}

func (b *Bus) PublishDefaultDeviceChanged(e DefaultDeviceChanged) {
	if !e.Direction.Valid() || e.New.UID == "" {
		b.log.Errorf("Dropping malformed DefaultDeviceChanged: %+v", e)
		return
	}
	b.handlers[onDefaultDeviceChangedType].(*handlersFor[OnDefaultDeviceChangedNtfn]).
		visit(func(h OnDefaultDeviceChangedNtfn) { h(e) })
}

func (b *Bus) PublishStreamOpened(e StreamOpened) {
	if !e.Direction.Valid() || e.DeviceUID == "" {
		b.log.Errorf("Dropping malformed StreamOpened: %+v", e)
		return
	}
	b.handlers[onStreamOpenedType].(*handlersFor[OnStreamOpenedNtfn]).
		visit(func(h OnStreamOpenedNtfn) { h(e) })
}

func (b *Bus) PublishStreamClosed(e StreamClosed) {
	if !e.Direction.Valid() || e.DeviceUID == "" {
		b.log.Errorf("Dropping malformed StreamClosed: %+v", e)
		return
	}
	b.handlers[onStreamClosedType].(*handlersFor[OnStreamClosedNtfn]).
		visit(func(h OnStreamClosedNtfn) { h(e) })
}

func (b *Bus) PublishStreamSwitchFailed(e StreamSwitchFailed) {
	if !e.Direction.Valid() || e.DeviceUID == "" {
		b.log.Errorf("Dropping malformed StreamSwitchFailed: %+v", e)
		return
	}
	b.handlers[onStreamSwitchFailedType].(*handlersFor[OnStreamSwitchFailedNtfn]).
		visit(func(h OnStreamSwitchFailedNtfn) { h(e) })
}

func (b *Bus) PublishMicOpenRequested(e MicOpenRequested) {
	if e.SessionID == "" {
		b.log.Errorf("Dropping malformed MicOpenRequested: %+v", e)
		return
	}
	b.handlers[onMicOpenRequestedType].(*handlersFor[OnMicOpenRequestedNtfn]).
		visit(func(h OnMicOpenRequestedNtfn) { h(e) })
}

func (b *Bus) PublishMicOpened(e MicOpened) {
	if e.SessionID == "" {
		b.log.Errorf("Dropping malformed MicOpened: %+v", e)
		return
	}
	b.handlers[onMicOpenedType].(*handlersFor[OnMicOpenedNtfn]).
		visit(func(h OnMicOpenedNtfn) { h(e) })
}

func (b *Bus) PublishMicCloseRequested(e MicCloseRequested) {
	if e.SessionID == "" {
		b.log.Errorf("Dropping malformed MicCloseRequested: %+v", e)
		return
	}
	b.handlers[onMicCloseRequestedType].(*handlersFor[OnMicCloseRequestedNtfn]).
		visit(func(h OnMicCloseRequestedNtfn) { h(e) })
}

func (b *Bus) PublishMicClosed(e MicClosed) {
	if e.SessionID == "" {
		b.log.Errorf("Dropping malformed MicClosed: %+v", e)
		return
	}
	b.handlers[onMicClosedType].(*handlersFor[OnMicClosedNtfn]).
		visit(func(h OnMicClosedNtfn) { h(e) })
}

func (b *Bus) PublishMicError(e MicError) {
	if e.SessionID == "" {
		b.log.Errorf("Dropping malformed MicError: %+v", e)
		return
	}
	b.handlers[onMicErrorType].(*handlersFor[OnMicErrorNtfn]).
		visit(func(h OnMicErrorNtfn) { h(e) })
}

func (b *Bus) PublishModeChanged(e ModeChanged) {
	if e.Mode == "" || e.SessionID == "" {
		b.log.Errorf("Dropping malformed ModeChanged: %+v", e)
		return
	}
	b.handlers[onModeChangedType].(*handlersFor[OnModeChangedNtfn]).
		visit(func(h OnModeChangedNtfn) { h(e) })
}

func (b *Bus) PublishRecordingRequested(e RecordingRequested) {
	if e.SessionID == "" {
		b.log.Errorf("Dropping malformed RecordingRequested: %+v", e)
		return
	}
	b.handlers[onRecordingRequestedType].(*handlersFor[OnRecordingRequestedNtfn]).
		visit(func(h OnRecordingRequestedNtfn) { h(e) })
}

func (b *Bus) PublishRecordingStopRequested(e RecordingStopRequested) {
	if e.SessionID == "" {
		b.log.Errorf("Dropping malformed RecordingStopRequested: %+v", e)
		return
	}
	b.handlers[onRecordingStopRequestedType].(*handlersFor[OnRecordingStopRequestedNtfn]).
		visit(func(h OnRecordingStopRequestedNtfn) { h(e) })
}

func (b *Bus) PublishResponseFinished(e ResponseFinished) {
	if e.SessionID == "" {
		b.log.Errorf("Dropping malformed ResponseFinished: %+v", e)
		return
	}
	b.handlers[onResponseFinishedType].(*handlersFor[OnResponseFinishedNtfn]).
		visit(func(h OnResponseFinishedNtfn) { h(e) })
}

// NewBus creates a Bus with every topic initialized. The logger receives
// validation failures and recovered handler panics; slog.Disabled is used
// when log is nil.
func NewBus(log slog.Logger) *Bus {
	if log == nil {
		log = slog.Disabled
	}
	return &Bus{
		log: log,
		handlers: map[string]handlersRegistry{
			onTestNtfnType: &handlersFor[onTestNtfn]{log: log},

			onDefaultDeviceChangedType: &handlersFor[OnDefaultDeviceChangedNtfn]{log: log},

			onStreamOpenedType:       &handlersFor[OnStreamOpenedNtfn]{log: log},
			onStreamClosedType:       &handlersFor[OnStreamClosedNtfn]{log: log},
			onStreamSwitchFailedType: &handlersFor[OnStreamSwitchFailedNtfn]{log: log},

			onMicOpenRequestedType:  &handlersFor[OnMicOpenRequestedNtfn]{log: log},
			onMicOpenedType:         &handlersFor[OnMicOpenedNtfn]{log: log},
			onMicCloseRequestedType: &handlersFor[OnMicCloseRequestedNtfn]{log: log},
			onMicClosedType:         &handlersFor[OnMicClosedNtfn]{log: log},
			onMicErrorType:          &handlersFor[OnMicErrorNtfn]{log: log},

			onModeChangedType: &handlersFor[OnModeChangedNtfn]{log: log},

			onRecordingRequestedType:     &handlersFor[OnRecordingRequestedNtfn]{log: log},
			onRecordingStopRequestedType: &handlersFor[OnRecordingStopRequestedNtfn]{log: log},
			onResponseFinishedType:       &handlersFor[OnResponseFinishedNtfn]{log: log},
		},
	}
}
