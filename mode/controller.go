// Package mode owns the application interaction mode, the state machine
// that gates what the assistant is doing: idle, listening to the user, or
// playing back a response. Components never flip the mode themselves; they
// request a transition and the controller authorizes or rejects it.
package mode

import (
	"errors"
	"fmt"
	"sync"

	"github.com/decred/slog"

	"github.com/mivox/mivox/event"
)

// Mode is the application interaction mode.
type Mode string

const (
	Idle       Mode = "idle"
	Listening  Mode = "listening"
	Responding Mode = "responding"
)

func (m Mode) valid() bool {
	switch m {
	case Idle, Listening, Responding:
		return true
	}
	return false
}

// Source identifies the path a transition request arrived on.
type Source string

const (
	// SourceGesture is the manual push-to-talk path. It is always
	// trusted to interrupt whatever is in flight.
	SourceGesture Source = "gesture"

	// SourcePipeline is the recognition and synthesis flow.
	SourcePipeline Source = "pipeline"

	// SourceRecovery is the internal error recovery path.
	SourceRecovery Source = "recovery"
)

// Request is one mode transition request.
type Request struct {
	Target    Mode
	Source    Source
	SessionID string
}

var (
	// ErrInvalidTransition is returned for targets the mode state
	// machine does not reach from the current mode.
	ErrInvalidTransition = errors.New("invalid mode transition")

	// ErrStaleSession is returned when a request names neither the
	// session owning the current mode nor arrives via the gesture path.
	ErrStaleSession = errors.New("mode transition from superseded session")

	// ErrEmptySessionID is returned when a request carries no session id.
	ErrEmptySessionID = errors.New("empty session id")
)

// MicManager is the microphone manager surface the controller needs to
// guarantee no stale microphone session survives a mode change.
type MicManager interface {
	NonIdleSession() (string, bool)
	ForceClose(reason string)
}

// Config holds the controller dependencies.
type Config struct {
	// Bus receives the mode change notifications. Required.
	Bus *event.Bus

	// Mic is force-closed when a mode change leaves a residual
	// microphone session behind. Required.
	Mic MicManager

	// Log is the controller logger. Defaults to a disabled logger.
	Log slog.Logger
}

// Controller authorizes interaction mode transitions.
type Controller struct {
	bus *event.Bus
	mic MicManager
	log slog.Logger

	mtx  sync.Mutex
	mode Mode
	sid  string
}

// New creates a mode controller starting at Idle.
func New(cfg Config) (*Controller, error) {
	if cfg.Bus == nil {
		return nil, errors.New("cfg.Bus is required")
	}
	if cfg.Mic == nil {
		return nil, errors.New("cfg.Mic is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Controller{
		bus:  cfg.Bus,
		mic:  cfg.Mic,
		log:  log,
		mode: Idle,
	}, nil
}

// Current returns the mode and the session id that owns it. The id is
// empty while idle.
func (c *Controller) Current() (Mode, string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.mode, c.sid
}

// validTransition is the mode state machine: the normal cycle plus the
// manual interruption and cancel edges. The trust decision is not made
// here; stale sessions are filtered by the conflict rule before this.
func validTransition(from, to Mode) bool {
	switch from {
	case Idle:
		return to == Listening
	case Listening:
		return to == Responding || to == Idle
	case Responding:
		return to == Listening || to == Idle
	}
	return false
}

// Request applies a transition request. Requests targeting the current
// mode are acknowledged without side effects. While in a non-idle mode,
// requests are honored only from the owning session or from the gesture
// path, which may always interrupt.
//
// On every accepted transition the controller force-closes the microphone
// when the reached mode must not leave one open: any non-listening target,
// or a listening target owned by a different session than the residual
// microphone session.
func (c *Controller) Request(req Request) error {
	if req.SessionID == "" {
		return ErrEmptySessionID
	}
	if !req.Target.valid() {
		return fmt.Errorf("%w: unknown target %q", ErrInvalidTransition, req.Target)
	}

	c.mtx.Lock()
	cur, curSid := c.mode, c.sid

	if req.Target == cur {
		c.mtx.Unlock()
		c.log.Debugf("Acknowledging no-op mode request %s from session %s",
			req.Target, req.SessionID)
		return nil
	}

	if cur != Idle && req.SessionID != curSid && req.Source != SourceGesture {
		c.mtx.Unlock()
		return fmt.Errorf("%w: mode %s owned by session %q, requested by %q via %s",
			ErrStaleSession, cur, curSid, req.SessionID, req.Source)
	}

	if !validTransition(cur, req.Target) {
		c.mtx.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, req.Target)
	}

	c.mode = req.Target
	if req.Target == Idle {
		c.sid = ""
	} else {
		c.sid = req.SessionID
	}
	c.mtx.Unlock()

	if micSid, ok := c.mic.NonIdleSession(); ok {
		if req.Target != Listening || micSid != req.SessionID {
			c.mic.ForceClose(fmt.Sprintf("mode changed to %s for session %s",
				req.Target, req.SessionID))
		}
	}

	c.log.Infof("Mode %s -> %s (session %s, source %s)",
		cur, req.Target, req.SessionID, req.Source)
	c.bus.PublishModeChanged(event.ModeChanged{
		Mode:      string(req.Target),
		SessionID: req.SessionID,
	})
	return nil
}
