// Package mic owns the microphone session state machine. It is the single
// authoritative answer to "is the microphone logically open, and for which
// session": every other component queries or commands this manager instead
// of keeping its own recording flag.
//
// The manager does not touch hardware. It tracks the logical session,
// publishes the open and close requests the capture side is expected to act
// on, and consumes the confirmations flowing back. Every requested
// transition carries a bounded wait: a confirmation that never arrives
// resolves through forced recovery back to idle, so no session can stay
// stuck in a transitional state.
package mic

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/mivox/mivox/event"
)

// State is the lifecycle position of the microphone session.
type State string

const (
	StateIdle    State = "idle"
	StateOpening State = "opening"
	StateActive  State = "active"
	StateClosing State = "closing"
	StateError   State = "error"
)

// Default bounded waits for the opened and closed confirmations.
const (
	DefaultOpenTimeout  = 4 * time.Second
	DefaultCloseTimeout = 2 * time.Second
)

var (
	// ErrNotIdle is returned by RequestOpen while a session is in any
	// non-idle state, including a close still waiting for confirmation.
	ErrNotIdle = errors.New("microphone session is not idle")

	// ErrSessionMismatch is returned by RequestClose when the given id
	// does not name the tracked session.
	ErrSessionMismatch = errors.New("session id does not match the tracked session")

	// ErrEmptySessionID is returned when a request carries no session id.
	ErrEmptySessionID = errors.New("empty session id")
)

// Session is a point-in-time snapshot of the tracked session.
type Session struct {
	ID        string
	State     State
	CreatedAt time.Time
}

// Config holds the manager dependencies and tunables.
type Config struct {
	// Bus receives the microphone notifications. Required.
	Bus *event.Bus

	// OpenTimeout and CloseTimeout bound the confirmation waits. Zero
	// values take the defaults.
	OpenTimeout  time.Duration
	CloseTimeout time.Duration

	// Log is the manager logger. Defaults to a disabled logger.
	Log slog.Logger
}

// Manager tracks at most one non-idle microphone session.
type Manager struct {
	bus          *event.Bus
	log          slog.Logger
	openTimeout  time.Duration
	closeTimeout time.Duration

	mtx       sync.Mutex
	state     State
	sid       string
	createdAt time.Time

	// earlyClosed records a closed confirmation that arrived before the
	// matching RequestClose, a legitimate ordering under concurrent
	// delivery.
	earlyClosed bool

	// gen bumps on every resolution so a stale timeout cannot act on a
	// session that already resolved.
	gen   uint64
	timer *time.Timer
}

// New creates a microphone session manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Bus == nil {
		return nil, errors.New("cfg.Bus is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = DefaultOpenTimeout
	}
	closeTimeout := cfg.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = DefaultCloseTimeout
	}
	return &Manager{
		bus:          cfg.Bus,
		log:          log,
		openTimeout:  openTimeout,
		closeTimeout: closeTimeout,
		state:        StateIdle,
	}, nil
}

// Session returns a snapshot of the tracked session. The id is empty while
// idle.
func (m *Manager) Session() Session {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return Session{ID: m.sid, State: m.state, CreatedAt: m.createdAt}
}

// NonIdleSession returns the tracked session id when the session is in any
// non-idle state.
func (m *Manager) NonIdleSession() (string, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.state == StateIdle {
		return "", false
	}
	return m.sid, true
}

// armTimerLocked schedules a forced recovery for the current generation.
func (m *Manager) armTimerLocked(d time.Duration, phase State, reason string) {
	m.stopTimerLocked()
	gen := m.gen
	m.timer = time.AfterFunc(d, func() { m.timeout(gen, phase, reason) })
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// resolveIdleLocked clears the tracked session and returns its id.
func (m *Manager) resolveIdleLocked() string {
	sid := m.sid
	m.stopTimerLocked()
	m.state = StateIdle
	m.sid = ""
	m.earlyClosed = false
	m.gen++
	return sid
}

// RequestOpen starts a new session. It is refused while any session is in a
// non-idle state, including a close whose confirmation is still pending: a
// new episode may begin only once the previous one fully resolved.
func (m *Manager) RequestOpen(sid string) error {
	if sid == "" {
		return ErrEmptySessionID
	}

	m.mtx.Lock()
	if m.state != StateIdle {
		err := fmt.Errorf("%w: session %q is %s", ErrNotIdle, m.sid, m.state)
		m.mtx.Unlock()
		return err
	}
	m.state = StateOpening
	m.sid = sid
	m.createdAt = time.Now()
	m.earlyClosed = false
	m.gen++
	m.armTimerLocked(m.openTimeout, StateOpening, "open confirmation timeout")
	m.mtx.Unlock()

	m.log.Infof("Opening microphone for session %s", sid)
	m.bus.PublishMicOpenRequested(event.MicOpenRequested{SessionID: sid})
	return nil
}

// RequestClose ends the tracked session. It is accepted from Opening, where
// it aborts the pending open, and from Active. When the closed confirmation
// already arrived ahead of the request the session resolves immediately
// instead of waiting. A duplicate close of an already closing session is a
// no-op.
func (m *Manager) RequestClose(sid string) error {
	if sid == "" {
		return ErrEmptySessionID
	}

	m.mtx.Lock()
	if m.state == StateIdle || m.sid != sid {
		err := fmt.Errorf("%w: got %q, tracking %q (%s)",
			ErrSessionMismatch, sid, m.sid, m.state)
		m.mtx.Unlock()
		return err
	}
	if m.state == StateClosing {
		m.mtx.Unlock()
		m.log.Debugf("Duplicate close request for session %s", sid)
		return nil
	}
	if m.earlyClosed {
		// The confirmation beat the request. Resolve immediately.
		m.resolveIdleLocked()
		m.mtx.Unlock()
		m.log.Infof("Microphone closed for session %s (confirmation arrived early)", sid)
		m.bus.PublishMicClosed(event.MicClosed{SessionID: sid})
		return nil
	}
	m.state = StateClosing
	m.armTimerLocked(m.closeTimeout, StateClosing, "close confirmation timeout")
	m.mtx.Unlock()

	m.log.Infof("Closing microphone for session %s", sid)
	m.bus.PublishMicCloseRequested(event.MicCloseRequested{SessionID: sid})
	return nil
}

// ConfirmOpened applies an opened confirmation from the capture side. A
// confirmation for anything but the session currently opening is a protocol
// desync and is dropped.
func (m *Manager) ConfirmOpened(sid string) {
	m.mtx.Lock()
	if m.state != StateOpening || m.sid != sid {
		state, tracked := m.state, m.sid
		m.mtx.Unlock()
		m.log.Warnf("Dropping stray opened confirmation for session %q "+
			"(state %s, tracking %q)", sid, state, tracked)
		return
	}
	m.stopTimerLocked()
	m.state = StateActive
	m.gen++
	m.mtx.Unlock()

	m.log.Infof("Microphone active for session %s", sid)
	m.bus.PublishMicOpened(event.MicOpened{SessionID: sid})
}

// ConfirmClosed applies a closed confirmation from the capture side. While
// closing it resolves the session; while opening or active it is recorded
// so the matching RequestClose resolves immediately. Confirmations for
// untracked sessions are dropped.
func (m *Manager) ConfirmClosed(sid string) {
	m.mtx.Lock()
	if m.state == StateIdle || m.sid != sid {
		state, tracked := m.state, m.sid
		m.mtx.Unlock()
		m.log.Warnf("Dropping stray closed confirmation for session %q "+
			"(state %s, tracking %q)", sid, state, tracked)
		return
	}
	if m.state != StateClosing {
		m.earlyClosed = true
		m.mtx.Unlock()
		m.log.Debugf("Closed confirmation for session %s arrived before "+
			"the close request", sid)
		return
	}
	m.resolveIdleLocked()
	m.mtx.Unlock()

	m.log.Infof("Microphone closed for session %s", sid)
	m.bus.PublishMicClosed(event.MicClosed{SessionID: sid})
}

// failSession transitions the tracked session through Error and then
// forces it to idle, publishing the error and the forced closure. The
// caller must hold the lock, which is released on return.
func (m *Manager) failSession(reason string) {
	m.stopTimerLocked()
	sid := m.sid
	m.state = StateError
	m.gen++
	gen := m.gen
	m.mtx.Unlock()

	m.bus.PublishMicError(event.MicError{SessionID: sid, Reason: reason})

	// A concurrent ForceClose may have resolved the session while the
	// error was visible; only the first resolution publishes.
	m.mtx.Lock()
	if m.gen != gen || m.state != StateError {
		m.mtx.Unlock()
		return
	}
	m.resolveIdleLocked()
	m.mtx.Unlock()

	m.bus.PublishMicClosed(event.MicClosed{SessionID: sid, Forced: true, Reason: reason})
}

// ReportError applies a terminal failure reported by the capture side for
// the tracked session, forcing it back to idle.
func (m *Manager) ReportError(sid, reason string) {
	m.mtx.Lock()
	if m.state == StateIdle || m.sid != sid {
		state, tracked := m.state, m.sid
		m.mtx.Unlock()
		m.log.Warnf("Dropping stray error for session %q (state %s, "+
			"tracking %q): %s", sid, state, tracked, reason)
		return
	}
	m.log.Errorf("Microphone session %s failed: %s", sid, reason)
	m.failSession(reason)
}

// ForceClose unconditionally returns the session to idle. It is the
// recovery path for external conflicts (mode changes, shutdown) and always
// succeeds; forcing an already idle session does nothing.
func (m *Manager) ForceClose(reason string) {
	m.mtx.Lock()
	if m.state == StateIdle {
		m.mtx.Unlock()
		return
	}
	sid := m.resolveIdleLocked()
	m.mtx.Unlock()

	m.log.Warnf("Forcing microphone session %s closed: %s", sid, reason)
	m.bus.PublishMicClosed(event.MicClosed{SessionID: sid, Forced: true, Reason: reason})
}

// timeout is the bounded-wait recovery path. The generation check makes a
// stale timer a no-op, so the forced-close notification for any given wait
// fires at most once.
func (m *Manager) timeout(gen uint64, phase State, reason string) {
	m.mtx.Lock()
	if m.gen != gen || m.state != phase {
		m.mtx.Unlock()
		return
	}
	m.log.Errorf("Microphone session %s stuck in %s: %s", m.sid, phase, reason)
	m.failSession(reason)
}
