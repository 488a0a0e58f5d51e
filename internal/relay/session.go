package relay

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a forwarding session.
type State int32

const (
	// StateConnecting: opening the outbound upstream connection.
	StateConnecting State = iota
	// StateForwarding: bidirectional relay active.
	StateForwarding
	// StateClosing: one side has ended, draining the other.
	StateClosing
	// StateClosed: terminal; resources released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateForwarding:
		return "forwarding"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session pairs one inbound connection with one outbound upstream exchange.
// It owns the upstream cancel function for its whole life; canceling it tears
// down both relay directions. Sessions are never reused and every session
// reaches StateClosed exactly once.
type Session struct {
	ID      string
	Started time.Time

	state   atomic.Int32
	cancel  context.CancelFunc
	logger  *slog.Logger
	onClose func()
}

// newSession creates a Session in StateConnecting and derives the context
// that bounds the upstream exchange.
func newSession(ctx context.Context, logger *slog.Logger) (*Session, context.Context) {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:      uuid.NewString(),
		Started: time.Now(),
		cancel:  cancel,
	}
	s.logger = logger.With("session_id", s.ID)
	return s, sctx
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// transition advances the session state. States only move forward; a
// transition to an earlier state or out of StateClosed is a no-op.
func (s *Session) transition(to State) {
	for {
		cur := State(s.state.Load())
		if cur == StateClosed || to <= cur {
			return
		}
		if s.state.CompareAndSwap(int32(cur), int32(to)) {
			s.logger.Debug("session state",
				"from", cur.String(),
				"to", to.String(),
			)
			return
		}
	}
}

// Close moves the session to StateClosed and releases its resources: the
// upstream context is canceled so neither relay direction can outlive the
// session. Close is idempotent.
func (s *Session) Close() {
	for {
		cur := State(s.state.Load())
		if cur == StateClosed {
			return
		}
		if s.state.CompareAndSwap(int32(cur), int32(StateClosed)) {
			s.cancel()
			if s.onClose != nil {
				s.onClose()
			}
			s.logger.Debug("session closed",
				"duration_ms", time.Since(s.Started).Milliseconds(),
			)
			return
		}
	}
}
