// ABOUTME: One Session per accepted connection: read loop, identity binding, outbound delivery.
// ABOUTME: Decode and handler failures are logged and contained; only the transport closes a session.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/sbc-gateway/internal/notify"
	"github.com/2389/sbc-gateway/internal/protocol"
	"github.com/2389/sbc-gateway/internal/transport"
)

var (
	// ErrAlreadyBound indicates an attempt to rebind a session to a different id.
	ErrAlreadyBound = errors.New("session already bound to another entity")

	// ErrSessionClosed indicates the session no longer accepts frames or sends.
	ErrSessionClosed = errors.New("session closed")

	// ErrHandlerFailure wraps a panic recovered from command handling.
	ErrHandlerFailure = errors.New("handler failure")
)

// State is the lifecycle position of a session. Transitions only move forward.
type State int

const (
	StateUnbound State = iota
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Dispatcher routes one decoded envelope. Calls for a single session are
// strictly sequential.
type Dispatcher interface {
	Dispatch(ctx context.Context, s *Session, env protocol.Envelope) error
}

// Unbinder revokes the registry binding held by a session.
type Unbinder interface {
	Unbind(sessionID string) (string, bool)
}

// Publisher receives the session's Connected and Disconnected notifications.
type Publisher interface {
	Publish(n notify.Notification)
}

// Params holds the collaborators of a Session.
type Params struct {
	Conn       transport.Conn
	Dispatcher Dispatcher
	Registry   Unbinder
	Events     Publisher
	Logger     *slog.Logger
}

// Session is the core's view of one transport connection.
type Session struct {
	id         string
	conn       transport.Conn
	dispatcher Dispatcher
	registry   Unbinder
	events     Publisher
	logger     *slog.Logger

	mu      sync.RWMutex
	state   State
	boundID string
	lastErr error
	format  protocol.Format

	finish sync.Once
}

// New creates an Unbound session for conn.
func New(p Params) *Session {
	id := uuid.New().String()
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:         id,
		conn:       p.Conn,
		dispatcher: p.Dispatcher,
		registry:   p.Registry,
		events:     p.Events,
		logger:     logger.With("session_id", id, "remote_addr", p.Conn.RemoteAddr()),
		format:     protocol.FormatJSON,
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address reported by the transport.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// BoundID returns the entity id bound to the session, or "" while Unbound.
func (s *Session) BoundID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundID
}

// LastError returns the most recent decode or dispatch error.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Ref returns a value snapshot identifying the session in notifications.
func (s *Session) Ref() notify.SessionRef {
	return notify.SessionRef{
		ID:         s.id,
		RemoteAddr: s.conn.RemoteAddr(),
		EntityID:   s.BoundID(),
	}
}

// Bind moves the session to Bound with id. Binding again to the same id is
// a no-op; binding to a different id fails with ErrAlreadyBound.
func (s *Session) Bind(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateBound:
		if s.boundID != id {
			return fmt.Errorf("%w: bound to %s, got %s", ErrAlreadyBound, s.boundID, id)
		}
		return nil
	}

	s.boundID = id
	s.state = StateBound
	return nil
}

// Deliver encodes env in the format the peer last spoke and sends it.
func (s *Session) Deliver(ctx context.Context, env protocol.Envelope) error {
	s.mu.RLock()
	state, format := s.state, s.format
	s.mu.RUnlock()

	if state == StateClosed {
		return ErrSessionClosed
	}

	raw, err := protocol.CodecFor(format).Encode(env)
	if err != nil {
		return err
	}
	if err := s.conn.Send(ctx, transport.Frame{Binary: format == protocol.FormatCBOR, Data: raw}); err != nil {
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}

// Run reads frames until the transport reports close or ctx is done, then
// unbinds the session and emits Disconnected. It returns the receive error
// that ended the session.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("session opened")
	s.events.Publish(notify.Connected{Origin: s.Origin()})

	var err error
	for {
		var f transport.Frame
		f, err = s.conn.Receive(ctx)
		if err != nil {
			break
		}
		s.HandleFrame(ctx, f)
	}

	s.finalize(err)
	return err
}

// HandleFrame decodes and dispatches one frame. It never returns an error:
// malformed frames and handler failures are logged and recorded in
// LastError, and the session keeps running.
func (s *Session) HandleFrame(ctx context.Context, f transport.Frame) {
	if s.State() == StateClosed {
		return
	}

	format := protocol.FormatJSON
	if f.Binary {
		format = protocol.FormatCBOR
	}

	env, err := protocol.CodecFor(format).Decode(f.Data)
	if err != nil {
		s.recordError(err)
		s.logger.Warn("dropping malformed frame", "format", format, "size", len(f.Data), "error", err)
		return
	}

	s.mu.Lock()
	s.format = format
	s.mu.Unlock()

	if err := s.dispatch(ctx, env); err != nil {
		s.recordError(err)
		s.logger.Warn("command failed", "cmd", env.Command, "error", err)
	}
}

// dispatch invokes the dispatcher and converts a panic into ErrHandlerFailure.
func (s *Session) dispatch(ctx context.Context, env protocol.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				"cmd", env.Command,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%w: %s: %v", ErrHandlerFailure, env.Command, r)
		}
	}()
	return s.dispatcher.Dispatch(ctx, s, env)
}

// Close closes the underlying connection. Run observes the close on its
// next receive and finishes the session.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// finalize runs once: Closed state, registry unbind, Disconnected.
func (s *Session) finalize(cause error) {
	s.finish.Do(func() {
		ref := s.Ref()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		_ = s.conn.Close()

		entityID, cleared := s.registry.Unbind(s.id)
		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		s.logger.Info("session closed",
			"reason", reason,
			"unbound_entity", entityID,
			"cleared", cleared,
		)

		s.events.Publish(notify.Disconnected{
			Origin: notify.Origin{Session: ref, At: time.Now()},
			Reason: reason,
		})
	})
}

// Origin returns the notification origin for the session's current state.
func (s *Session) Origin() notify.Origin {
	return notify.Origin{Session: s.Ref(), At: time.Now()}
}
