// ABOUTME: Command dispatcher mapping envelope tags to in-process handlers.
// ABOUTME: Handlers mutate the registry and publish notifications; unknown tags are ignored.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/sbc-gateway/internal/notify"
	"github.com/2389/sbc-gateway/internal/protocol"
	"github.com/2389/sbc-gateway/internal/registry"
	"github.com/2389/sbc-gateway/internal/session"
)

var (
	// ErrUnknownCommand indicates a tag with no registered handler.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrNotIdentified indicates a command that needs a bound session
	// arrived before IDENTIFY.
	ErrNotIdentified = errors.New("session not identified")
)

// HandlerFunc handles one command for one session.
type HandlerFunc func(ctx context.Context, s *session.Session, env protocol.Envelope) error

// Publisher receives notifications emitted by handlers.
type Publisher interface {
	Publish(n notify.Notification)
}

// Dispatcher is a lookup table from command tag to handler. It holds no
// per-session state; ordering within a session comes from the session's
// read loop.
type Dispatcher struct {
	registry *registry.Registry
	events   Publisher
	logger   *slog.Logger
	handlers map[protocol.Command]HandlerFunc
}

// New creates a Dispatcher with the built-in command handlers registered.
func New(reg *registry.Registry, events Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		registry: reg,
		events:   events,
		logger:   logger,
		handlers: make(map[protocol.Command]HandlerFunc),
	}

	d.Handle(protocol.CmdIdentify, d.handleIdentify)
	d.Handle(protocol.CmdGatewayInfo, d.handleIdentify)
	d.Handle(protocol.CmdMachineInfo, d.handleIdentify)
	d.Handle(protocol.CmdServiceAnnounce, d.requireBound(d.handleServiceAnnounce))
	d.Handle(protocol.CmdDeviceAnnounce, d.requireBound(d.handleDeviceAnnounce))
	d.Handle(protocol.CmdDeviceList, d.requireBound(d.handleDeviceList))
	d.Handle(protocol.CmdDeviceState, d.requireBound(d.handleDeviceState))
	return d
}

// Handle registers h for cmd, replacing any existing handler. It must be
// called before the dispatcher is shared with sessions.
func (d *Dispatcher) Handle(cmd protocol.Command, h HandlerFunc) {
	d.handlers[cmd] = h
}

// Dispatch implements session.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, s *session.Session, env protocol.Envelope) error {
	h, ok := d.handlers[env.Command]
	if !ok {
		s.Logger().Info("ignoring unknown command", "cmd", env.Command)
		return fmt.Errorf("%w: %s", ErrUnknownCommand, env.Command)
	}
	return h(ctx, s, env)
}

// requireBound drops commands that need an identity while the session is
// still unbound.
func (d *Dispatcher) requireBound(h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, s *session.Session, env protocol.Envelope) error {
		if s.BoundID() == "" {
			return fmt.Errorf("%w: %s before IDENTIFY", ErrNotIdentified, env.Command)
		}
		return h(ctx, s, env)
	}
}
