// ABOUTME: Gateway Core composition root: registry, dispatcher, notification hub, sessions.
// ABOUTME: Accepts transport connections, runs one session per connection, routes sends by entity id.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/sbc-gateway/internal/dispatch"
	"github.com/2389/sbc-gateway/internal/notify"
	"github.com/2389/sbc-gateway/internal/protocol"
	"github.com/2389/sbc-gateway/internal/registry"
	"github.com/2389/sbc-gateway/internal/session"
	"github.com/2389/sbc-gateway/internal/transport"
)

var (
	// ErrAlreadyRunning indicates Start was called while a listener is active.
	ErrAlreadyRunning = errors.New("core already running")

	// ErrCoreClosed indicates the core was closed and accepts no more work.
	ErrCoreClosed = errors.New("core closed")

	// ErrCoreStopping indicates a Stop is in progress.
	ErrCoreStopping = errors.New("core stopping")
)

// Core owns one registry instance and every live session. Multiple cores
// can coexist in one process.
type Core struct {
	registry   *registry.Registry
	hub        *notify.Hub
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	stopMu   sync.Mutex // serializes Stop
	mu       sync.Mutex
	sessions map[string]*session.Session
	listener transport.Listener
	cancel   context.CancelFunc
	acceptWG sync.WaitGroup
	closed   bool
	stopping bool

	sessionWG sync.WaitGroup
}

// NewCore creates a core with an empty registry. Pass nil logger for default.
func NewCore(logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	reg := registry.New(logger.With("component", "registry"))
	hub := notify.NewHub(logger)
	return &Core{
		registry:   reg,
		hub:        hub,
		dispatcher: dispatch.New(reg, hub, logger.With("component", "dispatch")),
		logger:     logger.With("component", "core"),
		sessions:   make(map[string]*session.Session),
	}
}

// Dispatcher exposes the command table so callers can register extra
// handlers before Start.
func (c *Core) Dispatcher() *dispatch.Dispatcher { return c.dispatcher }

// Start begins accepting connections from ln in the background. It returns
// ErrAlreadyRunning if a listener is already active.
func (c *Core) Start(ctx context.Context, ln transport.Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCoreClosed
	}
	if c.stopping {
		return ErrCoreStopping
	}
	if c.listener != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	c.listener = ln
	c.cancel = cancel

	c.acceptWG.Add(1)
	go func() {
		defer c.acceptWG.Done()
		c.acceptLoop(ctx, ln)
	}()

	c.logger.Info("core started", "addr", ln.Addr())
	return nil
}

// Running reports whether a listener is active.
func (c *Core) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener != nil
}

func (c *Core) acceptLoop(ctx context.Context, ln transport.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) || ctx.Err() != nil {
				c.logger.Debug("accept loop stopped", "error", err)
				return
			}
			c.logger.Warn("accept failed", "error", err)
			continue
		}
		if _, err := c.Accept(ctx, conn); err != nil {
			_ = conn.Close()
		}
	}
}

// Accept wires conn into a new session and runs it until the transport
// closes. It is used by the accept loop and by transports that push
// connections instead of being polled. Connections offered while Stop is
// in progress are refused with ErrCoreStopping.
func (c *Core) Accept(ctx context.Context, conn transport.Conn) (*session.Session, error) {
	s := session.New(session.Params{
		Conn:       conn,
		Dispatcher: c.dispatcher,
		Registry:   c.registry,
		Events:     c.hub,
		Logger:     c.logger.With("component", "session"),
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCoreClosed
	}
	if c.stopping {
		c.mu.Unlock()
		return nil, ErrCoreStopping
	}
	c.sessions[s.ID()] = s
	c.sessionWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.sessionWG.Done()
		defer c.forget(s.ID())
		_ = s.Run(ctx)
	}()
	return s, nil
}

func (c *Core) forget(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// Stop closes the listener and every live session, then waits for their
// read loops to finish. The registry keeps its entities, all offline.
// The core can be started again afterwards.
func (c *Core) Stop() error {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	c.mu.Lock()
	c.stopping = true
	ln, cancel := c.listener, c.cancel
	c.listener, c.cancel = nil, nil
	sessions := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
		cancel()
		c.acceptWG.Wait()
	}
	for _, s := range sessions {
		_ = s.Close()
	}
	c.sessionWG.Wait()

	c.mu.Lock()
	c.stopping = false
	c.mu.Unlock()

	if ln != nil {
		c.logger.Info("core stopped", "sessions_closed", len(sessions))
	}
	if err != nil {
		return fmt.Errorf("closing listener: %w", err)
	}
	return nil
}

// Close stops the core and closes the notification hub. Subscribers see
// their channels closed after the final Disconnected notifications.
func (c *Core) Close() error {
	err := c.Stop()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.hub.Close()
	return err
}

// SendTo encodes cmd and data and delivers them to the session bound to id.
// It returns registry.ErrEntityOffline immediately when no session is bound.
func (c *Core) SendTo(ctx context.Context, id string, cmd protocol.Command, data any) error {
	return c.registry.Send(ctx, id, protocol.Envelope{Command: cmd, Data: data})
}

// Lookup returns a snapshot of the root entity registered under id.
func (c *Core) Lookup(id string) (registry.Entity, bool) {
	return c.registry.Lookup(id)
}

// Entities returns snapshots of every root entity ordered by id.
func (c *Core) Entities() []registry.Entity {
	return c.registry.List()
}

// Counts returns registered and online entity counts.
func (c *Core) Counts() (total, online int) {
	return c.registry.Counts()
}

// SessionCount returns the number of live sessions.
func (c *Core) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Notifications subscribes to the notification stream until ctx is done.
func (c *Core) Notifications(ctx context.Context) <-chan notify.Notification {
	ch, _ := c.hub.Subscribe(ctx)
	return ch
}

// Subscribe invokes the matching callback in h for every notification
// until ctx is done. Callbacks run on one goroutine in publish order.
// The returned channel is closed once the subscription has ended.
func (c *Core) Subscribe(ctx context.Context, h notify.Handlers) <-chan struct{} {
	ch, _ := c.hub.Subscribe(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := range ch {
			h.Handle(n)
		}
	}()
	return done
}
