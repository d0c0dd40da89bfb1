// ABOUTME: NATS relay publishing every gateway notification as JSON
// ABOUTME: Subjects are <prefix>.<kind>; publish failures are logged and dropped

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/2389/sbc-gateway/internal/notify"
)

// Publisher is the subset of *nats.Conn the relay needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON body published for each notification.
type Message struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	SessionID  string    `json:"session_id"`
	EntityID   string    `json:"entity_id,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Data       any       `json:"data,omitempty"`
	Time       time.Time `json:"time"`
}

// Relay forwards notifications to NATS.
type Relay struct {
	pub    Publisher
	nc     *nats.Conn // set when the relay owns the connection
	prefix string
	logger *slog.Logger
}

// New creates a relay on an existing publisher. Pass nil logger for default.
func New(pub Publisher, prefix string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		pub:    pub,
		prefix: prefix,
		logger: logger.With("component", "relay"),
	}
}

// Connect dials NATS and returns a relay that owns the connection. The
// client reconnects indefinitely; publishes while disconnected are
// buffered by nats.go up to its reconnect buffer.
func Connect(url, prefix string, logger *slog.Logger, extraOpts ...nats.Option) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "relay")

	opts := []nats.Option{
		nats.Name("sbc-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ConnectHandler(func(nc *nats.Conn) {
			log.Info("connected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("NATS error", "error", err)
		}),
	}
	opts = append(opts, extraOpts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	r := New(nc, prefix, logger)
	r.nc = nc
	return r, nil
}

// Subject returns the subject a notification kind is published on.
func (r *Relay) Subject(kind notify.Kind) string {
	if r.prefix == "" {
		return string(kind)
	}
	return r.prefix + "." + string(kind)
}

// NewMessage builds the published body for n.
func NewMessage(n notify.Notification) Message {
	src := n.Source()
	return Message{
		ID:         uuid.New().String(),
		Kind:       string(n.Kind()),
		SessionID:  src.ID,
		EntityID:   src.EntityID,
		RemoteAddr: src.RemoteAddr,
		Data:       n.Payload(),
		Time:       n.OccurredAt().UTC(),
	}
}

// Forward publishes one notification.
func (r *Relay) Forward(n notify.Notification) error {
	body, err := json.Marshal(NewMessage(n))
	if err != nil {
		return fmt.Errorf("encoding %s: %w", n.Kind(), err)
	}
	subject := r.Subject(n.Kind())
	if err := r.pub.Publish(subject, body); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Run forwards notifications from ch until it is closed.
func (r *Relay) Run(_ context.Context, ch <-chan notify.Notification) {
	for n := range ch {
		if err := r.Forward(n); err != nil {
			r.logger.Warn("failed to relay notification",
				"kind", n.Kind(),
				"session_id", n.Source().ID,
				"error", err,
			)
		}
	}
	r.logger.Debug("relay stopped")
}

// Close drains the NATS connection if the relay owns it.
func (r *Relay) Close() error {
	if r.nc == nil {
		return nil
	}
	if err := r.nc.Drain(); err != nil {
		return fmt.Errorf("draining NATS connection: %w", err)
	}
	return nil
}
