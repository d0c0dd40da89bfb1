// ABOUTME: Recorder turns gateway notifications into activity ledger rows
// ABOUTME: Consumes a notification channel; write failures are logged, never fed back to sessions

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/sbc-gateway/internal/notify"
)

// NewActivity builds the ledger record for n.
func NewActivity(n notify.Notification) (*Activity, error) {
	src := n.Source()
	a := &Activity{
		ID:         uuid.New().String(),
		Kind:       string(n.Kind()),
		SessionID:  src.ID,
		EntityID:   src.EntityID,
		RemoteAddr: src.RemoteAddr,
		CreatedAt:  n.OccurredAt(),
	}
	if p := n.Payload(); p != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", n.Kind(), err)
		}
		a.Payload = raw
	}
	return a, nil
}

// Recorder appends every notification it sees to a Store.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a recorder writing to s. Pass nil logger for default.
func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  s,
		logger: logger.With("component", "recorder"),
	}
}

// Record writes one notification.
func (r *Recorder) Record(ctx context.Context, n notify.Notification) error {
	a, err := NewActivity(n)
	if err != nil {
		return err
	}
	return r.store.RecordActivity(ctx, a)
}

// Run records notifications from ch until it is closed. Failed writes are
// logged and skipped.
func (r *Recorder) Run(ctx context.Context, ch <-chan notify.Notification) {
	// Keep draining after cancellation so the final Disconnected rows land.
	ctx = context.WithoutCancel(ctx)
	for n := range ch {
		if err := r.Record(ctx, n); err != nil {
			r.logger.Warn("failed to record activity",
				"kind", n.Kind(),
				"session_id", n.Source().ID,
				"error", err,
			)
		}
	}
	r.logger.Debug("recorder stopped")
}
