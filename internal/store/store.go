// ABOUTME: Store interface and data types for the sbc-gateway activity ledger
// ABOUTME: Defines the Activity record and the Store interface for database operations

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Activity is one notification as recorded in the ledger. The ledger is
// write-mostly history; it is never read back into the live registry.
type Activity struct {
	ID         string
	Kind       string // notify.Kind
	SessionID  string
	EntityID   string // empty before the session identified
	RemoteAddr string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// ListActivityParams filters ListActivity. Zero values match everything.
type ListActivityParams struct {
	EntityID string
	Kind     string
	Limit    int // 1-500, defaults to 50
}

func (p ListActivityParams) limit() int {
	switch {
	case p.Limit <= 0:
		return defaultListLimit
	case p.Limit > maxListLimit:
		return maxListLimit
	default:
		return p.Limit
	}
}

// Store defines the interface for activity persistence
type Store interface {
	// RecordActivity appends one activity record.
	RecordActivity(ctx context.Context, a *Activity) error

	// ListActivity returns matching records, newest first.
	ListActivity(ctx context.Context, p ListActivityParams) ([]*Activity, error)

	// GetActivity returns one record or ErrNotFound.
	GetActivity(ctx context.Context, id string) (*Activity, error)

	// Close releases any resources held by the store
	Close() error
}
