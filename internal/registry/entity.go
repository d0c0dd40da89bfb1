// ABOUTME: Entity and child records exposed by the registry.
// ABOUTME: Values are snapshots; mutating them does not affect the registry.

package registry

import (
	"fmt"
	"time"
)

// Kind is the type of a registered entity.
type Kind string

const (
	KindGateway Kind = "gateway"
	KindMachine Kind = "machine"
	KindService Kind = "service"
	KindDevice  Kind = "device"
)

// ParseRootKind maps the kind announced in an identify payload to a root
// entity kind. An empty value stays empty so Upsert keeps the recorded kind.
func ParseRootKind(s string) (Kind, error) {
	switch Kind(s) {
	case "":
		return "", nil
	case KindGateway:
		return KindGateway, nil
	case KindMachine:
		return KindMachine, nil
	default:
		return "", fmt.Errorf("%w: %q is not a root kind", ErrInvalidKind, s)
	}
}

// Entity is a snapshot of a gateway or machine known to the registry.
type Entity struct {
	ID        string
	Kind      Kind
	Metadata  map[string]any
	SessionID string // empty when no session is bound
	Services  map[string]Child
	Devices   map[string]Child
	UpdatedAt time.Time
}

// Online reports whether a live session is bound to the entity.
func (e Entity) Online() bool {
	return e.SessionID != ""
}

// Child is a service or device announced by its parent entity.
type Child struct {
	ID       string
	Kind     Kind
	Name     string
	Metadata map[string]any
}
