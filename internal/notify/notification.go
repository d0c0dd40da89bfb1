// ABOUTME: Closed set of notifications emitted by the gateway core.
// ABOUTME: One struct per event kind plus a per-kind callback adapter.

package notify

import (
	"time"

	"github.com/2389/sbc-gateway/internal/protocol"
	"github.com/2389/sbc-gateway/internal/registry"
)

// Kind names a notification variant. It doubles as the relay subject suffix
// and the ledger's kind column.
type Kind string

const (
	KindConnected        Kind = "connected"
	KindIdentity         Kind = "identity"
	KindServiceAnnounced Kind = "service_announced"
	KindDeviceAnnounced  Kind = "device_announced"
	KindDeviceList       Kind = "device_list"
	KindDeviceState      Kind = "device_state"
	KindDisconnected     Kind = "disconnected"
)

// SessionRef identifies the session a notification originated from. It is
// a value copy, never a handle to the live session.
type SessionRef struct {
	ID         string
	RemoteAddr string
	EntityID   string // empty while the session is unbound
}

// Notification is implemented only by the variants in this package.
type Notification interface {
	Kind() Kind
	Source() SessionRef
	Payload() any
	OccurredAt() time.Time
	sealed()
}

// Origin is embedded in every variant.
type Origin struct {
	Session SessionRef
	At      time.Time
}

func (o Origin) Source() SessionRef    { return o.Session }
func (o Origin) OccurredAt() time.Time { return o.At }
func (Origin) sealed()                 {}

// Connected is emitted when the transport hands over a new connection.
type Connected struct {
	Origin
}

// Identity is emitted after an IDENTIFY bound the session to an entity.
type Identity struct {
	Origin
	Entity registry.Entity
}

// ServiceAnnounced is emitted after a SERVICE_ANNOUNCE was recorded.
type ServiceAnnounced struct {
	Origin
	Service protocol.ChildInfo
}

// DeviceAnnounced is emitted after a DEVICE_ANNOUNCE was recorded.
type DeviceAnnounced struct {
	Origin
	Device protocol.ChildInfo
}

// DeviceList carries a DEVICE_LIST read-through.
type DeviceList struct {
	Origin
	List protocol.DeviceList
}

// DeviceState carries a DEVICE_STATE read-through.
type DeviceState struct {
	Origin
	State protocol.DeviceState
}

// Disconnected is emitted once a session is closed and unbound.
type Disconnected struct {
	Origin
	Reason string
}

func (Connected) Kind() Kind        { return KindConnected }
func (Identity) Kind() Kind         { return KindIdentity }
func (ServiceAnnounced) Kind() Kind { return KindServiceAnnounced }
func (DeviceAnnounced) Kind() Kind  { return KindDeviceAnnounced }
func (DeviceList) Kind() Kind       { return KindDeviceList }
func (DeviceState) Kind() Kind      { return KindDeviceState }
func (Disconnected) Kind() Kind     { return KindDisconnected }

func (Connected) Payload() any { return nil }

func (n Identity) Payload() any {
	return map[string]any{
		"guid":     n.Entity.ID,
		"kind":     string(n.Entity.Kind),
		"metadata": n.Entity.Metadata,
	}
}

func (n ServiceAnnounced) Payload() any { return n.Service.Metadata }
func (n DeviceAnnounced) Payload() any  { return n.Device.Metadata }

func (n DeviceList) Payload() any {
	return map[string]any{"devices": n.List.Devices}
}

func (n DeviceState) Payload() any { return n.State.Raw }

func (n Disconnected) Payload() any {
	if n.Reason == "" {
		return nil
	}
	return map[string]any{"reason": n.Reason}
}

// Handlers is one optional callback per notification kind.
type Handlers struct {
	OnConnected        func(Connected)
	OnIdentity         func(Identity)
	OnServiceAnnounced func(ServiceAnnounced)
	OnDeviceAnnounced  func(DeviceAnnounced)
	OnDeviceList       func(DeviceList)
	OnDeviceState      func(DeviceState)
	OnDisconnected     func(Disconnected)
}

// Handle routes n to the matching callback, if set.
func (h Handlers) Handle(n Notification) {
	switch v := n.(type) {
	case Connected:
		if h.OnConnected != nil {
			h.OnConnected(v)
		}
	case Identity:
		if h.OnIdentity != nil {
			h.OnIdentity(v)
		}
	case ServiceAnnounced:
		if h.OnServiceAnnounced != nil {
			h.OnServiceAnnounced(v)
		}
	case DeviceAnnounced:
		if h.OnDeviceAnnounced != nil {
			h.OnDeviceAnnounced(v)
		}
	case DeviceList:
		if h.OnDeviceList != nil {
			h.OnDeviceList(v)
		}
	case DeviceState:
		if h.OnDeviceState != nil {
			h.OnDeviceState(v)
		}
	case Disconnected:
		if h.OnDisconnected != nil {
			h.OnDisconnected(v)
		}
	}
}
