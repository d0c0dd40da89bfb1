// ABOUTME: Built-in handlers for IDENTIFY, announcements, and device read-throughs.
// ABOUTME: Each handler decodes its payload view, applies registry effects, then publishes.

package dispatch

import (
	"context"
	"fmt"

	"github.com/2389/sbc-gateway/internal/notify"
	"github.com/2389/sbc-gateway/internal/protocol"
	"github.com/2389/sbc-gateway/internal/registry"
	"github.com/2389/sbc-gateway/internal/session"
)

// handleIdentify binds the session to the announced entity. The session is
// bound before the registry is touched so a rejected rebind leaves the
// registry unchanged.
func (d *Dispatcher) handleIdentify(_ context.Context, s *session.Session, env protocol.Envelope) error {
	info, err := protocol.DecodeIdentity(env.Command, env.Data)
	if err != nil {
		return fmt.Errorf("identify: %w", err)
	}
	kind, err := registry.ParseRootKind(info.Kind)
	if err != nil {
		return fmt.Errorf("identify %s: %w", info.GUID, err)
	}
	if err := s.Bind(info.GUID); err != nil {
		return fmt.Errorf("identify %s: %w", info.GUID, err)
	}

	entity := d.registry.Upsert(info.GUID, kind, info.Metadata, s)

	s.Logger().Info("entity identified",
		"entity_id", entity.ID,
		"kind", entity.Kind,
		"hostname", info.Hostname,
	)
	d.events.Publish(notify.Identity{Origin: s.Origin(), Entity: entity})
	return nil
}

func (d *Dispatcher) handleServiceAnnounce(_ context.Context, s *session.Session, env protocol.Envelope) error {
	info, err := d.addChild(s, registry.KindService, env)
	if err != nil {
		return err
	}
	d.events.Publish(notify.ServiceAnnounced{Origin: s.Origin(), Service: info})
	return nil
}

func (d *Dispatcher) handleDeviceAnnounce(_ context.Context, s *session.Session, env protocol.Envelope) error {
	info, err := d.addChild(s, registry.KindDevice, env)
	if err != nil {
		return err
	}
	d.events.Publish(notify.DeviceAnnounced{Origin: s.Origin(), Device: info})
	return nil
}

func (d *Dispatcher) addChild(s *session.Session, kind registry.Kind, env protocol.Envelope) (protocol.ChildInfo, error) {
	info, err := protocol.DecodeChild(env.Data)
	if err != nil {
		return protocol.ChildInfo{}, fmt.Errorf("%s: %w", env.Command, err)
	}
	parentID := s.BoundID()
	if err := d.registry.AddChild(parentID, registry.Child{
		ID:       info.GUID,
		Kind:     kind,
		Name:     info.Name,
		Metadata: info.Metadata,
	}); err != nil {
		return protocol.ChildInfo{}, fmt.Errorf("%s: %w", env.Command, err)
	}

	s.Logger().Debug("child announced",
		"parent_id", parentID,
		"child_id", info.GUID,
		"kind", kind,
		"name", info.Name,
	)
	return info, nil
}

func (d *Dispatcher) handleDeviceList(_ context.Context, s *session.Session, env protocol.Envelope) error {
	list, err := protocol.DecodeDeviceList(env.Data)
	if err != nil {
		return fmt.Errorf("device list: %w", err)
	}
	s.Logger().Debug("device list received", "devices", len(list.Devices))
	d.events.Publish(notify.DeviceList{Origin: s.Origin(), List: list})
	return nil
}

func (d *Dispatcher) handleDeviceState(_ context.Context, s *session.Session, env protocol.Envelope) error {
	state, err := protocol.DecodeDeviceState(env.Data)
	if err != nil {
		return fmt.Errorf("device state: %w", err)
	}
	s.Logger().Debug("device state received", "device_id", state.GUID)
	d.events.Publish(notify.DeviceState{Origin: s.Origin(), State: state})
	return nil
}
