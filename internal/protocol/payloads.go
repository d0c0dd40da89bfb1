// ABOUTME: Typed views over the data field of inbound commands.
// ABOUTME: Extracts guid/kind/name while keeping the full peer-supplied mapping as metadata.

package protocol

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ErrInvalidPayload indicates a well-formed envelope whose data does not
// match what its command requires.
var ErrInvalidPayload = errors.New("invalid payload")

// Identity is the data of an IDENTIFY command (gateway or machine info).
type Identity struct {
	GUID     string
	Kind     string // "gateway" or "machine"; empty when the peer did not say
	Hostname string
	Metadata map[string]any
}

// ChildInfo is the data of a SERVICE_ANNOUNCE or DEVICE_ANNOUNCE command.
type ChildInfo struct {
	GUID     string
	Name     string
	Metadata map[string]any
}

// DeviceList is the data of a DEVICE_LIST command. Entries are passed
// through as the peer sent them.
type DeviceList struct {
	Devices []any
}

// DeviceState is the data of a DEVICE_STATE command. GUID and State are
// filled when the data is an object carrying them; Raw is always the data
// as received.
type DeviceState struct {
	GUID  string
	State any
	Raw   any
}

// DecodeIdentity reads an IDENTIFY payload. The legacy GATEWAY_INFO and
// MACHINE_INFO tags imply the kind when the payload does not carry one.
func DecodeIdentity(cmd Command, data any) (Identity, error) {
	m, err := asObject(data)
	if err != nil {
		return Identity{}, err
	}
	guid, err := requireString(m, "guid")
	if err != nil {
		return Identity{}, err
	}
	id := Identity{
		GUID:     guid,
		Kind:     optionalString(m, "kind"),
		Hostname: optionalString(m, "hostname"),
		Metadata: maps.Clone(m),
	}
	if id.Kind == "" {
		switch cmd {
		case CmdGatewayInfo:
			id.Kind = "gateway"
		case CmdMachineInfo:
			id.Kind = "machine"
		}
	}
	return id, nil
}

// DecodeChild reads a service or device announcement.
func DecodeChild(data any) (ChildInfo, error) {
	m, err := asObject(data)
	if err != nil {
		return ChildInfo{}, err
	}
	guid, err := requireString(m, "guid")
	if err != nil {
		return ChildInfo{}, err
	}
	return ChildInfo{
		GUID:     guid,
		Name:     optionalString(m, "name"),
		Metadata: maps.Clone(m),
	}, nil
}

// DecodeDeviceList accepts either a bare array of device objects or an
// object with a "devices" array.
func DecodeDeviceList(data any) (DeviceList, error) {
	items, ok := data.([]any)
	if !ok {
		m, err := asObject(data)
		if err != nil {
			return DeviceList{}, err
		}
		items, ok = m["devices"].([]any)
		if !ok {
			return DeviceList{}, fmt.Errorf("%w: devices must be an array", ErrInvalidPayload)
		}
	}
	return DeviceList{Devices: slices.Clone(items)}, nil
}

// DecodeDeviceState reads a DEVICE_STATE payload. Only missing data is
// rejected.
func DecodeDeviceState(data any) (DeviceState, error) {
	if data == nil {
		return DeviceState{}, fmt.Errorf("%w: device state has no data", ErrInvalidPayload)
	}
	m, ok := data.(map[string]any)
	if !ok {
		return DeviceState{State: data, Raw: data}, nil
	}
	return DeviceState{
		GUID:  optionalString(m, "guid"),
		State: m["state"],
		Raw:   maps.Clone(m),
	}, nil
}

func asObject(data any) (map[string]any, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: data is %T, not an object", ErrInvalidPayload, data)
	}
	return m, nil
}

func requireString(m map[string]any, key string) (string, error) {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidPayload, key)
	}
	return s, nil
}

func optionalString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
