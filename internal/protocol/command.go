// ABOUTME: Command tags carried in the cmd field of every envelope.
// ABOUTME: Normalizes string, legacy and numeric tags to one canonical Command.

package protocol

import (
	"fmt"
	"math"
	"strconv"
)

// Command is the tag identifying which handler an envelope is routed to.
type Command string

const (
	CmdIdentify        Command = "IDENTIFY"
	CmdServiceAnnounce Command = "SERVICE_ANNOUNCE"
	CmdDeviceList      Command = "DEVICE_LIST"
	CmdDeviceState     Command = "DEVICE_STATE"
	CmdDeviceAnnounce  Command = "DEVICE_ANNOUNCE"
)

// Legacy identify tags sent by older field gateways. They carry the entity
// kind in the tag itself instead of the payload.
const (
	CmdGatewayInfo Command = "GATEWAY_INFO"
	CmdMachineInfo Command = "MACHINE_INFO"
)

// numericCommands maps the integer tags of the compact protocol.
var numericCommands = map[int64]Command{
	1: CmdIdentify,
	2: CmdServiceAnnounce,
	3: CmdDeviceList,
	4: CmdDeviceState,
	5: CmdDeviceAnnounce,
}

func (c Command) String() string {
	return string(c)
}

// parseCommand turns a decoded cmd field into a Command. Strings pass
// through as-is; integral numbers are looked up in the numeric table and
// fall back to their decimal text so unknown codes still reach the
// dispatcher as unknown commands.
func parseCommand(v any) (Command, error) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", fmt.Errorf("%w: empty cmd", ErrMalformedMessage)
		}
		return Command(t), nil
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return "", fmt.Errorf("%w: non-integral cmd %v", ErrMalformedMessage, t)
		}
		return commandFromInt(int64(t)), nil
	case int64:
		return commandFromInt(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return "", fmt.Errorf("%w: cmd %d out of range", ErrMalformedMessage, t)
		}
		return commandFromInt(int64(t)), nil
	case nil:
		return "", fmt.Errorf("%w: missing cmd", ErrMalformedMessage)
	default:
		return "", fmt.Errorf("%w: cmd has type %T", ErrMalformedMessage, v)
	}
}

func commandFromInt(n int64) Command {
	if c, ok := numericCommands[n]; ok {
		return c
	}
	return Command(strconv.FormatInt(n, 10))
}
