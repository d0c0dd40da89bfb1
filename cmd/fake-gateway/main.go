// ABOUTME: Field gateway simulator for manual and E2E testing over WebSocket.
// ABOUTME: Usage: fake-gateway [-addr ws://localhost:8080/ws] [-guid G] [-cbor]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/2389/sbc-gateway/internal/protocol"
	"github.com/2389/sbc-gateway/internal/transport"
	"github.com/2389/sbc-gateway/internal/transport/ws"
)

type options struct {
	addr     string
	guid     string
	kind     string
	useCBOR  bool
	devices  int
	interval time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.addr, "addr", "ws://localhost:8080/ws", "gateway WebSocket URL")
	flag.StringVar(&o.guid, "guid", "", "entity id (default: random)")
	flag.StringVar(&o.kind, "kind", "gateway", "entity kind: gateway or machine")
	flag.BoolVar(&o.useCBOR, "cbor", false, "send binary CBOR frames instead of JSON text")
	flag.IntVar(&o.devices, "devices", 2, "number of simulated devices")
	flag.DurationVar(&o.interval, "state-interval", 0, "send DEVICE_STATE at this interval (0 disables)")
	flag.Parse()

	if o.guid == "" {
		o.guid = "fake-" + uuid.NewString()[:8]
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, o, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fake gateway failed", "error", err)
		os.Exit(1)
	}
}

// hostFacts collects the identify metadata from the local machine.
// Each host query is best effort; failures leave the field out.
func hostFacts(ctx context.Context, logger *slog.Logger) map[string]any {
	facts := map[string]any{}

	if info, err := host.InfoWithContext(ctx); err != nil {
		logger.Warn("host info unavailable", "error", err)
	} else {
		facts["hostname"] = info.Hostname
		facts["os"] = info.OS
		facts["platform"] = info.Platform
		facts["platform_version"] = info.PlatformVersion
		facts["kernel"] = info.KernelVersion
		facts["uptime_seconds"] = info.Uptime
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		logger.Warn("memory info unavailable", "error", err)
	} else {
		facts["memory_total"] = vm.Total
		facts["memory_used_percent"] = vm.UsedPercent
	}

	if ifaces, err := net.InterfacesWithContext(ctx); err != nil {
		logger.Warn("interface list unavailable", "error", err)
	} else {
		var addrs []any
		for _, iface := range ifaces {
			for _, a := range iface.Addrs {
				addrs = append(addrs, map[string]any{"interface": iface.Name, "addr": a.Addr})
			}
		}
		facts["addresses"] = addrs
	}

	return facts
}

type client struct {
	conn   *ws.Conn
	codec  protocol.Codec
	logger *slog.Logger
}

func (c *client) send(ctx context.Context, cmd protocol.Command, data any) error {
	raw, err := c.codec.Encode(protocol.Envelope{Command: cmd, Data: data})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", cmd, err)
	}
	f := transport.Frame{Binary: c.codec.Format() == protocol.FormatCBOR, Data: raw}
	if err := c.conn.Send(ctx, f); err != nil {
		return fmt.Errorf("sending %s: %w", cmd, err)
	}
	c.logger.Info("sent", "cmd", cmd)
	return nil
}

func run(ctx context.Context, o options, logger *slog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := ws.Dial(dialCtx, o.addr, ws.Options{Logger: logger})
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	c := &client{conn: conn, codec: protocol.CodecFor(protocol.FormatJSON), logger: logger.With("guid", o.guid)}
	if o.useCBOR {
		c.codec = protocol.CodecFor(protocol.FormatCBOR)
	}
	c.logger.Info("connected", "addr", o.addr, "format", c.codec.Format())

	identity := hostFacts(ctx, logger)
	identity["guid"] = o.guid
	identity["kind"] = o.kind
	identity["fw"] = "fake-1.0"
	if err := c.send(ctx, protocol.CmdIdentify, identity); err != nil {
		return err
	}

	if err := c.send(ctx, protocol.CmdServiceAnnounce, map[string]any{
		"guid": o.guid + "-sip",
		"name": "sip",
		"port": 5060,
	}); err != nil {
		return err
	}

	devices := make([]any, 0, o.devices)
	for i := range o.devices {
		devices = append(devices, map[string]any{
			"guid":  fmt.Sprintf("%s-dev%d", o.guid, i+1),
			"name":  fmt.Sprintf("handset %d", i+1),
			"state": "idle",
		})
	}
	if err := c.send(ctx, protocol.CmdDeviceList, map[string]any{"devices": devices}); err != nil {
		return err
	}

	if o.interval > 0 && o.devices > 0 {
		go c.stateLoop(ctx, o)
	}

	return c.readLoop(ctx)
}

// stateLoop cycles the first device through call states.
func (c *client) stateLoop(ctx context.Context, o options) {
	states := []string{"ringing", "connected", "idle"}
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := c.send(ctx, protocol.CmdDeviceState, map[string]any{
			"guid":  o.guid + "-dev1",
			"state": states[i%len(states)],
		})
		if err != nil {
			c.logger.Warn("state update failed", "error", err)
			return
		}
	}
}

// readLoop logs every inbound command until the connection or ctx ends.
func (c *client) readLoop(ctx context.Context) error {
	for {
		f, err := c.conn.Receive(ctx)
		if err != nil {
			return err
		}
		codec := protocol.CodecFor(protocol.FormatJSON)
		if f.Binary {
			codec = protocol.CodecFor(protocol.FormatCBOR)
		}
		env, err := codec.Decode(f.Data)
		if err != nil {
			c.logger.Warn("undecodable frame", "error", err)
			continue
		}
		c.logger.Info("received", "cmd", env.Command, "data", env.Data)
	}
}
