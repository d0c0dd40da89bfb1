// Package gateway runs the sbc-gateway core and the servers around it.
//
// # Overview
//
// Core is the composition root of the message gateway. It owns one entity
// registry, one command dispatcher, one notification hub and every live
// session. Several cores can coexist in one process; nothing is global.
//
// Gateway wraps a Core with the configured surfaces:
//
//	type Gateway struct {
//	    config      *config.Config
//	    core        *Core
//	    wsListener  *ws.Listener
//	    httpServer  *http.Server
//	    grpcServer  *grpc.Server   // nil without server.grpc_addr
//	    tsnetServer *tsnet.Server  // nil unless tailscale.enabled
//	    store       store.Store    // nil without ledger.path
//	    relay       *relay.Relay   // nil without relay.nats_url
//	}
//
// # Core Lifecycle
//
//	core := gateway.NewCore(logger)
//	done := core.Subscribe(ctx, notify.Handlers{
//	    OnDeviceList: func(n notify.DeviceList) { ... },
//	})
//	core.Start(ctx, listener)          // accept loop in the background
//	core.SendTo(ctx, "g1", "REBOOT", map[string]any{"delay": 5})
//	core.Stop()                        // sessions closed, entities kept offline
//	core.Close()                       // hub closed, subscribers drained
//
// SendTo fails fast with registry.ErrEntityOffline when nothing is bound.
// A superseded session closing never clears the newer binding.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 once the core accepts connections
//   - GET /api/entities - Registry snapshots (?online=true filters)
//   - GET /api/entities/{id} - One snapshot, 404 when unknown
//   - POST /api/entities/{id}/send - Deliver {"cmd","data"}; 409 when offline
//   - GET /api/entities/{id}/activity - Ledger rows (?limit=N, ?kind=K)
//
// The WebSocket endpoint is mounted at server.ws_path on the same server.
//
// # gRPC Health
//
// When server.grpc_addr is set, grpc.health.v1 reports SERVING for "" and
// "sbc.gateway" while the core runs, NOT_SERVING before and after.
//
// # Shutdown
//
// Shutdown stops HTTP, then closes the core so every session emits its
// Disconnected notification, waits for the ledger and relay to drain, and
// finally stops gRPC and tailscale and closes the ledger.
package gateway
