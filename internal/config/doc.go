// Package config handles configuration loading for sbc-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are parsed as TOML; anything else is YAML.
//
// # Configuration File
//
// Default location:
//
//  1. Path from SBC_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/sbc/gateway.yaml (~/.config when unset)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Server:
//
//	server:
//	  listen_addr: "0.0.0.0:8080"  # HTTP API and WebSocket endpoint
//	  ws_path: "/ws"
//	  grpc_addr: "0.0.0.0:50051"   # optional grpc.health.v1
//
// Transport:
//
//	transport:
//	  read_limit: 1048576
//	  write_timeout: "10s"
//	  ping_interval: "30s"        # "0s" disables keepalive pings
//	  allowed_origins: []         # empty allows any origin
//
// Activity ledger and relay (both optional):
//
//	ledger:
//	  path: "/var/lib/sbc/activity.db"
//	relay:
//	  nats_url: "nats://127.0.0.1:4222"
//	  subject_prefix: "sbc"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "sbc-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  ephemeral: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
