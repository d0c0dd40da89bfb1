// Package ws implements the gateway transport over WebSocket using
// gorilla/websocket.
//
// Text messages carry JSON envelopes and binary messages carry CBOR. The
// server side is a Listener mounted on an http.ServeMux; Dial returns the
// client side for simulators and tests.
//
// With a positive PingInterval each side pings the peer and expects a pong
// or a frame within two intervals; otherwise the pending Receive fails and
// the session closes.
package ws
