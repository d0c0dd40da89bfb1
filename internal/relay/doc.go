// Package relay republishes gateway notifications on NATS.
//
// Each notification becomes one JSON message on the subject
// "<prefix>.<kind>", for example "sbc.device_state". The body carries a
// fresh message id, the session and entity the event came from, the
// notification payload and its timestamp.
//
// The relay is a plain subscriber of the core's notification stream. A
// failed publish is logged and dropped; it never back-pressures sessions.
package relay
