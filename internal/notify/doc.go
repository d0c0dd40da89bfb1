// Package notify defines what the gateway core tells the rest of the
// process.
//
// The set of notifications is closed: Connected, Identity,
// ServiceAnnounced, DeviceAnnounced, DeviceList, DeviceState and
// Disconnected. Each carries a SessionRef copy of the originating session
// and the decoded payload. Consumers either range over a Hub subscription or
// fill in a Handlers struct with one callback per kind.
package notify
