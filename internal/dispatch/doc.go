// Package dispatch routes decoded envelopes to command handlers.
//
// # Commands
//
//	IDENTIFY (GATEWAY_INFO, MACHINE_INFO)  bind session, upsert root entity   -> Identity
//	SERVICE_ANNOUNCE                       add service under bound entity     -> ServiceAnnounced
//	DEVICE_ANNOUNCE                        add device under bound entity      -> DeviceAnnounced
//	DEVICE_LIST                            read-through                       -> DeviceList
//	DEVICE_STATE                           read-through                       -> DeviceState
//
// Everything except IDENTIFY requires a bound session and fails with
// ErrNotIdentified otherwise. Tags without a handler return
// ErrUnknownCommand so newer peers can send commands this gateway does not
// understand yet; the session logs and carries on.
//
// Additional handlers can be registered with Handle before the dispatcher
// is handed to sessions.
package dispatch
