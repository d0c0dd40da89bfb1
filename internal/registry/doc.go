// Package registry maps entity GUIDs to their declared metadata and to the
// connection session currently representing them on the wire.
//
// # Entities
//
// Root entities are gateways and machines; they are created by an IDENTIFY
// command. Services and devices are children stored inside their parent's
// record and are only ever created by an announcement from that parent.
//
// # Sessions
//
// The link between an entity and its connection is a key relation, not a
// pointer graph:
//
//	entity id  -> session id   (record.sessionID)
//	session id -> entity id    (bound index)
//	session id -> Endpoint     (outbound delivery)
//
// Binding a second session to an id supersedes the first. Unbind is keyed by
// session id and leaves an entity alone once a newer session holds it, so a
// late close of a superseded connection cannot take a reconnected entity
// offline. Entity records are never deleted.
//
// # Thread Safety
//
// All mutations run under one write lock. Lookup, List and Send read under
// the read lock and return copies; Send releases the lock before delivering.
package registry
