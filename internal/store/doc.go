// Package store provides the gateway's activity ledger using SQLite.
//
// # Architecture
//
// Store is the persistence interface. SQLiteStore implements it on
// modernc.org/sqlite; MockStore is an in-memory implementation for tests.
// Recorder consumes the core's notification stream and appends one Activity
// per notification.
//
// The ledger is history only. The live entity registry is never rebuilt
// from it; after a restart every entity is unknown until it identifies
// again.
//
// # Schema
//
//	activity(id, kind, session_id, entity_id, remote_addr, payload, created_at)
//
// payload holds the notification payload as JSON. created_at is RFC 3339
// with nanoseconds in UTC so text ordering matches time ordering.
//
// # SQLite Configuration
//
// File databases use WAL mode. ":memory:" is allowed and is limited to a
// single pooled connection so every query sees the same database.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/sbc/activity.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	rec := store.NewRecorder(s, logger)
//	go rec.Run(ctx, core.Notifications(ctx))
package store
