// ABOUTME: Entity registry mapping GUIDs to gateways/machines and their live session.
// ABOUTME: Serializes mutations behind a RWMutex and hands out copy-on-read snapshots.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/sbc-gateway/internal/protocol"
)

var (
	// ErrEntityOffline indicates the entity is unknown or has no bound session.
	ErrEntityOffline = errors.New("entity offline")

	// ErrEntityNotFound indicates no entity is registered under the id.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrKindConflict indicates an upsert tried to change an entity's kind.
	ErrKindConflict = errors.New("entity kind conflict")

	// ErrUnknownParent indicates a child announcement named a parent that is not registered.
	ErrUnknownParent = errors.New("unknown parent entity")

	// ErrInvalidKind indicates a kind that is not valid for the operation.
	ErrInvalidKind = errors.New("invalid entity kind")
)

// Endpoint is the outbound side of a connection session. The registry only
// keeps a reference keyed by ID; it never closes an endpoint.
type Endpoint interface {
	ID() string
	Deliver(ctx context.Context, env protocol.Envelope) error
}

// record is the mutable registry-internal state of a root entity.
type record struct {
	kind      Kind
	metadata  map[string]any
	sessionID string
	services  map[string]Child
	devices   map[string]Child
	updatedAt time.Time
}

// Registry tracks every entity seen by the gateway. Entries are never
// evicted; a closed session only revokes liveness.
type Registry struct {
	mu        sync.RWMutex
	entities  map[string]*record
	endpoints map[string]Endpoint // session id -> endpoint
	bound     map[string]string   // session id -> entity id
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entities:  make(map[string]*record),
		endpoints: make(map[string]Endpoint),
		bound:     make(map[string]string),
		logger:    logger,
		now:       time.Now,
	}
}

// Upsert inserts the entity or refreshes its metadata. The kind of an
// existing entity never changes; a conflicting kind is logged and ignored.
// An empty kind keeps the recorded one and defaults to gateway for a new
// entity. A non-nil endpoint is bound in the same critical section.
func (r *Registry) Upsert(id string, kind Kind, metadata map[string]any, ep Endpoint) Entity {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.entities[id]
	if !exists {
		if kind == "" {
			kind = KindGateway
		}
		rec = &record{
			kind:     kind,
			services: make(map[string]Child),
			devices:  make(map[string]Child),
		}
		r.entities[id] = rec
		r.logger.Info("entity registered",
			"entity_id", id,
			"kind", kind,
			"total_entities", len(r.entities),
		)
	} else if kind != "" && rec.kind != kind {
		r.logger.Warn("ignoring kind change",
			"entity_id", id,
			"kind", rec.kind,
			"requested_kind", kind,
			"error", ErrKindConflict,
		)
	}

	rec.metadata = cloneMap(metadata)
	rec.updatedAt = r.now()

	if ep != nil {
		r.bindLocked(id, rec, ep)
	}
	return snapshot(id, rec)
}

// Bind makes ep the live connection for id, replacing any previous one.
// The previous endpoint is forgotten, not closed.
func (r *Registry) Bind(id string, ep Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.entities[id]
	if !ok {
		return fmt.Errorf("binding %s: %w", id, ErrEntityNotFound)
	}
	r.bindLocked(id, rec, ep)
	return nil
}

func (r *Registry) bindLocked(id string, rec *record, ep Endpoint) {
	sid := ep.ID()

	if prev := rec.sessionID; prev != "" && prev != sid {
		delete(r.endpoints, prev)
		delete(r.bound, prev)
		r.logger.Info("session superseded",
			"entity_id", id,
			"previous_session_id", prev,
			"session_id", sid,
		)
	}

	// A session represents at most one entity.
	if other, ok := r.bound[sid]; ok && other != id {
		if otherRec := r.entities[other]; otherRec != nil && otherRec.sessionID == sid {
			otherRec.sessionID = ""
		}
	}

	rec.sessionID = sid
	r.endpoints[sid] = ep
	r.bound[sid] = id
}

// Unbind revokes the liveness of whichever entity is bound to sessionID.
// It returns the entity id that was bound, if any. An entity that has
// since been rebound to a newer session is left untouched.
func (r *Registry) Unbind(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.bound[sessionID]
	delete(r.bound, sessionID)
	delete(r.endpoints, sessionID)
	if !ok {
		return "", false
	}

	rec := r.entities[id]
	if rec == nil || rec.sessionID != sessionID {
		return id, false
	}
	rec.sessionID = ""
	rec.updatedAt = r.now()

	r.logger.Info("entity offline", "entity_id", id, "session_id", sessionID)
	return id, true
}

// Lookup returns a snapshot of the root entity registered under id.
func (r *Registry) Lookup(id string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.entities[id]
	if !ok {
		return Entity{}, false
	}
	return snapshot(id, rec), true
}

// AddChild records a service or device under its parent. An unknown
// parent is logged and reported as ErrUnknownParent; nothing is created.
func (r *Registry) AddChild(parentID string, child Child) error {
	if child.Kind != KindService && child.Kind != KindDevice {
		return fmt.Errorf("adding child %s: %w: %s", child.ID, ErrInvalidKind, child.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.entities[parentID]
	if !ok {
		r.logger.Warn("child announced for unknown parent",
			"parent_id", parentID,
			"child_id", child.ID,
			"kind", child.Kind,
		)
		return fmt.Errorf("adding %s %s: %w", child.Kind, child.ID, ErrUnknownParent)
	}

	child.Metadata = cloneMap(child.Metadata)
	if child.Kind == KindService {
		rec.services[child.ID] = child
	} else {
		rec.devices[child.ID] = child
	}
	rec.updatedAt = r.now()

	r.logger.Debug("child recorded",
		"parent_id", parentID,
		"child_id", child.ID,
		"kind", child.Kind,
	)
	return nil
}

// Send delivers env to the session currently bound to id. The registry
// lock is released before delivery, so a slow peer blocks only the caller.
func (r *Registry) Send(ctx context.Context, id string, env protocol.Envelope) error {
	r.mu.RLock()
	var ep Endpoint
	if rec, ok := r.entities[id]; ok && rec.sessionID != "" {
		ep = r.endpoints[rec.sessionID]
	}
	r.mu.RUnlock()

	if ep == nil {
		return fmt.Errorf("sending %s to %s: %w", env.Command, id, ErrEntityOffline)
	}
	if err := ep.Deliver(ctx, env); err != nil {
		return fmt.Errorf("sending %s to %s: %w", env.Command, id, err)
	}
	return nil
}

// List returns snapshots of all root entities ordered by id.
func (r *Registry) List() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entity, 0, len(r.entities))
	for id, rec := range r.entities {
		out = append(out, snapshot(id, rec))
	}
	slices.SortFunc(out, func(a, b Entity) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Counts returns the number of registered entities and how many are online.
func (r *Registry) Counts() (total, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.entities {
		if rec.sessionID != "" {
			online++
		}
	}
	return len(r.entities), online
}

// snapshot copies rec so callers never observe a later mutation. Must be
// called with mu held.
func snapshot(id string, rec *record) Entity {
	return Entity{
		ID:        id,
		Kind:      rec.kind,
		Metadata:  cloneMap(rec.metadata),
		SessionID: rec.sessionID,
		Services:  cloneChildren(rec.services),
		Devices:   cloneChildren(rec.devices),
		UpdatedAt: rec.updatedAt,
	}
}

func cloneChildren(in map[string]Child) map[string]Child {
	if in == nil {
		return nil
	}
	out := make(map[string]Child, len(in))
	for id, c := range in {
		c.Metadata = cloneMap(c.Metadata)
		out[id] = c
	}
	return out
}

// cloneMap deep-copies decoded peer data. Nested objects and arrays are
// copied; scalars are shared.
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case map[any]any:
		out := make(map[any]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i] = cloneMap(e)
		}
		return out
	default:
		return v
	}
}
