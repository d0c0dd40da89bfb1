// ABOUTME: HTTP API handlers exposing registry snapshots, outbound sends, and ledger history
// ABOUTME: Routes live under /api/entities and answer with JSON

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/2389/sbc-gateway/internal/protocol"
	"github.com/2389/sbc-gateway/internal/registry"
	"github.com/2389/sbc-gateway/internal/store"
)

// maxSendBody bounds the request body of POST /api/entities/{id}/send.
const maxSendBody = 1 << 20

// ChildResponse is one service or device in an EntityResponse.
type ChildResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EntityResponse is the JSON form of a registry snapshot.
type EntityResponse struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Online    bool            `json:"online"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Services  []ChildResponse `json:"services"`
	Devices   []ChildResponse `json:"devices"`
	UpdatedAt string          `json:"updated_at"`
}

// ListEntitiesResponse is the JSON response for GET /api/entities.
type ListEntitiesResponse struct {
	Entities []EntityResponse `json:"entities"`
	Total    int              `json:"total"`
	Online   int              `json:"online"`
}

// ActivityResponse is one ledger row for GET /api/entities/{id}/activity.
type ActivityResponse struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	SessionID  string          `json:"session_id"`
	RemoteAddr string          `json:"remote_addr,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

// ListActivityResponse is the JSON response for GET /api/entities/{id}/activity.
type ListActivityResponse struct {
	EntityID string             `json:"entity_id"`
	Activity []ActivityResponse `json:"activity"`
}

func toChildResponses(children map[string]registry.Child) []ChildResponse {
	out := make([]ChildResponse, 0, len(children))
	for _, c := range children {
		out = append(out, ChildResponse{ID: c.ID, Name: c.Name, Metadata: c.Metadata})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func toEntityResponse(e registry.Entity) EntityResponse {
	return EntityResponse{
		ID:        e.ID,
		Kind:      string(e.Kind),
		Online:    e.Online(),
		Metadata:  e.Metadata,
		Services:  toChildResponses(e.Services),
		Devices:   toChildResponses(e.Devices),
		UpdatedAt: e.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// handleListEntities handles GET /api/entities requests.
// Supports optional ?online=true to list only entities with a live session.
func (g *Gateway) handleListEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	onlineOnly := r.URL.Query().Get("online") == "true"
	entities := g.core.Entities()

	resp := ListEntitiesResponse{Entities: make([]EntityResponse, 0, len(entities))}
	for _, e := range entities {
		resp.Total++
		if e.Online() {
			resp.Online++
		} else if onlineOnly {
			continue
		}
		resp.Entities = append(resp.Entities, toEntityResponse(e))
	}

	g.writeJSON(w, http.StatusOK, resp)
}

// handleEntityRoutes dispatches /api/entities/{id}[/send|/activity].
// The id is a single escaped path segment, so ids may contain '/'.
func (g *Gateway) handleEntityRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.EscapedPath(), "/api/entities/")
	rawID, action, _ := strings.Cut(rest, "/")
	id, err := url.PathUnescape(rawID)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid entity id")
		return
	}
	if id == "" {
		g.sendJSONError(w, http.StatusBadRequest, "entity id required")
		return
	}

	switch action {
	case "":
		g.handleGetEntity(w, r, id)
	case "send":
		g.handleSendToEntity(w, r, id)
	case "activity":
		g.handleEntityActivity(w, r, id)
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleGetEntity handles GET /api/entities/{id}.
func (g *Gateway) handleGetEntity(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	e, ok := g.core.Lookup(id)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "entity not found")
		return
	}
	g.writeJSON(w, http.StatusOK, toEntityResponse(e))
}

// handleSendToEntity handles POST /api/entities/{id}/send.
// The body is an envelope {"cmd": ..., "data": ...}; cmd may be a string
// or a numeric tag. Integers in data stay integers for CBOR peers.
func (g *Gateway) handleSendToEntity(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSendBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	env, err := protocol.DecodeJSONExact(body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "body must be {\"cmd\": ..., \"data\": ...}")
		return
	}

	err = g.core.SendTo(r.Context(), id, env.Command, env.Data)
	switch {
	case err == nil:
		g.writeJSON(w, http.StatusAccepted, map[string]string{
			"status":    "sent",
			"entity_id": id,
			"cmd":       env.Command.String(),
		})
	case errors.Is(err, registry.ErrEntityOffline):
		g.sendJSONError(w, http.StatusConflict, "entity offline")
	case errors.Is(err, protocol.ErrUnsupportedPayload):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Warn("send to entity failed", "entity_id", id, "cmd", env.Command, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "delivery failed")
	}
}

// handleEntityActivity handles GET /api/entities/{id}/activity.
// Returns ledger rows newest first, optionally limited by ?limit=N
// (default 20, max 100).
func (g *Gateway) handleEntityActivity(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.store == nil {
		g.sendJSONError(w, http.StatusNotFound, "activity ledger disabled")
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, 100)
	}

	rows, err := g.store.ListActivity(r.Context(), store.ListActivityParams{
		EntityID: id,
		Kind:     r.URL.Query().Get("kind"),
		Limit:    limit,
	})
	if err != nil {
		g.logger.Error("failed to list activity", "entity_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list activity")
		return
	}

	resp := ListActivityResponse{EntityID: id, Activity: make([]ActivityResponse, 0, len(rows))}
	for _, a := range rows {
		resp.Activity = append(resp.Activity, ActivityResponse{
			ID:         a.ID,
			Kind:       a.Kind,
			SessionID:  a.SessionID,
			RemoteAddr: a.RemoteAddr,
			Payload:    a.Payload,
			CreatedAt:  a.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to write JSON response", "error", err)
	}
}

// sendJSONError sends a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
