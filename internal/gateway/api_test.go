// ABOUTME: Tests for the HTTP API handlers over httptest
// ABOUTME: Drives the core through the in-memory transport and checks JSON responses

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sbc-gateway/internal/config"
	"github.com/2389/sbc-gateway/internal/protocol"
	"github.com/2389/sbc-gateway/internal/store"
	"github.com/2389/sbc-gateway/internal/transport"
	"github.com/2389/sbc-gateway/internal/transport/transporttest"
)

type apiHarness struct {
	gw *Gateway
	ln *transporttest.Listener
	h  *coreHarness
}

// newAPIHarness builds a gateway whose core runs on the in-memory
// transport. ledgerPath enables the activity ledger when non-empty.
func newAPIHarness(t *testing.T, ledgerPath string) *apiHarness {
	t.Helper()
	t.Setenv("SBC_LEDGER_PATH", "")

	cfg := config.Default("127.0.0.1:0")
	cfg.Ledger.Path = ledgerPath

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ln := transporttest.NewListener()
	gw.startConsumers(context.Background())
	require.NoError(t, gw.core.Start(context.Background(), ln))
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	return &apiHarness{gw: gw, ln: ln, h: &coreHarness{core: gw.core, ln: ln}}
}

func (a *apiHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	a.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHandleHealth(t *testing.T) {
	a := newAPIHarness(t, "")
	rec := a.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHandleReady(t *testing.T) {
	a := newAPIHarness(t, "")

	rec := a.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (0 entities online)", rec.Body.String())

	require.NoError(t, a.gw.core.Stop())
	rec = a.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleListEntities(t *testing.T) {
	a := newAPIHarness(t, "")

	g1 := a.h.dial(t)
	send(g1, "IDENTIFY", map[string]any{"guid": "g1", "hostname": "edge-1"})
	send(g1, "SERVICE_ANNOUNCE", map[string]any{"guid": "s2", "name": "sip"})
	send(g1, "SERVICE_ANNOUNCE", map[string]any{"guid": "s1", "name": "rtp"})
	m1 := a.h.dial(t)
	send(m1, "MACHINE_INFO", map[string]any{"guid": "m1"})

	waitFor(t, a.h.online("m1"), "m1 should be bound")
	waitFor(t, func() bool {
		e, _ := a.gw.core.Lookup("g1")
		return len(e.Services) == 2
	}, "g1 should have two services")

	m1.Hangup()
	waitFor(t, a.h.offline("m1"), "m1 should go offline")

	rec := a.do(t, http.MethodGet, "/api/entities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decodeJSON[ListEntitiesResponse](t, rec)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Online)
	require.Len(t, resp.Entities, 2)

	g := resp.Entities[0]
	assert.Equal(t, "g1", g.ID)
	assert.Equal(t, "gateway", g.Kind)
	assert.True(t, g.Online)
	assert.Equal(t, "edge-1", g.Metadata["hostname"])
	require.Len(t, g.Services, 2)
	assert.Equal(t, "s1", g.Services[0].ID)
	assert.Equal(t, "rtp", g.Services[0].Name)
	assert.Empty(t, g.Devices)

	m := resp.Entities[1]
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "machine", m.Kind)
	assert.False(t, m.Online)

	t.Run("online filter", func(t *testing.T) {
		rec := a.do(t, http.MethodGet, "/api/entities?online=true", "")
		resp := decodeJSON[ListEntitiesResponse](t, rec)
		require.Len(t, resp.Entities, 1)
		assert.Equal(t, "g1", resp.Entities[0].ID)
		assert.Equal(t, 2, resp.Total)
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/entities", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestHandleGetEntity(t *testing.T) {
	a := newAPIHarness(t, "")
	conn := a.h.dial(t)
	send(conn, "IDENTIFY", map[string]any{"guid": "g1"})
	send(conn, "DEVICE_ANNOUNCE", map[string]any{"guid": "d1", "name": "phone"})
	waitFor(t, func() bool {
		e, _ := a.gw.core.Lookup("g1")
		return len(e.Devices) == 1
	}, "d1 should be nested under g1")

	rec := a.do(t, http.MethodGet, "/api/entities/g1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	e := decodeJSON[EntityResponse](t, rec)
	assert.Equal(t, "g1", e.ID)
	require.Len(t, e.Devices, 1)
	assert.Equal(t, "phone", e.Devices[0].Name)
	assert.NotEmpty(t, e.UpdatedAt)

	rec = a.do(t, http.MethodGet, "/api/entities/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "entity not found", decodeJSON[map[string]string](t, rec)["error"])

	rec = a.do(t, http.MethodGet, "/api/entities/g1/bogus", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/entities/", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSendToEntity(t *testing.T) {
	a := newAPIHarness(t, "")
	conn := a.h.dial(t)
	send(conn, "IDENTIFY", map[string]any{"guid": "g1"})
	waitFor(t, a.h.online("g1"), "g1 should be bound")

	t.Run("delivers", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/entities/g1/send", `{"cmd":"REBOOT","data":{"delay":5}}`)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		body := decodeJSON[map[string]string](t, rec)
		assert.Equal(t, "REBOOT", body["cmd"])

		sent := conn.Sent()
		require.NotEmpty(t, sent)
		assert.JSONEq(t, `{"cmd":"REBOOT","data":{"delay":5}}`, string(sent[len(sent)-1].Data))
	})

	t.Run("numeric command", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/entities/g1/send", `{"cmd":3}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "DEVICE_LIST", decodeJSON[map[string]string](t, rec)["cmd"])
	})

	t.Run("unknown entity", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/entities/ghost/send", `{"cmd":"PING"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "entity offline", decodeJSON[map[string]string](t, rec)["error"])
	})

	t.Run("malformed body", func(t *testing.T) {
		for _, body := range []string{`not json`, `{"data":{}}`, `{"cmd":""}`, `[1,2]`} {
			rec := a.do(t, http.MethodPost, "/api/entities/g1/send", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := a.do(t, http.MethodGet, "/api/entities/g1/send", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("offline after hangup", func(t *testing.T) {
		conn.Hangup()
		waitFor(t, a.h.offline("g1"), "g1 should go offline")
		rec := a.do(t, http.MethodPost, "/api/entities/g1/send", `{"cmd":"PING"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestHandleSendToEntity_CBORPeerKeepsIntegers(t *testing.T) {
	a := newAPIHarness(t, "")
	conn := a.h.dial(t)
	cborCodec := protocol.CodecFor(protocol.FormatCBOR)

	raw, err := cborCodec.Encode(protocol.Envelope{Command: protocol.CmdIdentify, Data: map[string]any{"guid": "g1"}})
	require.NoError(t, err)
	conn.Inject(transport.Frame{Binary: true, Data: raw})
	waitFor(t, a.h.online("g1"), "g1 should be bound")

	rec := a.do(t, http.MethodPost, "/api/entities/g1/send", `{"cmd":"SET","data":{"level":3,"gain":0.5}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	sent := conn.Sent()
	require.NotEmpty(t, sent)
	last := sent[len(sent)-1]
	require.True(t, last.Binary)

	env, err := cborCodec.Decode(last.Data)
	require.NoError(t, err)
	data := env.Data.(map[string]any)
	assert.IsType(t, uint64(0), data["level"])
	assert.Equal(t, uint64(3), data["level"])
	assert.Equal(t, 0.5, data["gain"])
}

func TestHandleEntityRoutes_EscapedID(t *testing.T) {
	a := newAPIHarness(t, "")
	conn := a.h.dial(t)
	const id = "site/a b?x%"
	send(conn, "IDENTIFY", map[string]any{"guid": id})
	waitFor(t, a.h.online(id), "entity should be bound")

	rec := a.do(t, http.MethodGet, "/api/entities/"+url.PathEscape(id), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, id, decodeJSON[EntityResponse](t, rec).ID)

	rec = a.do(t, http.MethodPost, "/api/entities/"+url.PathEscape(id)+"/send", `{"cmd":"PING"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, id, decodeJSON[map[string]string](t, rec)["entity_id"])
}

func TestHandleSendToEntity_DeliveryFailure(t *testing.T) {
	a := newAPIHarness(t, "")
	conn := a.h.dial(t)
	send(conn, "IDENTIFY", map[string]any{"guid": "g1"})
	waitFor(t, a.h.online("g1"), "g1 should be bound")

	conn.FailSends(assert.AnError)
	rec := a.do(t, http.MethodPost, "/api/entities/g1/send", `{"cmd":"PING"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleEntityActivity(t *testing.T) {
	t.Run("ledger disabled", func(t *testing.T) {
		a := newAPIHarness(t, "")
		rec := a.do(t, http.MethodGet, "/api/entities/g1/activity", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "activity ledger disabled", decodeJSON[map[string]string](t, rec)["error"])
	})

	a := newAPIHarness(t, ":memory:")
	conn := a.h.dial(t)
	send(conn, "IDENTIFY", map[string]any{"guid": "g1"})
	send(conn, "DEVICE_LIST", map[string]any{"devices": []any{map[string]any{"guid": "d1"}}})
	send(conn, "DEVICE_STATE", map[string]any{"guid": "d1", "state": "ringing"})

	waitFor(t, func() bool {
		rows, err := a.gw.store.ListActivity(context.Background(), store.ListActivityParams{EntityID: "g1"})
		return err == nil && len(rows) == 3
	}, "three activity rows for g1")

	rec := a.do(t, http.MethodGet, "/api/entities/g1/activity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[ListActivityResponse](t, rec)
	assert.Equal(t, "g1", resp.EntityID)
	require.Len(t, resp.Activity, 3)
	kinds := make([]string, len(resp.Activity))
	for i, row := range resp.Activity {
		kinds[i] = row.Kind
	}
	assert.ElementsMatch(t, []string{"identity", "device_list", "device_state"}, kinds)

	t.Run("limit", func(t *testing.T) {
		rec := a.do(t, http.MethodGet, "/api/entities/g1/activity?limit=1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decodeJSON[ListActivityResponse](t, rec).Activity, 1)
	})

	t.Run("kind filter", func(t *testing.T) {
		rec := a.do(t, http.MethodGet, "/api/entities/g1/activity?kind=device_state", "")
		resp := decodeJSON[ListActivityResponse](t, rec)
		require.Len(t, resp.Activity, 1)
		assert.JSONEq(t, `{"guid":"d1","state":"ringing"}`, string(resp.Activity[0].Payload))
	})

	t.Run("bad limit", func(t *testing.T) {
		for _, q := range []string{"0", "-3", "ten"} {
			rec := a.do(t, http.MethodGet, "/api/entities/g1/activity?limit="+q, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
	})

	t.Run("unknown entity is empty", func(t *testing.T) {
		rec := a.do(t, http.MethodGet, "/api/entities/nope/activity", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decodeJSON[ListActivityResponse](t, rec).Activity)
	})
}
