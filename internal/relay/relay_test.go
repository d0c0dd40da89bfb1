// ABOUTME: Tests for the NATS relay using a recording publisher
// ABOUTME: Checks subjects, message bodies, and failure handling without a broker

package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sbc-gateway/internal/notify"
	"github.com/2389/sbc-gateway/internal/protocol"
	"github.com/2389/sbc-gateway/internal/registry"
)

type published struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func origin(entityID string) notify.Origin {
	return notify.Origin{
		Session: notify.SessionRef{ID: "sess-1", RemoteAddr: "192.0.2.10:4000", EntityID: entityID},
		At:      time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "sbc.identity", New(nil, "sbc", nil).Subject(notify.KindIdentity))
	assert.Equal(t, "edge.site1.device_state", New(nil, "edge.site1", nil).Subject(notify.KindDeviceState))
	assert.Equal(t, "connected", New(nil, "", nil).Subject(notify.KindConnected))
}

func TestForward(t *testing.T) {
	pub := &recordingPublisher{}
	r := New(pub, "sbc", testLogger())

	err := r.Forward(notify.Identity{
		Origin: origin("g1"),
		Entity: registry.Entity{ID: "g1", Kind: registry.KindGateway, Metadata: map[string]any{"hostname": "h"}},
	})
	require.NoError(t, err)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "sbc.identity", pub.msgs[0].subject)

	var body map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &body))
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, "identity", body["kind"])
	assert.Equal(t, "sess-1", body["session_id"])
	assert.Equal(t, "g1", body["entity_id"])
	assert.Equal(t, "192.0.2.10:4000", body["remote_addr"])
	assert.Equal(t, "2026-05-06T07:08:09Z", body["time"])
	assert.Equal(t, map[string]any{
		"guid":     "g1",
		"kind":     "gateway",
		"metadata": map[string]any{"hostname": "h"},
	}, body["data"])
}

func TestForward_NoPayload(t *testing.T) {
	pub := &recordingPublisher{}
	r := New(pub, "sbc", testLogger())

	require.NoError(t, r.Forward(notify.Connected{Origin: origin("")}))

	var body map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &body))
	assert.NotContains(t, body, "data")
	assert.NotContains(t, body, "entity_id")
}

func TestForward_Errors(t *testing.T) {
	t.Run("publish failure", func(t *testing.T) {
		pub := &recordingPublisher{err: errors.New("nats: connection closed")}
		r := New(pub, "sbc", testLogger())
		err := r.Forward(notify.Connected{Origin: origin("")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sbc.connected")
	})

	t.Run("unencodable payload", func(t *testing.T) {
		pub := &recordingPublisher{}
		r := New(pub, "sbc", testLogger())
		err := r.Forward(notify.DeviceState{
			Origin: origin("g1"),
			State:  protocol.DeviceState{GUID: "d1", Raw: map[string]any{"v": math.Inf(-1)}},
		})
		assert.Error(t, err)
		assert.Empty(t, pub.msgs)
	})
}

func TestRun(t *testing.T) {
	pub := &recordingPublisher{}
	r := New(pub, "sbc", testLogger())

	hub := notify.NewHub(testLogger())
	ch, _ := hub.Subscribe(t.Context())
	done := make(chan struct{})
	go func() {
		r.Run(t.Context(), ch)
		close(done)
	}()

	hub.Publish(notify.Connected{Origin: origin("")})
	hub.Publish(notify.DeviceList{Origin: origin("g1"), List: protocol.DeviceList{Devices: []any{map[string]any{"guid": "d1"}}}})
	hub.Publish(notify.Disconnected{Origin: origin("g1"), Reason: "EOF"})
	hub.Close()
	<-done

	subjects := make([]string, len(pub.msgs))
	for i, m := range pub.msgs {
		subjects[i] = m.subject
	}
	assert.Equal(t, []string{"sbc.connected", "sbc.device_list", "sbc.disconnected"}, subjects)
}

func TestClose_Borrowed(t *testing.T) {
	r := New(&recordingPublisher{}, "sbc", testLogger())
	assert.NoError(t, r.Close())
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "sbc", testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to NATS")
}
