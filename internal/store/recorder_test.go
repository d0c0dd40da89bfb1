// ABOUTME: Tests for the notification-to-ledger recorder
// ABOUTME: Uses MockStore and hand-built notifications

package store

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sbc-gateway/internal/notify"
	"github.com/2389/sbc-gateway/internal/protocol"
	"github.com/2389/sbc-gateway/internal/registry"
)

func origin(entityID string) notify.Origin {
	return notify.Origin{
		Session: notify.SessionRef{ID: "sess-1", RemoteAddr: "10.1.1.1:5000", EntityID: entityID},
		At:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestNewActivity(t *testing.T) {
	t.Run("identity", func(t *testing.T) {
		a, err := NewActivity(notify.Identity{
			Origin: origin("g1"),
			Entity: registry.Entity{ID: "g1", Kind: registry.KindGateway, Metadata: map[string]any{"hostname": "h"}},
		})
		require.NoError(t, err)

		assert.NotEmpty(t, a.ID)
		assert.Equal(t, "identity", a.Kind)
		assert.Equal(t, "sess-1", a.SessionID)
		assert.Equal(t, "g1", a.EntityID)
		assert.Equal(t, "10.1.1.1:5000", a.RemoteAddr)
		assert.Equal(t, origin("").At, a.CreatedAt)
		assert.JSONEq(t, `{"guid":"g1","kind":"gateway","metadata":{"hostname":"h"}}`, string(a.Payload))
	})

	t.Run("connected has no payload", func(t *testing.T) {
		a, err := NewActivity(notify.Connected{Origin: origin("")})
		require.NoError(t, err)
		assert.Nil(t, a.Payload)
		assert.Empty(t, a.EntityID)
	})

	t.Run("unencodable payload", func(t *testing.T) {
		_, err := NewActivity(notify.DeviceState{
			Origin: origin("g1"),
			State:  protocol.DeviceState{GUID: "d1", Raw: map[string]any{"v": math.Inf(1)}},
		})
		assert.Error(t, err)
	})

	t.Run("unique ids", func(t *testing.T) {
		a, _ := NewActivity(notify.Connected{Origin: origin("")})
		b, _ := NewActivity(notify.Connected{Origin: origin("")})
		assert.NotEqual(t, a.ID, b.ID)
	})
}

func TestRecorderRun(t *testing.T) {
	ms := NewMockStore()
	rec := NewRecorder(ms, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ch := make(chan notify.Notification, 8)
	ch <- notify.Connected{Origin: origin("")}
	ch <- notify.ServiceAnnounced{
		Origin:  origin("g1"),
		Service: protocol.ChildInfo{GUID: "s1", Name: "sip", Metadata: map[string]any{"guid": "s1", "name": "sip"}},
	}
	// Skipped: payload cannot be encoded.
	ch <- notify.DeviceState{
		Origin: origin("g1"),
		State:  protocol.DeviceState{GUID: "d1", Raw: map[string]any{"v": math.NaN()}},
	}
	ch <- notify.Disconnected{Origin: origin("g1"), Reason: "EOF"}
	close(ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // recording continues after cancellation until the channel closes
	rec.Run(ctx, ch)

	got, err := ms.ListActivity(context.Background(), ListActivityParams{})
	require.NoError(t, err)
	require.Len(t, got, 3)

	kinds := map[string]json.RawMessage{}
	for _, a := range got {
		kinds[a.Kind] = a.Payload
	}
	assert.Contains(t, kinds, "connected")
	assert.JSONEq(t, `{"guid":"s1","name":"sip"}`, string(kinds["service_announced"]))
	assert.JSONEq(t, `{"reason":"EOF"}`, string(kinds["disconnected"]))
}

func TestRecorderWithHub(t *testing.T) {
	s := newTestStore(t)
	rec := NewRecorder(s, nil)
	hub := notify.NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx := context.Background()
	ch, _ := hub.Subscribe(ctx)
	done := make(chan struct{})
	go func() {
		rec.Run(ctx, ch)
		close(done)
	}()

	hub.Publish(notify.Identity{Origin: origin("g1"), Entity: registry.Entity{ID: "g1", Kind: registry.KindMachine}})
	hub.Publish(notify.DeviceList{Origin: origin("g1"), List: protocol.DeviceList{Devices: []any{map[string]any{"guid": "d1"}}}})
	hub.Close()
	<-done

	got, err := s.ListActivity(ctx, ListActivityParams{EntityID: "g1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, a := range got {
		if a.Kind == "device_list" {
			assert.JSONEq(t, `{"devices":[{"guid":"d1"}]}`, string(a.Payload))
		}
	}
}
