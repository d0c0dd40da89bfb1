// ABOUTME: Tests for the WebSocket transport over a real httptest server
// ABOUTME: Covers frame types, close propagation, origin checks, and ping keepalive

package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sbc-gateway/internal/transport"
)

func testOptions() Options {
	return Options{
		ReadLimit:    1 << 16,
		WriteTimeout: time.Second,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func startServer(t *testing.T, opts Options) (*Listener, string) {
	t.Helper()
	l := NewListener("test", opts)
	srv := httptest.NewServer(l)
	t.Cleanup(func() {
		_ = l.Close()
		srv.Close()
	})
	return l, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func accept(t *testing.T, l *Listener) transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := l.Accept(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func dial(t *testing.T, url string, opts Options) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func receive(t *testing.T, c transport.Conn) transport.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := c.Receive(ctx)
	require.NoError(t, err)
	return f
}

func TestRoundTripFrames(t *testing.T) {
	l, url := startServer(t, testOptions())

	client := dial(t, url, testOptions())
	server := accept(t, l)
	ctx := context.Background()

	require.NoError(t, client.Send(ctx, transport.Frame{Data: []byte(`{"cmd":"IDENTIFY"}`)}))
	f := receive(t, server)
	assert.False(t, f.Binary)
	assert.Equal(t, `{"cmd":"IDENTIFY"}`, string(f.Data))

	require.NoError(t, client.Send(ctx, transport.Frame{Binary: true, Data: []byte{0xa1, 0x01, 0x02}}))
	f = receive(t, server)
	assert.True(t, f.Binary)
	assert.Equal(t, []byte{0xa1, 0x01, 0x02}, f.Data)

	require.NoError(t, server.Send(ctx, transport.Frame{Data: []byte("pong")}))
	f = receive(t, client)
	assert.Equal(t, "pong", string(f.Data))

	assert.NotEmpty(t, server.RemoteAddr())
}

func TestPeerCloseEndsReceive(t *testing.T) {
	l, url := startServer(t, testOptions())

	client := dial(t, url, testOptions())
	server := accept(t, l)

	require.NoError(t, client.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := server.Receive(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalCloseEndsReceiveAndSend(t *testing.T) {
	l, url := startServer(t, testOptions())

	_ = dial(t, url, testOptions())
	server := accept(t, l)

	require.NoError(t, server.Close())
	require.NoError(t, server.Close(), "close is idempotent")

	_, err := server.Receive(context.Background())
	assert.ErrorIs(t, err, ErrConnClosed)
	err = server.Send(context.Background(), transport.Frame{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestReceiveHonoursContext(t *testing.T) {
	l, url := startServer(t, testOptions())

	_ = dial(t, url, testOptions())
	server := accept(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := server.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadLimit(t *testing.T) {
	opts := testOptions()
	opts.ReadLimit = 16
	l, url := startServer(t, opts)

	client := dial(t, url, testOptions())
	server := accept(t, l)

	require.NoError(t, client.Send(context.Background(), transport.Frame{Data: []byte(strings.Repeat("x", 64))}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := server.Receive(ctx)
	assert.ErrorIs(t, err, websocket.ErrReadLimit)
}

func TestOriginCheck(t *testing.T) {
	opts := testOptions()
	opts.AllowedOrigins = []string{"https://ops.example.com"}
	_, url := startServer(t, opts)

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	header.Set("Origin", "https://ops.example.com")
	c, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = c.Close()
}

func TestClosedListener(t *testing.T) {
	l, url := startServer(t, testOptions())
	require.NoError(t, l.Close())

	_, err := l.Accept(context.Background())
	assert.ErrorIs(t, err, transport.ErrListenerClosed)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestKeepalive(t *testing.T) {
	opts := testOptions()
	opts.PingInterval = 50 * time.Millisecond

	t.Run("responsive peer stays connected", func(t *testing.T) {
		l, url := startServer(t, opts)
		client := dial(t, url, testOptions())
		server := accept(t, l)

		// Idle for several intervals; the client's reader answers pings.
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		_, err := server.Receive(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		require.NoError(t, client.Send(context.Background(), transport.Frame{Data: []byte("still here")}))
		f := receive(t, server)
		assert.Equal(t, "still here", string(f.Data))
	})

	t.Run("silent peer times out", func(t *testing.T) {
		l, url := startServer(t, opts)

		// A raw client that never reads never answers pings.
		raw, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
		defer raw.Close()

		server := accept(t, l)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err = server.Receive(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, context.DeadlineExceeded)
	})
}
