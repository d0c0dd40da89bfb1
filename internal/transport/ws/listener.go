// ABOUTME: HTTP handler that upgrades requests to WebSocket and queues them for Accept
// ABOUTME: Implements transport.Listener so the gateway core can run on a plain http.Server

package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/sbc-gateway/internal/transport"
)

// Options configures connections on either side.
type Options struct {
	// ReadLimit is the largest accepted inbound message in bytes.
	ReadLimit int64
	// WriteTimeout bounds every write and ping.
	WriteTimeout time.Duration
	// PingInterval enables keepalive pings when positive.
	PingInterval time.Duration
	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Listener is both an http.Handler and a transport.Listener. Mount it on a
// mux; upgraded connections are handed to Accept.
type Listener struct {
	addr     string
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger

	conns  chan *Conn
	closed chan struct{}
	once   sync.Once
}

// NewListener creates a listener reporting addr from Addr.
func NewListener(addr string, opts Options) *Listener {
	opts = opts.withDefaults()
	return &Listener{
		addr:     addr,
		opts:     opts,
		upgrader: makeUpgrader(opts.AllowedOrigins),
		logger:   opts.Logger.With("component", "ws"),
		conns:    make(chan *Conn),
		closed:   make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and blocks until the connection is
// accepted or the listener closes.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.closed:
		http.Error(w, "gateway shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	wsConn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		l.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(wsConn, l.opts)
	select {
	case l.conns <- conn:
		l.logger.Debug("websocket accepted", "remote_addr", conn.RemoteAddr())
	case <-l.closed:
		_ = conn.Close()
	case <-r.Context().Done():
		_ = conn.Close()
	}
}

// Accept implements transport.Listener.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops handing out connections. Already accepted connections stay open.
func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// Addr implements transport.Listener.
func (l *Listener) Addr() string { return l.addr }
