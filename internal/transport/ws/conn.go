// ABOUTME: gorilla/websocket connection adapted to the transport.Conn contract
// ABOUTME: One reader goroutine feeds Receive; writes are serialized; pings keep the peer honest

package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/sbc-gateway/internal/transport"
)

// ErrConnClosed is returned by Send and Receive after Close.
var ErrConnClosed = errors.New("websocket connection closed")

type readResult struct {
	frame transport.Frame
	err   error
}

// Conn wraps a websocket connection. Receive and Send may be called from
// different goroutines.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	pingInterval time.Duration

	writeMu sync.Mutex

	reads     chan readResult
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(c *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	conn := &Conn{
		ws:           c,
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		reads:        make(chan readResult),
		done:         make(chan struct{}),
	}

	if opts.ReadLimit > 0 {
		c.SetReadLimit(opts.ReadLimit)
	}
	if conn.pingInterval > 0 {
		// Two missed intervals without any pong or frame fails the read.
		_ = c.SetReadDeadline(time.Now().Add(2 * conn.pingInterval))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(2 * conn.pingInterval))
		})
		go conn.pingLoop()
	}

	go conn.readLoop()
	return conn
}

func (c *Conn) readLoop() {
	for {
		typ, data, err := c.ws.ReadMessage()
		var res readResult
		if err != nil {
			res.err = err
		} else {
			if c.pingInterval > 0 {
				_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
			}
			res.frame = transport.Frame{Binary: typ == websocket.BinaryMessage, Data: data}
		}

		select {
		case c.reads <- res:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Receive implements transport.Conn. Close frames, read deadline expiry
// and network errors all surface as an error, which ends the session.
func (c *Conn) Receive(ctx context.Context) (transport.Frame, error) {
	select {
	case res := <-c.reads:
		if res.err != nil {
			return transport.Frame{}, fmt.Errorf("websocket read: %w", res.err)
		}
		return res.frame, nil
	case <-c.done:
		return transport.Frame{}, ErrConnClosed
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

// Send implements transport.Conn. The write deadline is the earlier of the
// configured write timeout and ctx's deadline.
func (c *Conn) Send(ctx context.Context, f transport.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	typ := websocket.TextMessage
	if f.Binary {
		typ = websocket.BinaryMessage
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	if err := c.ws.WriteMessage(typ, f.Data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the socket. Safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Dial connects to a gateway WebSocket endpoint and returns the client side
// as a transport.Conn.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	c, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return newConn(c, opts), nil
}
