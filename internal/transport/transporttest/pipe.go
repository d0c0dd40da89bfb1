// ABOUTME: In-memory transport used by session and gateway tests
// ABOUTME: A Listener hands out Conns whose peer side is driven by the test

package transporttest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/2389/sbc-gateway/internal/transport"
)

// Conn is the gateway side of an in-memory connection. Tests drive the
// remote side through Inject, Hangup and Sent.
type Conn struct {
	remote  string
	inbound chan transport.Frame
	closed  chan struct{}
	once    sync.Once
	hangup  sync.Once

	mu      sync.Mutex
	sent    []transport.Frame
	sendErr error
}

var connSeq atomic.Int64

// NewConn creates an unconnected in-memory Conn.
func NewConn() *Conn {
	return &Conn{
		remote:  fmt.Sprintf("mem-%d", connSeq.Add(1)),
		inbound: make(chan transport.Frame, 64),
		closed:  make(chan struct{}),
	}
}

// Receive returns the next injected frame, or io.EOF once the peer hung up
// or the conn was closed.
func (c *Conn) Receive(ctx context.Context) (transport.Frame, error) {
	select {
	case f, ok := <-c.inbound:
		if !ok {
			return transport.Frame{}, io.EOF
		}
		return f, nil
	case <-c.closed:
		return transport.Frame{}, io.EOF
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

// Send records the frame.
func (c *Conn) Send(_ context.Context, f transport.Frame) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, f)
	return nil
}

// Close marks the conn closed. Safe to call repeatedly.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// RemoteAddr returns a synthetic unique address.
func (c *Conn) RemoteAddr() string { return c.remote }

// Inject queues a frame as if the peer sent it.
func (c *Conn) Inject(f transport.Frame) {
	c.inbound <- f
}

// InjectText queues a text frame.
func (c *Conn) InjectText(s string) {
	c.Inject(transport.Frame{Data: []byte(s)})
}

// Hangup simulates the peer closing: Receive returns io.EOF after the
// already-injected frames are drained.
func (c *Conn) Hangup() {
	c.hangup.Do(func() { close(c.inbound) })
}

// FailSends makes every later Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of the frames sent so far.
func (c *Conn) Sent() []transport.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Listener hands out conns passed to Dial.
type Listener struct {
	conns  chan *Conn
	closed chan struct{}
	once   sync.Once
}

// NewListener creates an in-memory listener.
func NewListener() *Listener {
	return &Listener{
		conns:  make(chan *Conn),
		closed: make(chan struct{}),
	}
}

// Dial creates a conn and blocks until the gateway accepts it.
func (l *Listener) Dial(ctx context.Context) (*Conn, error) {
	c := NewConn()
	select {
	case l.conns <- c:
		return c, nil
	case <-l.closed:
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
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

// Close implements transport.Listener.
func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// Addr implements transport.Listener.
func (l *Listener) Addr() string { return "mem" }
