// ABOUTME: Interfaces the gateway core requires from a socket transport.
// ABOUTME: A Listener yields Conns; a Conn receives and sends whole frames.

package transport

import (
	"context"
	"errors"
)

// ErrListenerClosed is returned by Accept after the listener is closed.
var ErrListenerClosed = errors.New("listener closed")

// Frame is one message as delimited by the transport. Binary frames carry
// CBOR, text frames JSON.
type Frame struct {
	Binary bool
	Data   []byte
}

// Conn is one accepted connection.
//
// Receive blocks for the next inbound frame. Any error it returns is the
// close signal: the connection is finished and must not be read again.
// Send may be called concurrently with Receive and with other Sends.
type Conn interface {
	Receive(ctx context.Context) (Frame, error)
	Send(ctx context.Context, f Frame) error
	Close() error
	RemoteAddr() string
}

// Listener produces accepted connections.
type Listener interface {
	// Accept blocks until a connection arrives, ctx is done, or the listener
	// is closed (ErrListenerClosed).
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() string
}
