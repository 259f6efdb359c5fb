// Package transport provides the datagram-oriented connections the relay
// carries Bedrock batches over.
package transport

import (
	"context"
	"fmt"
	"net"
)

// Type identifies the transport protocol.
type Type string

const (
	TypeRakNet Type = "raknet"
	TypeQUIC   Type = "quic"
	TypeMemory Type = "memory"
)

// Transport creates and accepts connections.
type Transport interface {
	// Dial connects to a remote server. Cancelling ctx aborts the dial.
	Dial(ctx context.Context, addr string) (Conn, error)

	// Listen creates a listener for incoming clients.
	Listen(addr string) (Listener, error)

	// Type returns the transport type identifier.
	Type() Type
}

// Listener accepts incoming connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept() (Conn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// SetStatus sets the payload returned to unconnected discovery pings.
	SetStatus(data []byte)

	// Close stops the listener.
	Close() error
}

// Conn is a message-oriented connection. Each ReadPacket returns exactly
// one message as written by the peer's Write.
type Conn interface {
	ReadPacket() ([]byte, error)
	Write(b []byte) (int, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Pinger is implemented by transports that support unconnected status
// probes.
type Pinger interface {
	Ping(ctx context.Context, addr string) ([]byte, error)
}

// New returns the network transport registered under t.
func New(t Type) (Transport, error) {
	switch t {
	case TypeRakNet, "":
		return NewRakNetTransport(), nil
	case TypeQUIC:
		return NewQUICTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", t)
	}
}
