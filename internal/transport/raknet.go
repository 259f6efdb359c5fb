package transport

import (
	"context"
	"net"
	"strings"

	"github.com/sandertv/go-raknet"

	"github.com/postalsys/bedrock-relay/internal/relayerr"
)

// RakNetTransport implements Transport over RakNet, the reliable UDP layer
// Bedrock clients and servers speak.
type RakNetTransport struct{}

// NewRakNetTransport creates a new RakNet transport.
func NewRakNetTransport() *RakNetTransport {
	return &RakNetTransport{}
}

// Type returns the transport type.
func (t *RakNetTransport) Type() Type {
	return TypeRakNet
}

// Dial connects to a RakNet server.
func (t *RakNetTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	conn, err := raknet.DialContext(ctx, addr)
	if err != nil {
		return nil, classifyDialError(ctx, err)
	}
	return conn, nil
}

// Listen binds a RakNet listener.
func (t *RakNetTransport) Listen(addr string) (Listener, error) {
	l, err := raknet.Listen(addr)
	if err != nil {
		return nil, relayerr.Transport("raknet listen", err)
	}
	return &rakNetListener{listener: l}, nil
}

// Ping sends an unconnected ping and returns the server's status payload.
func (t *RakNetTransport) Ping(ctx context.Context, addr string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := raknet.Ping(addr)
		ch <- result{data, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, relayerr.Transport("raknet ping", r.err)
		}
		return r.data, nil
	case <-ctx.Done():
		return nil, relayerr.Timeout("raknet ping", ctx.Err())
	}
}

func classifyDialError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return relayerr.Timeout("raknet dial", ctxErr)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "incompatible") || strings.Contains(msg, "protocol version") {
		return relayerr.Protocol("raknet dial", err)
	}
	return relayerr.Transport("raknet dial", err)
}

type rakNetListener struct {
	listener *raknet.Listener
}

func (l *rakNetListener) Accept() (Conn, error) {
	c, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	return c.(*raknet.Conn), nil
}

func (l *rakNetListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *rakNetListener) SetStatus(data []byte) {
	l.listener.PongData(data)
}

func (l *rakNetListener) Close() error {
	return l.listener.Close()
}
