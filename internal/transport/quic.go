package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/bedrock-relay/internal/relayerr"
)

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout  = 30 * time.Second
	DefaultKeepAlivePeriod = 10 * time.Second

	// MaxQUICMessageSize bounds a single framed batch.
	MaxQUICMessageSize = 8 * 1024 * 1024

	certValidity = 365 * 24 * time.Hour
)

var errMessageTooLarge = errors.New("quic message exceeds maximum size")

// QUICTransport implements Transport over QUIC. It is used to chain relays:
// a downstream relay listens on QUIC and an upstream relay dials it. Each
// connection carries one bidirectional stream of length-prefixed batches.
type QUICTransport struct{}

// NewQUICTransport creates a new QUIC transport.
func NewQUICTransport() *QUICTransport {
	return &QUICTransport{}
}

// Type returns the transport type.
func (t *QUICTransport) Type() Type {
	return TypeQUIC
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// Dial connects to a remote relay using QUIC.
func (t *QUICTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, clientTLSConfig(), quicConfig())
	if err != nil {
		if ctx.Err() != nil {
			return nil, relayerr.Timeout("quic dial", ctx.Err())
		}
		return nil, relayerr.Transport("quic dial", err)
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "stream open failed")
		return nil, relayerr.Transport("quic open stream", err)
	}
	c := newQUICConn(qc)
	c.stream = stream
	close(c.ready)
	return c, nil
}

// Listen creates a QUIC listener with a freshly generated certificate.
func (t *QUICTransport) Listen(addr string) (Listener, error) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("bedrock-relay", certValidity)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, relayerr.Transport("quic listen", fmt.Errorf("QUIC listen failed: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &quicListener{listener: listener, ctx: ctx, cancel: cancel}, nil
}

type quicListener struct {
	listener *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Accept waits for the next QUIC connection. The stream is accepted lazily
// on first read so a slow peer cannot stall the accept loop.
func (l *quicListener) Accept() (Conn, error) {
	qc, err := l.listener.Accept(l.ctx)
	if err != nil {
		return nil, err
	}
	c := newQUICConn(qc)
	go c.acceptStream(l.ctx)
	return c, nil
}

func (l *quicListener) Addr() net.Addr {
	return l.listener.Addr()
}

// SetStatus is a no-op: QUIC hops have no discovery protocol.
func (l *quicListener) SetStatus([]byte) {}

func (l *quicListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.cancel()
	return l.listener.Close()
}

type quicConn struct {
	conn quic.Connection

	ready     chan struct{}
	stream    quic.Stream
	streamErr error

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newQUICConn(qc quic.Connection) *quicConn {
	return &quicConn{conn: qc, ready: make(chan struct{})}
}

func (c *quicConn) acceptStream(ctx context.Context) {
	defer close(c.ready)
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		c.streamErr = err
		return
	}
	c.stream = stream
}

func (c *quicConn) waitStream() (quic.Stream, error) {
	<-c.ready
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	return c.stream, nil
}

func (c *quicConn) ReadPacket() ([]byte, error) {
	stream, err := c.waitStream()
	if err != nil {
		return nil, err
	}
	var hdr [4]byte
	if _, err := io.ReadFull(stream, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxQUICMessageSize {
		return nil, errMessageTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *quicConn) Write(b []byte) (int, error) {
	if len(b) > MaxQUICMessageSize {
		return 0, errMessageTooLarge
	}
	stream, err := c.waitStream()
	if err != nil {
		return 0, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	frame := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(frame, uint32(len(b)))
	copy(frame[4:], b)
	if _, err := stream.Write(frame); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *quicConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.CloseWithError(0, "connection closed")
	})
	return err
}

func (c *quicConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
