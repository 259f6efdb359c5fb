package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/bedrock-relay/internal/relayerr"
)

var (
	// ErrClosed is returned by operations on a closed in-memory connection or listener.
	ErrClosed = errors.New("transport closed")

	// ErrConnectionRefused is returned when dialing an address with no listener.
	ErrConnectionRefused = errors.New("connection refused")
)

const memoryQueueSize = 256

type memoryAddr string

func (a memoryAddr) Network() string { return "memory" }
func (a memoryAddr) String() string  { return string(a) }

// MemoryTransport is an in-process Transport. Listeners register under
// their address; Dial connects a pipe to the matching listener.
type MemoryTransport struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
	nextPort  atomic.Uint32
	dials     atomic.Int64
	dialsTo   map[string]int64

	// DialHook, when set, is called before each dial and may fail it.
	DialHook func(ctx context.Context, addr string) error
}

// NewMemoryTransport creates an empty in-memory network.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		listeners: make(map[string]*memoryListener),
		dialsTo:   make(map[string]int64),
	}
}

// Type returns the transport type.
func (t *MemoryTransport) Type() Type {
	return TypeMemory
}

// Dials returns how many times Dial has been called.
func (t *MemoryTransport) Dials() int64 {
	return t.dials.Load()
}

// DialsTo returns how many times Dial has been called for addr.
func (t *MemoryTransport) DialsTo(addr string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialsTo[addr]
}

// Dial connects to the listener registered under addr.
func (t *MemoryTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	t.dials.Add(1)
	t.mu.Lock()
	t.dialsTo[addr]++
	t.mu.Unlock()
	if t.DialHook != nil {
		if err := t.DialHook(ctx, addr); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, relayerr.Timeout("memory dial", err)
	}

	t.mu.Lock()
	l, ok := t.listeners[addr]
	t.mu.Unlock()
	if !ok {
		return nil, relayerr.Transport("memory dial", fmt.Errorf("%w: %s", ErrConnectionRefused, addr))
	}

	local := memoryAddr(fmt.Sprintf("client-%d", t.nextPort.Add(1)))
	client, server := Pipe(local, memoryAddr(addr))
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		return nil, relayerr.Transport("memory dial", fmt.Errorf("%w: %s", ErrConnectionRefused, addr))
	case <-ctx.Done():
		return nil, relayerr.Timeout("memory dial", ctx.Err())
	}
}

// Listen registers a listener under addr.
func (t *MemoryTransport) Listen(addr string) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.listeners[addr]; exists {
		return nil, relayerr.Transport("memory listen", fmt.Errorf("address %s already in use", addr))
	}
	l := &memoryListener{
		transport: t,
		addr:      memoryAddr(addr),
		conns:     make(chan *MemoryConn),
		done:      make(chan struct{}),
	}
	t.listeners[addr] = l
	return l, nil
}

// Ping returns the status payload of the listener registered under addr.
func (t *MemoryTransport) Ping(ctx context.Context, addr string) ([]byte, error) {
	t.mu.Lock()
	l, ok := t.listeners[addr]
	t.mu.Unlock()
	if !ok {
		return nil, relayerr.Transport("memory ping", fmt.Errorf("%w: %s", ErrConnectionRefused, addr))
	}
	return l.Status(), nil
}

type memoryListener struct {
	transport *MemoryTransport
	addr      memoryAddr
	conns     chan *MemoryConn
	done      chan struct{}
	closeOnce sync.Once

	statusMu sync.Mutex
	status   []byte
}

func (l *memoryListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

func (l *memoryListener) Addr() net.Addr { return l.addr }

func (l *memoryListener) SetStatus(data []byte) {
	l.statusMu.Lock()
	l.status = append([]byte(nil), data...)
	l.statusMu.Unlock()
}

func (l *memoryListener) Status() []byte {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	return append([]byte(nil), l.status...)
}

func (l *memoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.transport.mu.Lock()
		delete(l.transport.listeners, string(l.addr))
		l.transport.mu.Unlock()
	})
	return nil
}

// MemoryConn is one end of an in-memory message pipe.
type MemoryConn struct {
	local, remote net.Addr
	in            chan []byte
	peer          *MemoryConn
	done          chan struct{}
	closeOnce     sync.Once
}

// Pipe returns two connected in-memory connections.
func Pipe(a, b net.Addr) (*MemoryConn, *MemoryConn) {
	ca := &MemoryConn{local: a, remote: b, in: make(chan []byte, memoryQueueSize), done: make(chan struct{})}
	cb := &MemoryConn{local: b, remote: a, in: make(chan []byte, memoryQueueSize), done: make(chan struct{})}
	ca.peer, cb.peer = cb, ca
	return ca, cb
}

// ReadPacket returns the next message. Messages already queued are
// delivered before a close is reported.
func (c *MemoryConn) ReadPacket() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	default:
	}
	select {
	case b := <-c.in:
		return b, nil
	case <-c.done:
		return nil, ErrClosed
	case <-c.peer.done:
		select {
		case b := <-c.in:
			return b, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (c *MemoryConn) Write(b []byte) (int, error) {
	msg := append([]byte(nil), b...)
	select {
	case <-c.done:
		return 0, ErrClosed
	case <-c.peer.done:
		return 0, ErrClosed
	default:
	}
	select {
	case c.peer.in <- msg:
		return len(b), nil
	case <-c.done:
		return 0, ErrClosed
	case <-c.peer.done:
		return 0, ErrClosed
	}
}

func (c *MemoryConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *MemoryConn) LocalAddr() net.Addr  { return c.local }
func (c *MemoryConn) RemoteAddr() net.Addr { return c.remote }
