package chaos

import (
	"context"
	"sync"
	"time"

	"github.com/postalsys/bedrock-relay/internal/relayerr"
	"github.com/postalsys/bedrock-relay/internal/transport"
)

// Transport wraps a transport and injects faults into its dials and the
// connections they return. Listen is passed through untouched.
type Transport struct {
	transport.Transport
	injector *FaultInjector
}

// WrapTransport returns inner with faults from injector applied.
func WrapTransport(inner transport.Transport, injector *FaultInjector) *Transport {
	return &Transport{Transport: inner, injector: injector}
}

// Dial applies delay, error and panic faults before dialing.
func (t *Transport) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	if d := t.injector.MaybeDelay(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, relayerr.Timeout("chaos dial", ctx.Err())
		}
	}

	t.injector.MaybePanic()
	if err := t.injector.MaybeError(); err != nil {
		return nil, relayerr.Transport("chaos dial", err)
	}

	c, err := t.Transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &faultConn{Conn: c, injector: t.injector}, nil
}

// faultConn drops the connection when a disconnect fault fires on read.
type faultConn struct {
	transport.Conn
	injector *FaultInjector

	once sync.Once
}

func (c *faultConn) ReadPacket() ([]byte, error) {
	if c.injector.MaybeDisconnect() {
		c.once.Do(func() { c.Conn.Close() })
		return nil, relayerr.Transport("chaos read", ErrInjected)
	}
	return c.Conn.ReadPacket()
}
