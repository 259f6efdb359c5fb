package intercept

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/postalsys/bedrock-relay/internal/logging"
	"github.com/postalsys/bedrock-relay/internal/protocol"
	"github.com/postalsys/bedrock-relay/internal/recovery"
)

// Hooks receive chain events for metrics.
type Hooks struct {
	// OnSwallow is called when a listener swallows a packet.
	OnSwallow func(dir Direction, packetID uint32)
	// OnFault is called when a listener panics.
	OnFault func(stage string)
}

// Chain runs a session's listeners in registration order. A listener that
// panics is logged and treated as having returned Continue; it never stops
// the remaining listeners or the packet.
type Chain struct {
	mu        sync.RWMutex
	listeners []Listener

	logger *slog.Logger
	hooks  Hooks
}

// NewChain creates an empty chain.
func NewChain(logger *slog.Logger, hooks Hooks) *Chain {
	return &Chain{logger: logging.OrNop(logger), hooks: hooks}
}

// Add appends listeners to the chain.
func (c *Chain) Add(ls ...Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range ls {
		if l != nil {
			c.listeners = append(c.listeners, l)
		}
	}
}

// Len returns the number of registered listeners.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

func (c *Chain) snapshot() []Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Listener(nil), c.listeners...)
}

func (c *Chain) guard(stage string, l Listener, fn func()) {
	name := fmt.Sprintf("listener %T %s", l, stage)
	if err := recovery.Guard(c.logger, name, fn); err != nil && c.hooks.OnFault != nil {
		c.hooks.OnFault(stage)
	}
}

// OnSessionStart notifies every listener that s has started.
func (c *Chain) OnSessionStart(s Session) {
	for _, l := range c.snapshot() {
		c.guard("session_start", l, func() { l.OnSessionStart(s) })
	}
}

// Handle runs pk through the before stage for dir. Unless a listener
// swallowed it, forward is called and then the after stage runs. The
// returned bool reports whether forward was called.
func (c *Chain) Handle(s Session, dir Direction, pk protocol.Packet, forward func(protocol.Packet) error) (bool, error) {
	listeners := c.snapshot()

	for _, l := range listeners {
		res := Continue
		if dir == FromClient {
			c.guard("before_client", l, func() { res = l.BeforeClientPacket(s, pk) })
		} else {
			c.guard("before_server", l, func() { res = l.BeforeServerPacket(s, pk) })
		}
		if res == Swallow {
			c.logger.Debug("packet swallowed",
				logging.KeyDirection, dir.String(),
				logging.KeyPacketID, pk.ID(),
				"listener", fmt.Sprintf("%T", l))
			if c.hooks.OnSwallow != nil {
				c.hooks.OnSwallow(dir, pk.ID())
			}
			return false, nil
		}
	}

	if err := forward(pk); err != nil {
		return true, err
	}

	for _, l := range listeners {
		if dir == FromClient {
			c.guard("after_client", l, func() { l.AfterClientPacket(s, pk) })
		} else {
			c.guard("after_server", l, func() { l.AfterServerPacket(s, pk) })
		}
	}
	return true, nil
}

// Observe runs pk through the before stage for dir without forwarding it.
// Results are ignored; the relay consumes the packet itself.
func (c *Chain) Observe(s Session, dir Direction, pk protocol.Packet) {
	for _, l := range c.snapshot() {
		if dir == FromClient {
			c.guard("before_client", l, func() { l.BeforeClientPacket(s, pk) })
		} else {
			c.guard("before_server", l, func() { l.BeforeServerPacket(s, pk) })
		}
	}
}

// OnDisconnect notifies every listener that s has ended.
func (c *Chain) OnDisconnect(s Session, reason string) {
	for _, l := range c.snapshot() {
		c.guard("disconnect", l, func() { l.OnDisconnect(s, reason) })
	}
}
