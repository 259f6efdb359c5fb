// Package intercept lets observers inspect, rewrite or swallow packets as
// they cross a relayed session.
package intercept

import (
	"github.com/postalsys/bedrock-relay/internal/protocol"
)

// Result decides whether a packet is forwarded.
type Result uint8

const (
	// Continue forwards the packet.
	Continue Result = iota
	// Swallow drops the packet. Later listeners in the stage are skipped.
	Swallow
)

func (r Result) String() string {
	if r == Swallow {
		return "swallow"
	}
	return "continue"
}

// Session is the part of a relayed session listeners may act on.
type Session interface {
	ID() string
	SendToClient(pk protocol.Packet) error
	SendToClientImmediate(pk protocol.Packet) error
	SendToServer(pk protocol.Packet) error
	SendToServerImmediate(pk protocol.Packet) error
}

// Listener observes one session. Before hooks may mutate the packet in
// place or swallow it; after hooks see packets that were forwarded.
type Listener interface {
	OnSessionStart(s Session)
	BeforeClientPacket(s Session, pk protocol.Packet) Result
	AfterClientPacket(s Session, pk protocol.Packet)
	BeforeServerPacket(s Session, pk protocol.Packet) Result
	AfterServerPacket(s Session, pk protocol.Packet)
	OnDisconnect(s Session, reason string)
}

// Base implements Listener with no-ops. Embed it to override only the
// hooks you need.
type Base struct{}

func (Base) OnSessionStart(Session)                             {}
func (Base) BeforeClientPacket(Session, protocol.Packet) Result { return Continue }
func (Base) AfterClientPacket(Session, protocol.Packet)         {}
func (Base) BeforeServerPacket(Session, protocol.Packet) Result { return Continue }
func (Base) AfterServerPacket(Session, protocol.Packet)         {}
func (Base) OnDisconnect(Session, string)                       {}

// Direction is the way a packet travels.
type Direction uint8

const (
	FromClient Direction = iota
	FromServer
)

func (d Direction) String() string {
	if d == FromServer {
		return "server"
	}
	return "client"
}

// ListenerFunc adapts a function to a Listener that only sees before hooks.
type ListenerFunc func(s Session, dir Direction, pk protocol.Packet) Result

func (f ListenerFunc) OnSessionStart(Session) {}

func (f ListenerFunc) BeforeClientPacket(s Session, pk protocol.Packet) Result {
	return f(s, FromClient, pk)
}

func (f ListenerFunc) AfterClientPacket(Session, protocol.Packet) {}

func (f ListenerFunc) BeforeServerPacket(s Session, pk protocol.Packet) Result {
	return f(s, FromServer, pk)
}

func (f ListenerFunc) AfterServerPacket(Session, protocol.Packet) {}

func (f ListenerFunc) OnDisconnect(Session, string) {}

// Factory creates the listeners for a new session.
type Factory func(s Session) []Listener
