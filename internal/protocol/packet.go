package protocol

import (
	"fmt"
)

// Packet ids the relay understands.
const (
	IDLogin                   uint32 = 0x01
	IDPlayStatus              uint32 = 0x02
	IDServerToClientHandshake uint32 = 0x03
	IDClientToServerHandshake uint32 = 0x04
	IDDisconnect              uint32 = 0x05
	IDTransfer                uint32 = 0x55
	IDNetworkSettings         uint32 = 0x8f
	IDRequestNetworkSettings  uint32 = 0xc1
)

// Packet is a Bedrock application packet.
type Packet interface {
	ID() uint32
	Marshal(w *Writer)
	Unmarshal(r *Reader)
}

// Tail holds bytes that follow a modeled packet's known fields. They are
// written back unchanged so fields added by newer versions survive a
// decode and re-encode.
type Tail struct {
	Trailing []byte
}

func (t *Tail) tail() *Tail { return t }

type tailed interface {
	tail() *Tail
}

// Header is the varuint32 prefix of every packet:
// bits 0-9 packet id, 10-11 sender sub-client, 12-13 target sub-client.
type Header struct {
	PacketID        uint32
	SenderSubClient uint8
	TargetSubClient uint8
}

func (h Header) encode() uint32 {
	return h.PacketID&0x3ff | uint32(h.SenderSubClient&0x3)<<10 | uint32(h.TargetSubClient&0x3)<<12
}

func decodeHeader(v uint32) Header {
	return Header{
		PacketID:        v & 0x3ff,
		SenderSubClient: uint8(v>>10) & 0x3,
		TargetSubClient: uint8(v>>12) & 0x3,
	}
}

var registry = map[uint32]func() Packet{
	IDLogin:                   func() Packet { return &Login{} },
	IDPlayStatus:              func() Packet { return &PlayStatus{} },
	IDServerToClientHandshake: func() Packet { return &ServerToClientHandshake{} },
	IDClientToServerHandshake: func() Packet { return &ClientToServerHandshake{} },
	IDDisconnect:              func() Packet { return &Disconnect{} },
	IDTransfer:                func() Packet { return &Transfer{} },
	IDNetworkSettings:         func() Packet { return &NetworkSettings{} },
	IDRequestNetworkSettings:  func() Packet { return &RequestNetworkSettings{} },
}

// Known reports whether the relay decodes packets with the given id.
func Known(id uint32) bool {
	_, ok := registry[id]
	return ok
}

// Encode serializes pk including its header.
func Encode(pk Packet, c Codec) []byte {
	w := NewWriter(c)
	h := Header{PacketID: pk.ID()}
	if u, ok := pk.(*Unknown); ok {
		h = u.Header
	}
	w.Varuint32(h.encode())
	pk.Marshal(w)
	if t, ok := pk.(tailed); ok {
		w.Raw(t.tail().Trailing)
	}
	return w.Bytes()
}

// Decode parses a single packet. Ids without a registered type decode to
// *Unknown holding the exact payload bytes.
func Decode(data []byte, c Codec) (Packet, error) {
	r := NewReader(data, c)
	h := decodeHeader(r.Varuint32())
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}

	newPacket, ok := registry[h.PacketID]
	if !ok || h.SenderSubClient != 0 || h.TargetSubClient != 0 {
		return &Unknown{Header: h, Payload: r.Remaining()}, nil
	}

	pk := newPacket()
	pk.Unmarshal(r)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode packet 0x%02x: %w", h.PacketID, err)
	}
	if rest := r.Remaining(); len(rest) > 0 {
		if t, ok := pk.(tailed); ok {
			t.tail().Trailing = rest
		}
	}
	return pk, nil
}

// Name returns a readable name for a packet id.
func Name(id uint32) string {
	switch id {
	case IDLogin:
		return "Login"
	case IDPlayStatus:
		return "PlayStatus"
	case IDServerToClientHandshake:
		return "ServerToClientHandshake"
	case IDClientToServerHandshake:
		return "ClientToServerHandshake"
	case IDDisconnect:
		return "Disconnect"
	case IDTransfer:
		return "Transfer"
	case IDNetworkSettings:
		return "NetworkSettings"
	case IDRequestNetworkSettings:
		return "RequestNetworkSettings"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", id)
	}
}
