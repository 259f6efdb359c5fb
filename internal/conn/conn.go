// Package conn implements one half of a relayed session: a transport
// connection plus the codec, compression and encryption state negotiated
// on it.
package conn

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/bedrock-relay/internal/protocol"
	"github.com/postalsys/bedrock-relay/internal/relayerr"
	"github.com/postalsys/bedrock-relay/internal/transport"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// Stats holds per-direction traffic counters.
type Stats struct {
	PacketsIn  uint64
	PacketsOut uint64
	BytesIn    uint64
	BytesOut   uint64
}

// Conn is a Bedrock connection to either the client or the server.
// Reads must come from a single goroutine; writes are safe for
// concurrent use.
type Conn struct {
	tc  transport.Conn
	enc *protocol.Encoder
	dec *protocol.Decoder

	codecMu sync.RWMutex
	codec   protocol.Codec

	pending [][]byte

	writeMu sync.Mutex
	buf     [][]byte

	closed    atomic.Bool
	closeOnce sync.Once

	packetsIn, packetsOut atomic.Uint64
	bytesIn, bytesOut     atomic.Uint64
}

// New wraps a transport connection. The connection starts without
// compression or encryption.
func New(tc transport.Conn, c protocol.Codec) *Conn {
	return &Conn{
		tc:    tc,
		enc:   protocol.NewEncoder(c),
		dec:   protocol.NewDecoder(c),
		codec: c,
	}
}

// Codec returns the codec packets are serialized with.
func (c *Conn) Codec() protocol.Codec {
	c.codecMu.RLock()
	defer c.codecMu.RUnlock()
	return c.codec
}

// SetCodec installs the negotiated codec.
func (c *Conn) SetCodec(codec protocol.Codec) {
	c.codecMu.Lock()
	c.codec = codec
	c.codecMu.Unlock()
	c.enc.SetCodec(codec)
	c.dec.SetCodec(codec)
}

// EnableCompression turns on batch compression in both directions.
func (c *Conn) EnableCompression(algorithm uint16, threshold int) error {
	comp, ok := protocol.CompressionFor(algorithm)
	if !ok {
		return relayerr.Protocol("enable compression", fmt.Errorf("unsupported compression algorithm %d", algorithm))
	}
	c.enc.EnableCompression(comp, threshold)
	c.dec.EnableCompression(comp, threshold)
	return nil
}

// EnableEncryption turns on AES-256-CTR in both directions. Pending
// buffered packets are flushed first so they go out with the old state.
func (c *Conn) EnableEncryption(key [32]byte) error {
	if err := c.Flush(); err != nil {
		return err
	}
	c.enc.EnableEncryption(key)
	c.dec.EnableEncryption(key)
	return nil
}

// ReadPacket returns the next packet from the peer.
func (c *Conn) ReadPacket() (protocol.Packet, error) {
	for len(c.pending) == 0 {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		data, err := c.tc.ReadPacket()
		if err != nil {
			if c.closed.Load() {
				return nil, ErrClosed
			}
			return nil, relayerr.Transport("read", err)
		}
		if len(data) == 0 || data[0] != protocol.BatchHeader {
			// RakNet-level messages that are not game batches are ignored.
			continue
		}
		packets, err := c.dec.Decode(data)
		if err != nil {
			return nil, relayerr.Protocol("decode batch", err)
		}
		c.bytesIn.Add(uint64(len(data)))
		c.pending = packets
	}

	data := c.pending[0]
	c.pending = c.pending[1:]
	c.packetsIn.Add(1)

	pk, err := protocol.Decode(data, c.Codec())
	if err != nil {
		return nil, relayerr.Protocol("decode packet", err)
	}
	return pk, nil
}

// WritePacket serializes pk into the outbound buffer. It is sent on the
// next Flush.
func (c *Conn) WritePacket(pk protocol.Packet) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data := protocol.Encode(pk, c.Codec())

	c.writeMu.Lock()
	c.buf = append(c.buf, data)
	c.writeMu.Unlock()
	return nil
}

// WritePacketImmediate buffers pk and flushes at once, preserving the
// order of anything buffered earlier.
func (c *Conn) WritePacketImmediate(pk protocol.Packet) error {
	if err := c.WritePacket(pk); err != nil {
		return err
	}
	return c.Flush()
}

// Flush sends all buffered packets as one batch.
func (c *Conn) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if len(c.buf) == 0 {
		return nil
	}
	if c.closed.Load() {
		return ErrClosed
	}

	batch, err := c.enc.Encode(c.buf)
	if err != nil {
		return relayerr.Protocol("encode batch", err)
	}
	n := len(c.buf)
	c.buf = c.buf[:0]

	if _, err := c.tc.Write(batch); err != nil {
		return relayerr.Transport("write", err)
	}
	c.packetsOut.Add(uint64(n))
	c.bytesOut.Add(uint64(len(batch)))
	return nil
}

// Close closes the underlying transport connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.tc.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.tc.RemoteAddr()
}

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr {
	return c.tc.LocalAddr()
}

// Stats returns a snapshot of the traffic counters.
func (c *Conn) Stats() Stats {
	return Stats{
		PacketsIn:  c.packetsIn.Load(),
		PacketsOut: c.packetsOut.Load(),
		BytesIn:    c.bytesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
	}
}
