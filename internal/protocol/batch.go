package protocol

import (
	"errors"
	"fmt"
	"sync"
)

// BatchHeader starts every Bedrock game batch.
const BatchHeader byte = 0xfe

// ErrNotBatch is returned when a transport message is not a game batch.
var ErrNotBatch = errors.New("missing batch header")

// MaxBatchPackets bounds the number of packets in one batch.
const MaxBatchPackets = 4096

type batchState struct {
	mu          sync.Mutex
	codec       Codec
	compression Compression
	threshold   int
	encryption  *encryption
}

func (s *batchState) SetCodec(c Codec) {
	s.mu.Lock()
	s.codec = c
	s.mu.Unlock()
}

func (s *batchState) EnableCompression(c Compression, threshold int) {
	s.mu.Lock()
	s.compression = c
	s.threshold = threshold
	s.mu.Unlock()
}

func (s *batchState) EnableEncryption(key [32]byte) {
	s.mu.Lock()
	s.encryption = newEncryption(key)
	s.mu.Unlock()
}

// Encoder frames outbound packets into batches.
type Encoder struct {
	batchState
}

// NewEncoder returns an encoder with no compression or encryption.
func NewEncoder(c Codec) *Encoder {
	e := &Encoder{}
	e.codec = c
	return e
}

// Encode frames the given serialized packets into one batch.
func (e *Encoder) Encode(packets [][]byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w := NewWriter(e.codec)
	for _, pk := range packets {
		w.ByteSlice(pk)
	}
	payload := w.Bytes()

	if e.compression != nil {
		prefixed := e.codec.Has(FeatureCompressionPrefix)
		switch {
		case e.compression.Algorithm() == CompressionNone:
			if prefixed {
				payload = append([]byte{prefixNone}, payload...)
			}
		case prefixed && len(payload) < e.threshold:
			payload = append([]byte{prefixNone}, payload...)
		default:
			compressed, err := e.compression.Compress(payload)
			if err != nil {
				return nil, err
			}
			if prefixed {
				compressed = append([]byte{byte(e.compression.Algorithm())}, compressed...)
			}
			payload = compressed
		}
	}

	if e.encryption != nil {
		payload = e.encryption.encrypt(payload)
	}
	return append([]byte{BatchHeader}, payload...), nil
}

// Decoder unframes inbound batches into serialized packets.
type Decoder struct {
	batchState
}

// NewDecoder returns a decoder with no compression or encryption.
func NewDecoder(c Codec) *Decoder {
	d := &Decoder{}
	d.codec = c
	return d
}

// Decode splits a batch into its serialized packets.
func (d *Decoder) Decode(data []byte) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(data) == 0 || data[0] != BatchHeader {
		return nil, ErrNotBatch
	}
	payload := data[1:]

	var err error
	if d.encryption != nil {
		if payload, err = d.encryption.decrypt(payload); err != nil {
			return nil, err
		}
	}

	if d.compression != nil {
		comp := d.compression
		if d.codec.Has(FeatureCompressionPrefix) {
			if len(payload) == 0 {
				return nil, ErrShortBuffer
			}
			prefix := payload[0]
			payload = payload[1:]
			if prefix == prefixNone {
				comp = nil
			} else if c, ok := compressionForPrefix(prefix); ok {
				comp = c
			} else {
				return nil, fmt.Errorf("unknown compression prefix 0x%02x", prefix)
			}
		}
		if comp != nil {
			if payload, err = comp.Decompress(payload); err != nil {
				return nil, err
			}
		}
	}

	r := NewReader(payload, d.codec)
	var packets [][]byte
	for r.Len() > 0 {
		if len(packets) >= MaxBatchPackets {
			return nil, fmt.Errorf("batch holds more than %d packets", MaxBatchPackets)
		}
		pk := r.ByteSlice()
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("split batch: %w", err)
		}
		packets = append(packets, pk)
	}
	return packets, nil
}
