package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/s2"
)

// Batch compression prefix bytes.
const (
	prefixFlate  byte = 0x00
	prefixSnappy byte = 0x01
	prefixNone   byte = 0xff
)

// MaxDecompressedSize bounds a single decompressed batch.
const MaxDecompressedSize = 32 * 1024 * 1024

// ErrDecompressedTooLarge is returned when a batch inflates past MaxDecompressedSize.
var ErrDecompressedTooLarge = errors.New("decompressed batch exceeds limit")

// Compression compresses and decompresses batch payloads.
type Compression interface {
	Algorithm() uint16
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// CompressionFor returns the implementation of a NetworkSettings algorithm.
func CompressionFor(algorithm uint16) (Compression, bool) {
	switch algorithm {
	case CompressionFlate:
		return flateCompression{}, true
	case CompressionSnappy:
		return snappyCompression{}, true
	case CompressionNone:
		return noCompression{}, true
	}
	return nil, false
}

func compressionForPrefix(p byte) (Compression, bool) {
	switch p {
	case prefixFlate:
		return flateCompression{}, true
	case prefixSnappy:
		return snappyCompression{}, true
	}
	return nil, false
}

// noCompression is negotiated when a server announces CompressionNone.
// Batches still carry the 0xff prefix on codecs that use one.
type noCompression struct{}

func (noCompression) Algorithm() uint16 { return CompressionNone }

func (noCompression) Compress(data []byte) ([]byte, error) { return data, nil }

func (noCompression) Decompress(data []byte) ([]byte, error) { return data, nil }

type flateCompression struct{}

func (flateCompression) Algorithm() uint16 { return CompressionFlate }

func (flateCompression) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("flate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("flate compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flate compress: %w", err)
	}
	return buf.Bytes(), nil
}

func (flateCompression) Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("flate decompress: %w", err)
	}
	if len(out) > MaxDecompressedSize {
		return nil, ErrDecompressedTooLarge
	}
	return out, nil
}

type snappyCompression struct{}

func (snappyCompression) Algorithm() uint16 { return CompressionSnappy }

func (snappyCompression) Compress(data []byte) ([]byte, error) {
	return s2.EncodeSnappy(nil, data), nil
}

func (snappyCompression) Decompress(data []byte) ([]byte, error) {
	n, err := s2.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	if n > MaxDecompressedSize {
		return nil, ErrDecompressedTooLarge
	}
	out, err := s2.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	return out, nil
}
