package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrVarIntOverflow is returned when a varint does not terminate in time.
	ErrVarIntOverflow = errors.New("varint overflows 32 bits")

	// ErrShortBuffer is returned when a field extends past the end of the data.
	ErrShortBuffer = errors.New("unexpected end of packet data")

	// ErrStringTooLong is returned when a length prefix exceeds MaxStringLength.
	ErrStringTooLong = errors.New("length prefix exceeds maximum")
)

// MaxStringLength bounds every length-prefixed field.
const MaxStringLength = 16 * 1024 * 1024

// Writer serializes packet fields in Bedrock wire order.
type Writer struct {
	buf   []byte
	codec Codec
}

// NewWriter creates a writer serializing with the given codec.
func NewWriter(c Codec) *Writer {
	return &Writer{codec: c}
}

// Codec returns the codec the writer serializes with.
func (w *Writer) Codec() Codec { return w.codec }

// Bytes returns the written data.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func (w *Writer) Uint16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *Writer) Int32(v int32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v)) }

// BEInt32 writes a big-endian int32, used for protocol versions.
func (w *Writer) BEInt32(v int32) { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }

func (w *Writer) Float32(v float32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(v))
}

func (w *Writer) Varuint32(v uint32) { w.buf = binary.AppendUvarint(w.buf, uint64(v)) }

// Varint32 writes a zigzag-encoded signed varint.
func (w *Writer) Varint32(v int32) {
	w.Varuint32(uint32(v<<1) ^ uint32(v>>31))
}

// String writes a varuint32 length-prefixed string.
func (w *Writer) String(s string) {
	w.Varuint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// ByteSlice writes a varuint32 length-prefixed byte slice.
func (w *Writer) ByteSlice(b []byte) {
	w.Varuint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// Raw writes b with no prefix.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Reader deserializes packet fields. The first error is sticky: once a read
// fails, all later reads return zero values and Err reports the failure.
type Reader struct {
	data  []byte
	off   int
	err   error
	codec Codec
}

// NewReader creates a reader over data using the given codec.
func NewReader(data []byte, c Codec) *Reader {
	return &Reader{data: data, codec: c}
}

// Codec returns the codec the reader deserializes with.
func (r *Reader) Codec() Codec { return r.codec }

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.data) - r.off }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.fail(fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.off, len(r.data)-r.off))
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool { return r.Uint8() != 0 }

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) Int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (r *Reader) BEInt32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *Reader) Float32() float32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func (r *Reader) Varuint32() uint32 {
	if r.err != nil {
		return 0
	}
	var v uint32
	for i := uint(0); i < 35; i += 7 {
		b := r.take(1)
		if b == nil {
			return 0
		}
		v |= uint32(b[0]&0x7f) << i
		if b[0]&0x80 == 0 {
			return v
		}
	}
	r.fail(ErrVarIntOverflow)
	return 0
}

func (r *Reader) Varint32() int32 {
	u := r.Varuint32()
	return int32(u>>1) ^ -int32(u&1)
}

func (r *Reader) String() string {
	return string(r.ByteSlice())
}

func (r *Reader) ByteSlice() []byte {
	n := r.Varuint32()
	if r.err != nil {
		return nil
	}
	if n > MaxStringLength {
		r.fail(fmt.Errorf("%w: %d", ErrStringTooLong, n))
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Remaining returns a copy of all unread bytes.
func (r *Reader) Remaining() []byte {
	b := r.take(r.Len())
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
