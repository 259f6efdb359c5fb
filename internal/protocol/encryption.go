package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// ErrChecksumMismatch is returned when a decrypted batch fails verification.
var ErrChecksumMismatch = errors.New("batch checksum mismatch")

const checksumSize = 8

// encryption is one direction of an AES-256-CTR session. Each direction
// keeps its own keystream and packet counter.
type encryption struct {
	key     [32]byte
	stream  cipher.Stream
	counter uint64
}

func newEncryption(key [32]byte) *encryption {
	block, _ := aes.NewCipher(key[:])
	iv := make([]byte, aes.BlockSize)
	copy(iv, key[:12])
	iv[15] = 2
	return &encryption{key: key, stream: cipher.NewCTR(block, iv)}
}

func (e *encryption) checksum(data []byte) []byte {
	h := sha256.New()
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], e.counter)
	h.Write(ctr[:])
	h.Write(data)
	h.Write(e.key[:])
	e.counter++
	return h.Sum(nil)[:checksumSize]
}

func (e *encryption) encrypt(data []byte) []byte {
	out := make([]byte, 0, len(data)+checksumSize)
	out = append(out, data...)
	out = append(out, e.checksum(data)...)
	e.stream.XORKeyStream(out, out)
	return out
}

func (e *encryption) decrypt(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	e.stream.XORKeyStream(out, data)
	if len(out) < checksumSize {
		return nil, ErrShortBuffer
	}
	plain, sum := out[:len(out)-checksumSize], out[len(out)-checksumSize:]
	if subtle.ConstantTimeCompare(sum, e.checksum(plain)) != 1 {
		return nil, ErrChecksumMismatch
	}
	return plain, nil
}
