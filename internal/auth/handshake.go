package auth

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrHandshake is returned when the server's encryption handshake cannot
// be completed.
var ErrHandshake = errors.New("encryption handshake failed")

// DeriveKey computes the session key from a ServerToClientHandshake JWT:
// ECDH between key and the server's x5u key, then
// SHA-256(salt || shared secret).
func DeriveKey(token string, key *ecdsa.PrivateKey) ([32]byte, error) {
	var out [32]byte

	claims := jwt.MapClaims{}
	var serverKey *ecdsa.PublicKey
	_, err := es384Parser.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		k, err := headerKey(tok)
		if err != nil {
			return nil, err
		}
		serverKey = k
		return k, nil
	})
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	saltStr, _ := claims["salt"].(string)
	if saltStr == "" {
		return out, fmt.Errorf("%w: missing salt", ErrHandshake)
	}
	salt, err := decodeSalt(saltStr)
	if err != nil {
		return out, fmt.Errorf("%w: salt: %v", ErrHandshake, err)
	}

	priv, err := key.ECDH()
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	pub, err := serverKey.ECDH()
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	h := sha256.New()
	h.Write(salt)
	h.Write(secret)
	copy(out[:], h.Sum(nil))
	return out, nil
}

// decodeSalt accepts padded and unpadded base64.
func decodeSalt(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// ServerHandshake builds the JWT a server sends to start encryption.
func ServerHandshake(serverKey *ecdsa.PrivateKey, salt []byte) (string, error) {
	return Sign(jwt.MapClaims{"salt": base64.StdEncoding.EncodeToString(salt)}, serverKey)
}
