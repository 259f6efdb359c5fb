package auth

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MojangPublicKey is the root key the authentication service signs
// identity chains with.
const MojangPublicKey = "MHYwEAYHKoZIzj0CAQYFK4EEACIDYgAECRXueJeTDqNRRgJi/vlRufByu/2G0i2Ebt6YMar5QX/R0DIIyrJMcUpruK4QveTfJSTp3Shlq4Gk34cD/4GUWwkv0DVuzeuB+tXija7HBxii03NHDbPAD0AKnLr2wdAp"

var (
	// ErrInvalidChain is returned when a chain link fails verification.
	ErrInvalidChain = errors.New("invalid identity chain")

	// ErrUntrustedChain is returned when a valid chain never reaches the root key.
	ErrUntrustedChain = errors.New("identity chain is not signed by the root key")
)

// chainLinkLifetime is the validity window of links the relay signs.
const chainLinkLifetime = 48 * time.Hour

var es384Parser = jwt.NewParser(
	jwt.WithValidMethods([]string{jwt.SigningMethodES384.Alg()}),
	jwt.WithoutClaimsValidation(),
)

// RootKey returns the authentication service's root public key.
func RootKey() *ecdsa.PublicKey {
	key, err := ParsePublicKey(MojangPublicKey)
	if err != nil {
		panic(err)
	}
	return key
}

// ParsePublicKey decodes a base64 DER (PKIX) ECDSA public key.
func ParsePublicKey(b64 string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want ECDSA", pub)
	}
	return key, nil
}

// MarshalPublicKey encodes an ECDSA public key as base64 DER (PKIX).
func MarshalPublicKey(key *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// Sign signs claims with ES384 and puts the signer's public key in the
// x5u header, as every Bedrock JWT does.
func Sign(claims jwt.MapClaims, key *ecdsa.PrivateKey) (string, error) {
	x5u, err := MarshalPublicKey(&key.PublicKey)
	if err != nil {
		return "", err
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES384, claims)
	tok.Header["x5u"] = x5u
	s, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return s, nil
}

// headerKey returns the public key named by a token's x5u header.
func headerKey(tok *jwt.Token) (*ecdsa.PublicKey, error) {
	x5u, ok := tok.Header["x5u"].(string)
	if !ok {
		return nil, errors.New("missing x5u header")
	}
	return ParsePublicKey(x5u)
}

// ChainResult is the outcome of a chain verification.
type ChainResult struct {
	// IdentityKey is the identityPublicKey of the last link.
	IdentityKey *ecdsa.PublicKey
	// Claims are the claims of the last link.
	Claims jwt.MapClaims
	// Rooted reports whether some link was signed by the root key.
	Rooted bool
}

// VerifyChain checks that every link is signed by the identity key of the
// link before it, starting from the first link's own x5u key.
func VerifyChain(chain []string, root *ecdsa.PublicKey) (*ChainResult, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrInvalidChain)
	}

	res := &ChainResult{}
	var next *ecdsa.PublicKey
	for i, raw := range chain {
		claims := jwt.MapClaims{}
		_, err := es384Parser.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
			key, err := headerKey(tok)
			if err != nil {
				return nil, err
			}
			if next != nil && !key.Equal(next) {
				return nil, errors.New("not signed by the previous link's identity key")
			}
			if root != nil && key.Equal(root) {
				res.Rooted = true
			}
			return key, nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: link %d: %v", ErrInvalidChain, i, err)
		}

		idKey, _ := claims["identityPublicKey"].(string)
		if idKey == "" {
			return nil, fmt.Errorf("%w: link %d has no identityPublicKey", ErrInvalidChain, i)
		}
		if next, err = ParsePublicKey(idKey); err != nil {
			return nil, fmt.Errorf("%w: link %d: %v", ErrInvalidChain, i, err)
		}
		res.Claims = claims
	}
	res.IdentityKey = next
	return res, nil
}

// UnverifiedClaims returns the claims of a JWT without checking its
// signature.
func UnverifiedClaims(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := es384Parser.ParseUnverified(raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// LastClaims returns the claims of the last link of a chain that carries
// extraData, without verification.
func LastClaims(chain []string) (jwt.MapClaims, error) {
	var last jwt.MapClaims
	for _, raw := range chain {
		claims, err := UnverifiedClaims(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := claims["extraData"]; ok || last == nil {
			last = claims
		}
	}
	return last, nil
}

// selfSignedLink creates a chain link signed by key that delegates to
// identityKey.
func selfSignedLink(key *ecdsa.PrivateKey, identityKey string, extra map[string]any, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"certificateAuthority": true,
		"identityPublicKey":    identityKey,
		"nbf":                  now.Add(-time.Minute).Unix(),
		"exp":                  now.Add(chainLinkLifetime).Unix(),
	}
	if extra != nil {
		claims["extraData"] = extra
	}
	return Sign(claims, key)
}

// extraData returns the extraData object of chain claims.
func extraData(claims jwt.MapClaims) map[string]any {
	extra, _ := claims["extraData"].(map[string]any)
	return extra
}
