package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNoIdentity is returned when a provider has no credentials to offer.
var ErrNoIdentity = errors.New("no identity available")

// Identity is a pre-authenticated account: the chain issued by the
// authentication service for the account's key pair.
type Identity struct {
	Chain       []string
	PrivateKey  *ecdsa.PrivateKey
	ExpiresAt   time.Time
	DisplayName string
	XUID        string
}

// Expired reports whether the identity is no longer usable at now.
func (id *Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && !now.Before(id.ExpiresAt)
}

// IdentityProvider supplies refreshable identities. Acquiring the first
// identity (the device-code flow) is done outside the relay.
type IdentityProvider interface {
	Identity(ctx context.Context) (*Identity, error)
	Refresh(ctx context.Context) (*Identity, error)
}

// StaticIdentityProvider returns a fixed identity. Refresh returns the
// result of RefreshFunc when set, else ErrNoIdentity.
type StaticIdentityProvider struct {
	mu          sync.Mutex
	id          *Identity
	RefreshFunc func(ctx context.Context) (*Identity, error)
}

// NewStaticIdentityProvider wraps id.
func NewStaticIdentityProvider(id *Identity) *StaticIdentityProvider {
	return &StaticIdentityProvider{id: id}
}

func (p *StaticIdentityProvider) Identity(context.Context) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id == nil {
		return nil, ErrNoIdentity
	}
	return p.id, nil
}

func (p *StaticIdentityProvider) Refresh(ctx context.Context) (*Identity, error) {
	if p.RefreshFunc == nil {
		return nil, fmt.Errorf("refresh unsupported: %w", ErrNoIdentity)
	}
	id, err := p.RefreshFunc(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.id = id
	p.mu.Unlock()
	return id, nil
}

// identityFile is the on-disk form written by the account login tool.
type identityFile struct {
	Chain       []string  `json:"chain"`
	PrivateKey  string    `json:"private_key"`
	ExpiresAt   time.Time `json:"expires_at"`
	DisplayName string    `json:"display_name"`
	XUID        string    `json:"xuid"`
}

// FileIdentityProvider reads an identity from a JSON file. The file is
// kept fresh by an external tool, so Refresh simply reads it again.
type FileIdentityProvider struct {
	Path string

	group  singleflight.Group
	mu     sync.Mutex
	cached *Identity
}

// NewFileIdentityProvider creates a provider for path.
func NewFileIdentityProvider(path string) *FileIdentityProvider {
	return &FileIdentityProvider{Path: path}
}

func (p *FileIdentityProvider) Identity(ctx context.Context) (*Identity, error) {
	p.mu.Lock()
	cached := p.cached
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	return p.Refresh(ctx)
}

// Refresh rereads the file. Concurrent callers share a single read.
func (p *FileIdentityProvider) Refresh(context.Context) (*Identity, error) {
	v, err, _ := p.group.Do(p.Path, func() (any, error) {
		id, err := LoadIdentityFile(p.Path)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cached = id
		p.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Identity), nil
}

// LoadIdentityFile reads an identity file.
func LoadIdentityFile(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	if len(f.Chain) == 0 {
		return nil, fmt.Errorf("identity file %s: %w", path, ErrNoIdentity)
	}
	key, err := parsePrivateKeyPEM([]byte(f.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("identity file %s: %w", path, err)
	}
	return &Identity{
		Chain:       f.Chain,
		PrivateKey:  key,
		ExpiresAt:   f.ExpiresAt,
		DisplayName: f.DisplayName,
		XUID:        f.XUID,
	}, nil
}

// SaveIdentityFile writes id to path with owner-only permissions.
func SaveIdentityFile(path string, id *Identity) error {
	der, err := x509.MarshalECPrivateKey(id.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	f := identityFile{
		Chain:       id.Chain,
		PrivateKey:  string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})),
		ExpiresAt:   id.ExpiresAt,
		DisplayName: id.DisplayName,
		XUID:        id.XUID,
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func parsePrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if key.Curve != elliptic.P384() {
		return nil, errors.New("private key must use curve P-384")
	}
	return key, nil
}
