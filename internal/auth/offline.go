package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/bedrock-relay/internal/conn"
	"github.com/postalsys/bedrock-relay/internal/logging"
	"github.com/postalsys/bedrock-relay/internal/protocol"
	"github.com/postalsys/bedrock-relay/internal/relayerr"
)

// DefaultOfflineName is used when neither the config nor the client
// supplies a display name.
const DefaultOfflineName = "Player"

// OfflineConfig configures the Offline adapter.
type OfflineConfig struct {
	// DisplayName overrides the client's display name.
	DisplayName string
	Now         func() time.Time
	Logger      *slog.Logger
}

// Offline logs in with a self-signed identity for servers that do not
// verify accounts.
type Offline struct {
	key    *ecdsa.PrivateKey
	name   string
	now    func() time.Time
	logger *slog.Logger
}

// NewOffline creates an Offline adapter with a freshly generated key pair.
func NewOffline(cfg OfflineConfig) (*Offline, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate offline key: %w", err)
	}
	a := &Offline{
		key:    key,
		name:   cfg.DisplayName,
		now:    cfg.Now,
		logger: logging.OrNop(cfg.Logger),
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

func (a *Offline) Mode() Mode { return ModeOffline }

// PublicKey returns the adapter's identity key.
func (a *Offline) PublicKey() *ecdsa.PublicKey { return &a.key.PublicKey }

// OfflineUUID derives a stable identity for a display name.
func OfflineUUID(name string) uuid.UUID {
	return uuid.NewMD5(uuid.NameSpaceOID, []byte("OfflinePlayer:"+name))
}

// HandleLogin replaces the client's chain with a single self-signed link
// and starts the outbound connect.
func (a *Offline) HandleLogin(ctx context.Context, s Session, login *protocol.Login) error {
	actx, err := capture(ModeOffline, login)
	if err != nil {
		return err
	}

	name := a.name
	if name == "" {
		name = actx.DisplayName
	}
	if name == "" {
		name = DefaultOfflineName
	}
	actx.DisplayName = name
	s.SetAuthContext(actx)

	self, err := MarshalPublicKey(&a.key.PublicKey)
	if err != nil {
		return relayerr.Auth("offline login", err)
	}
	extra := map[string]any{
		"displayName": name,
		"identity":    OfflineUUID(name).String(),
		"XUID":        "",
	}

	forged, err := buildLogin(login, actx, a.key, s.Target(), func(now time.Time) ([]string, error) {
		link, err := selfSignedLink(a.key, self, extra, now)
		if err != nil {
			return nil, err
		}
		return []string{link}, nil
	}, a.now())
	if err != nil {
		return relayerr.Auth("offline login", err)
	}

	a.logger.Info("logging in with offline identity",
		append(logAttrs(s, ModeOffline), "display_name", name)...)

	return s.ConnectOutbound(func(ctx context.Context, down *conn.Conn) error {
		return downstreamLogin(ctx, s, down, forged, a.key)
	})
}
