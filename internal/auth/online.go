package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/postalsys/bedrock-relay/internal/conn"
	"github.com/postalsys/bedrock-relay/internal/logging"
	"github.com/postalsys/bedrock-relay/internal/protocol"
	"github.com/postalsys/bedrock-relay/internal/relayerr"
	"github.com/postalsys/bedrock-relay/internal/target"
)

// OnlineConfig configures the Online adapter.
type OnlineConfig struct {
	Provider IdentityProvider
	// RootKey overrides the authentication service root key.
	RootKey *ecdsa.PublicKey
	Now     func() time.Time
	Logger  *slog.Logger
}

// Online logs in to the server with a pre-authenticated identity in place
// of the client's own.
type Online struct {
	provider IdentityProvider
	root     *ecdsa.PublicKey
	now      func() time.Time
	logger   *slog.Logger
}

// NewOnline creates an Online adapter.
func NewOnline(cfg OnlineConfig) *Online {
	a := &Online{
		provider: cfg.Provider,
		root:     cfg.RootKey,
		now:      cfg.Now,
		logger:   logging.OrNop(cfg.Logger),
	}
	if a.root == nil {
		a.root = RootKey()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

func (a *Online) Mode() Mode { return ModeOnline }

// HandleLogin validates the identity, refreshing it if expired, and starts
// the outbound connect with a login re-signed for the identity. No connect
// is attempted when the identity cannot be made valid.
func (a *Online) HandleLogin(ctx context.Context, s Session, login *protocol.Login) error {
	actx, err := capture(ModeOnline, login)
	if err != nil {
		return err
	}

	id, err := a.identity(ctx)
	if err != nil {
		return err
	}

	res, err := VerifyChain(id.Chain, a.root)
	if err != nil {
		return relayerr.Protocol("online login", err)
	}
	if !res.Rooted {
		return relayerr.Protocol("online login", ErrUntrustedChain)
	}
	if !res.IdentityKey.Equal(&id.PrivateKey.PublicKey) {
		return relayerr.Auth("online login", errors.New("identity key does not match the chain"))
	}

	actx.Identity = id
	if id.DisplayName != "" {
		actx.DisplayName = id.DisplayName
	} else if name, ok := extraData(res.Claims)["displayName"].(string); ok {
		actx.DisplayName = name
	}
	s.SetAuthContext(actx)

	forged, err := buildLogin(login, actx, id.PrivateKey, s.Target(), func(now time.Time) ([]string, error) {
		first, err := tokenX5U(id.Chain[0])
		if err != nil {
			return nil, err
		}
		link, err := selfSignedLink(id.PrivateKey, first, nil, now)
		if err != nil {
			return nil, err
		}
		return append([]string{link}, id.Chain...), nil
	}, a.now())
	if err != nil {
		return relayerr.Auth("online login", err)
	}

	a.logger.Info("logging in with delegated identity",
		append(logAttrs(s, ModeOnline), "display_name", actx.DisplayName)...)

	return s.ConnectOutbound(func(ctx context.Context, down *conn.Conn) error {
		return downstreamLogin(ctx, s, down, forged, id.PrivateKey)
	})
}

// identity returns a valid identity, refreshing once if needed.
func (a *Online) identity(ctx context.Context) (*Identity, error) {
	if a.provider == nil {
		return nil, relayerr.Auth("online login", fmt.Errorf("%w: %w", ErrSessionExpired, ErrNoIdentity))
	}
	id, err := a.provider.Identity(ctx)
	if err == nil && !id.Expired(a.now()) {
		return id, nil
	}
	if err != nil {
		a.logger.Info("identity unavailable, refreshing", logging.KeyError, err)
	} else {
		a.logger.Info("identity expired, refreshing", "expired_at", id.ExpiresAt)
	}

	id, err = a.provider.Refresh(ctx)
	if err != nil {
		return nil, relayerr.Auth("online login", fmt.Errorf("%w and could not be refreshed: %w", ErrSessionExpired, err))
	}
	if id.Expired(a.now()) {
		return nil, relayerr.Auth("online login", fmt.Errorf("%w: refreshed identity is already expired", ErrSessionExpired))
	}
	return id, nil
}

// buildLogin re-signs the client data for key and assembles a login with
// the chain returned by makeChain.
func buildLogin(orig *protocol.Login, actx *Context, key *ecdsa.PrivateKey, addr target.Address, makeChain func(time.Time) ([]string, error), now time.Time) (*protocol.Login, error) {
	chain, err := makeChain(now)
	if err != nil {
		return nil, fmt.Errorf("build chain: %w", err)
	}

	claims := jwt.MapClaims{}
	for k, v := range actx.ClientClaims {
		claims[k] = v
	}
	claims["ServerAddress"] = addr.String()
	claims["DeviceId"] = uuid.NewString()

	clientData, err := Sign(claims, key)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Chain:              chain,
		ClientData:         clientData,
		Wrapped:            actx.Request.Wrapped,
		AuthenticationType: actx.Request.AuthenticationType,
		Token:              actx.Request.Token,
	}
	data, err := req.Encode()
	if err != nil {
		return nil, err
	}
	return &protocol.Login{ClientProtocol: orig.ClientProtocol, ConnectionRequest: data}, nil
}

// tokenX5U returns the x5u header of a JWT without verifying it.
func tokenX5U(raw string) (string, error) {
	tok, _, err := es384Parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return "", err
	}
	x5u, ok := tok.Header["x5u"].(string)
	if !ok {
		return "", errors.New("missing x5u header")
	}
	return x5u, nil
}
