// Package auth implements the login strategies the relay can use toward
// the real server: a delegated pre-authenticated identity, a self-signed
// offline identity, or the client's own login passed through.
package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/postalsys/bedrock-relay/internal/conn"
	"github.com/postalsys/bedrock-relay/internal/logging"
	"github.com/postalsys/bedrock-relay/internal/protocol"
	"github.com/postalsys/bedrock-relay/internal/relayerr"
	"github.com/postalsys/bedrock-relay/internal/target"
)

// Mode selects an authentication strategy.
type Mode string

const (
	ModeOnline      Mode = "online"
	ModeOffline     Mode = "offline"
	ModePassthrough Mode = "passthrough"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeOnline, ModeOffline, ModePassthrough:
		return m, nil
	}
	return "", fmt.Errorf("unknown auth mode %q", s)
}

var (
	// ErrSessionExpired is returned when the online identity is expired and
	// cannot be refreshed.
	ErrSessionExpired = errors.New("session expired")

	// ErrLoginRejected is returned when the server refuses the login.
	ErrLoginRejected = errors.New("login rejected by server")
)

// DefaultHandshakeTimeout bounds the downstream login exchange.
const DefaultHandshakeTimeout = 30 * time.Second

// Establish is called once the outbound connection is up.
type Establish func(ctx context.Context, down *conn.Conn) error

// Session is the relay session as seen by an adapter.
type Session interface {
	ID() string
	Upstream() *conn.Conn
	Target() target.Address
	Logger() *slog.Logger

	// SetAuthContext records the captured login.
	SetAuthContext(c *Context)

	// ConnectOutbound starts connecting to the target without blocking.
	// establish runs once the connection is up; if it fails the session
	// is disconnected with its error.
	ConnectOutbound(establish Establish) error

	// Activate hands the ready downstream connection to the session.
	// Packets read during the login exchange that belong to the client
	// are passed as leftovers.
	Activate(down *conn.Conn, leftovers ...protocol.Packet) error
}

// Context is the login captured from the client.
type Context struct {
	Mode    Mode
	Login   *protocol.Login
	Request *Request

	// IdentityClaims are the claims of the client's own chain.
	IdentityClaims jwt.MapClaims
	// ClientClaims are the claims of the client data (skin) JWT.
	ClientClaims jwt.MapClaims

	DisplayName string
	Identity    *Identity
}

// Adapter handles the client's Login packet.
type Adapter interface {
	Mode() Mode
	// HandleLogin captures the login and starts the outbound connect. An
	// error disconnects the client with the error as the reason.
	HandleLogin(ctx context.Context, s Session, login *protocol.Login) error
}

// capture parses the client's login into a Context.
func capture(mode Mode, login *protocol.Login) (*Context, error) {
	req, err := ParseRequest(login.ConnectionRequest)
	if err != nil {
		return nil, relayerr.Protocol("parse login", err)
	}
	identity, err := LastClaims(req.Chain)
	if err != nil {
		return nil, relayerr.Protocol("parse login", fmt.Errorf("%w: %v", ErrInvalidChain, err))
	}
	client, err := UnverifiedClaims(req.ClientData)
	if err != nil {
		return nil, relayerr.Protocol("parse login", fmt.Errorf("client data: %w", err))
	}

	c := &Context{
		Mode:           mode,
		Login:          login,
		Request:        req,
		IdentityClaims: identity,
		ClientClaims:   client,
	}
	if name, ok := extraData(identity)["displayName"].(string); ok {
		c.DisplayName = name
	}
	return c, nil
}

// downstreamLogin runs the login exchange on a fresh downstream connection:
// network settings, login and, when key is set, the encryption handshake.
// It then activates the session.
func downstreamLogin(ctx context.Context, s Session, down *conn.Conn, login *protocol.Login, key *ecdsa.PrivateKey) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultHandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { down.Close() })
	defer stop()

	logger := s.Logger()
	codec := s.Upstream().Codec()
	down.SetCodec(codec)

	if err := down.WritePacketImmediate(&protocol.RequestNetworkSettings{ClientProtocol: codec.Protocol}); err != nil {
		return err
	}

	var leftovers []protocol.Packet
	for {
		pk, err := readDownstream(ctx, down)
		if err != nil {
			return err
		}
		if ns, ok := pk.(*protocol.NetworkSettings); ok {
			if err := down.EnableCompression(ns.CompressionAlgorithm, int(ns.CompressionThreshold)); err != nil {
				return err
			}
			break
		}
		if err := rejection(s, pk); err != nil {
			return err
		}
		leftovers = append(leftovers, pk)
	}

	if err := down.WritePacketImmediate(login); err != nil {
		return err
	}

	if key != nil {
		pk, err := readDownstream(ctx, down)
		if err != nil {
			return err
		}
		if hs, ok := pk.(*protocol.ServerToClientHandshake); ok {
			k, err := DeriveKey(string(hs.JWT), key)
			if err != nil {
				return relayerr.Auth("handshake", err)
			}
			if err := down.EnableEncryption(k); err != nil {
				return err
			}
			if err := down.WritePacketImmediate(&protocol.ClientToServerHandshake{}); err != nil {
				return err
			}
			logger.Debug("downstream encryption enabled")
		} else {
			if err := rejection(s, pk); err != nil {
				return err
			}
			leftovers = append(leftovers, pk)
		}
	}

	return s.Activate(down, leftovers...)
}

func readDownstream(ctx context.Context, down *conn.Conn) (protocol.Packet, error) {
	pk, err := down.ReadPacket()
	if err != nil {
		if ctx.Err() != nil {
			return nil, relayerr.Timeout("downstream login", ctx.Err())
		}
		return nil, err
	}
	return pk, nil
}

// rejection forwards a login failure from the server to the client and
// returns it as an error.
func rejection(s Session, pk protocol.Packet) error {
	switch p := pk.(type) {
	case *protocol.PlayStatus:
		if !p.Failed() {
			return nil
		}
		s.Upstream().WritePacketImmediate(p)
		return relayerr.Auth("downstream login", fmt.Errorf("%w: play status %d", ErrLoginRejected, p.Status))
	case *protocol.Disconnect:
		s.Upstream().WritePacketImmediate(p)
		return relayerr.Auth("downstream login", fmt.Errorf("%w: %s", ErrLoginRejected, p.Message))
	}
	return nil
}

func logAttrs(s Session, mode Mode) []any {
	return []any{logging.KeyAuthMode, string(mode), logging.KeyTarget, s.Target().String()}
}
