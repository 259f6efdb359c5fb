package codec

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/postalsys/bedrock-relay/internal/logging"
	"github.com/postalsys/bedrock-relay/internal/protocol"
	"github.com/postalsys/bedrock-relay/internal/relayerr"
)

// ErrUnsupportedVersion is returned when a client is older than every
// supported protocol and the negotiator is set to reject it.
var ErrUnsupportedVersion = errors.New("unsupported protocol version")

// DefaultCompressionThreshold is the smallest batch worth compressing.
const DefaultCompressionThreshold = 256

// Upstream is the client-facing connection the negotiator configures.
type Upstream interface {
	SetCodec(c protocol.Codec)
	WritePacketImmediate(pk protocol.Packet) error
	EnableCompression(algorithm uint16, threshold int) error
}

// Config configures a Negotiator.
type Config struct {
	Table                *Table
	Definitions          DefinitionsProvider
	CompressionAlgorithm uint16
	CompressionThreshold uint16

	// RejectUnsupported answers clients older than the table with a failed
	// login status instead of serving them the default codec.
	RejectUnsupported bool

	Logger *slog.Logger
}

// Result is the outcome of a successful negotiation.
type Result struct {
	Codec       protocol.Codec
	Definitions Definitions
	// Fallback is set when the client was older than every table entry.
	Fallback bool
}

// Negotiator answers RequestNetworkSettings.
type Negotiator struct {
	cfg    Config
	logger *slog.Logger
}

// NewNegotiator creates a negotiator. Zero fields take defaults.
func NewNegotiator(cfg Config) *Negotiator {
	if cfg.Table == nil {
		cfg.Table = DefaultTable()
	}
	if cfg.Definitions == nil {
		cfg.Definitions = EmptyDefinitions{}
	}
	if cfg.CompressionThreshold == 0 {
		cfg.CompressionThreshold = DefaultCompressionThreshold
	}
	return &Negotiator{cfg: cfg, logger: logging.OrNop(cfg.Logger)}
}

// Table returns the negotiator's codec table.
func (n *Negotiator) Table() *Table { return n.cfg.Table }

// Negotiate selects the codec for the announced protocol, installs it on
// up, replies with NetworkSettings and enables compression.
func (n *Negotiator) Negotiate(up Upstream, req *protocol.RequestNetworkSettings) (Result, error) {
	v := req.ClientProtocol
	codec, ok := n.cfg.Table.Codec(v)
	if !ok && n.cfg.RejectUnsupported {
		n.logger.Info("rejecting unsupported client version",
			logging.KeyProtocol, v,
			"oldest", n.cfg.Table.Oldest())
		if err := up.WritePacketImmediate(&protocol.PlayStatus{Status: protocol.PlayStatusLoginFailedClient}); err != nil {
			n.logger.Debug("failed to send play status", logging.KeyError, err)
		}
		return Result{}, relayerr.Protocol("negotiate", fmt.Errorf("%w: %d", ErrUnsupportedVersion, v))
	}
	if !ok {
		n.logger.Warn("client older than codec table, using default codec",
			logging.KeyProtocol, v,
			"codec", codec.GameVersion)
	}

	defs, err := n.cfg.Definitions.Definitions(codec)
	if err != nil {
		return Result{}, relayerr.Protocol("negotiate", fmt.Errorf("load definitions for %s: %w", codec.GameVersion, err))
	}

	up.SetCodec(codec)
	settings := &protocol.NetworkSettings{
		CompressionThreshold: n.cfg.CompressionThreshold,
		CompressionAlgorithm: n.cfg.CompressionAlgorithm,
	}
	if err := up.WritePacketImmediate(settings); err != nil {
		return Result{}, err
	}
	if err := up.EnableCompression(n.cfg.CompressionAlgorithm, int(n.cfg.CompressionThreshold)); err != nil {
		return Result{}, err
	}

	n.logger.Debug("codec negotiated",
		logging.KeyProtocol, v,
		"codec", codec.String())
	return Result{Codec: codec, Definitions: defs, Fallback: !ok}, nil
}
