package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/bedrock-relay/internal/auth"
	"github.com/postalsys/bedrock-relay/internal/codec"
	"github.com/postalsys/bedrock-relay/internal/config"
	"github.com/postalsys/bedrock-relay/internal/connmgr"
	"github.com/postalsys/bedrock-relay/internal/health"
	"github.com/postalsys/bedrock-relay/internal/logging"
	"github.com/postalsys/bedrock-relay/internal/metrics"
	"github.com/postalsys/bedrock-relay/internal/protocol"
	"github.com/postalsys/bedrock-relay/internal/relay"
	"github.com/postalsys/bedrock-relay/internal/target"
	"github.com/postalsys/bedrock-relay/internal/transport"
)

// app wires the relay and its supporting servers from a Config.
type app struct {
	logger *slog.Logger
	relay  *relay.Relay
	health *health.Server
	store  io.Closer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logging.NewLogger(cfg.Relay.LogLevel, cfg.Relay.LogFormat)

	tr, err := transport.New(transport.Type(cfg.Relay.Transport))
	if err != nil {
		return nil, err
	}

	tgt, err := target.ParseAddress(cfg.Relay.Target)
	if err != nil {
		return nil, err
	}
	var advertised target.Address
	if cfg.Relay.AdvertisedAddress != "" {
		if advertised, err = target.ParseAddress(cfg.Relay.AdvertisedAddress); err != nil {
			return nil, err
		}
	}

	adapter, err := newAuthAdapter(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}

	store, closer, err := newStateStore(ctx, cfg.Connections)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	rcfg := relay.DefaultConfig()
	rcfg.ListenAddress = cfg.Relay.Listen
	rcfg.AdvertisedAddress = advertised
	rcfg.Target = tgt
	rcfg.Transport = tr
	rcfg.Negotiator = codec.NewNegotiator(codec.Config{
		Table:                codec.DefaultTable(),
		CompressionAlgorithm: compressionAlgorithm(cfg.Codec.Compression),
		CompressionThreshold: uint16(cfg.Codec.CompressionThreshold),
		RejectUnsupported:    cfg.Codec.RejectUnsupported,
		Logger:               logger,
	})
	rcfg.Auth = adapter
	rcfg.Policy = cfg.Connections.Policy()
	rcfg.Throttle = connmgr.NewThrottle(store, nil, logger)
	rcfg.PendingQueueSize = cfg.Limits.PendingQueueSize
	rcfg.FlushInterval = cfg.Limits.FlushInterval
	rcfg.TransferGrace = cfg.Limits.TransferGrace
	rcfg.AcceptRate = cfg.Limits.AcceptRate
	rcfg.AcceptBurst = cfg.Limits.AcceptBurst
	rcfg.MaxSessions = cfg.Limits.MaxSessions
	rcfg.Status.MOTD = cfg.Relay.MOTD
	rcfg.Status.SubMOTD = cfg.Relay.SubMOTD
	rcfg.Status.MaxPlayers = cfg.Relay.MaxPlayers
	rcfg.Status.GameMode = cfg.Relay.GameMode
	rcfg.Logger = logger
	rcfg.Metrics = m

	r, err := relay.New(rcfg)
	if err != nil {
		closeQuietly(closer)
		return nil, err
	}

	a := &app{logger: logger, relay: r, store: closer}

	if cfg.Health.Enabled {
		a.health = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     reg,
			EnablePprof:  cfg.Health.Pprof,
			Logger:       logger,
		}, r)
	}

	return a, nil
}

// Start starts the relay and, when configured, the health server.
func (a *app) Start(ctx context.Context) error {
	if err := a.relay.Start(ctx); err != nil {
		return err
	}
	if a.health != nil {
		if err := a.health.Start(); err != nil {
			a.relay.Stop()
			return fmt.Errorf("health server: %w", err)
		}
	}
	return nil
}

// Stop disconnects every session and stops the servers.
func (a *app) Stop() error {
	if a.health != nil {
		if err := a.health.Stop(); err != nil {
			a.logger.Warn("health server stop failed", logging.KeyError, err)
		}
	}
	return a.relay.Stop()
}

// Close releases the state store.
func (a *app) Close() {
	closeQuietly(a.store)
}

func newAuthAdapter(cfg config.AuthConfig, logger *slog.Logger) (auth.Adapter, error) {
	mode, err := auth.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	switch mode {
	case auth.ModeOnline:
		return auth.NewOnline(auth.OnlineConfig{
			Provider: auth.NewFileIdentityProvider(cfg.IdentityFile),
			Logger:   logger,
		}), nil
	case auth.ModeOffline:
		return auth.NewOffline(auth.OfflineConfig{
			DisplayName: cfg.DisplayName,
			Logger:      logger,
		})
	default:
		return auth.NewPassthrough(logger), nil
	}
}

func newStateStore(ctx context.Context, cfg config.ConnectionsConfig) (connmgr.StateStore, io.Closer, error) {
	if cfg.StateStore == "redis" {
		s, err := connmgr.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}

	s, err := connmgr.NewMemoryStore(cfg.StoreSize)
	if err != nil {
		return nil, nil, err
	}
	return s, nil, nil
}

func compressionAlgorithm(name string) uint16 {
	if name == "snappy" {
		return protocol.CompressionSnappy
	}
	return protocol.CompressionFlate
}

func closeQuietly(c io.Closer) {
	if c != nil {
		c.Close()
	}
}
