// Package relay accepts Bedrock clients and bridges each one to the
// configured server through a Session, running the codec negotiation,
// authentication and listener chain along the way.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/bedrock-relay/internal/auth"
	"github.com/postalsys/bedrock-relay/internal/codec"
	"github.com/postalsys/bedrock-relay/internal/conn"
	"github.com/postalsys/bedrock-relay/internal/connmgr"
	"github.com/postalsys/bedrock-relay/internal/health"
	"github.com/postalsys/bedrock-relay/internal/intercept"
	"github.com/postalsys/bedrock-relay/internal/logging"
	"github.com/postalsys/bedrock-relay/internal/metrics"
	"github.com/postalsys/bedrock-relay/internal/recovery"
	"github.com/postalsys/bedrock-relay/internal/relayerr"
	"github.com/postalsys/bedrock-relay/internal/target"
	"github.com/postalsys/bedrock-relay/internal/transport"
)

// Config contains relay configuration.
type Config struct {
	// ListenAddress is where clients connect (e.g., "0.0.0.0:19132").
	ListenAddress string

	// AdvertisedAddress is sent to clients on transfer. When zero the
	// listener's own address is used.
	AdvertisedAddress target.Address

	// Target is the server sessions connect to.
	Target target.Address

	Transport  transport.Transport
	Negotiator *codec.Negotiator
	Auth       auth.Adapter
	Policy     target.Policy

	// Throttle enforces per-host attempt spacing. Nil disables it.
	Throttle *connmgr.Throttle
	Clock    connmgr.Clock

	// ListenerFactory builds the listeners for each new session.
	ListenerFactory intercept.Factory

	PendingQueueSize int
	FlushInterval    time.Duration
	TransferGrace    time.Duration

	// AcceptRate is new sessions per second allowed from one IP. Zero
	// disables the limit.
	AcceptRate  float64
	AcceptBurst int
	MaxSessions int

	Status StatusConfig

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults. Target, Transport and Auth
// must still be set.
func DefaultConfig() Config {
	return Config{
		ListenAddress:    "0.0.0.0:19132",
		PendingQueueSize: DefaultPendingQueueSize,
		FlushInterval:    50 * time.Millisecond,
		TransferGrace:    time.Second,
		AcceptRate:       2,
		AcceptBurst:      5,
		Status:           DefaultStatusConfig(),
	}
}

// Relay accepts clients and owns their sessions.
type Relay struct {
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	negotiator *codec.Negotiator
	limiter    *acceptLimiter
	serverID   uint64

	mu       sync.Mutex
	target   target.Address
	listener transport.Listener
	sessions map[string]*Session
	ctx      context.Context
	cancel   context.CancelFunc
	started  time.Time

	running       atomic.Bool
	sessionsTotal atomic.Uint64
	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64

	wg sync.WaitGroup
}

// New creates a relay. Zero config fields take defaults.
func New(cfg Config) (*Relay, error) {
	if cfg.Transport == nil {
		return nil, errors.New("relay: transport is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("relay: auth adapter is required")
	}
	if cfg.Target.IsZero() {
		return nil, errors.New("relay: target is required")
	}

	def := DefaultConfig()
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = def.ListenAddress
	}
	if cfg.PendingQueueSize <= 0 {
		cfg.PendingQueueSize = def.PendingQueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.TransferGrace <= 0 {
		cfg.TransferGrace = def.TransferGrace
	}
	if cfg.Status.Edition == "" {
		cfg.Status = def.Status
	}
	if cfg.Policy == nil {
		cfg.Policy = target.StaticPolicy{Profile: target.DefaultProfile()}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}

	logger := logging.OrNop(cfg.Logger).With(logging.KeyComponent, "relay")

	negotiator := cfg.Negotiator
	if negotiator == nil {
		negotiator = codec.NewNegotiator(codec.Config{Logger: logger})
	}

	limiter, err := newAcceptLimiter(cfg.AcceptRate, cfg.AcceptBurst)
	if err != nil {
		return nil, err
	}

	return &Relay{
		cfg:        cfg,
		logger:     logger,
		metrics:    cfg.Metrics,
		negotiator: negotiator,
		limiter:    limiter,
		serverID:   newServerID(),
		target:     cfg.Target,
		sessions:   make(map[string]*Session),
		ctx:        context.Background(),
	}, nil
}

// Start binds the listener and begins accepting clients. Calling Start on
// a running relay does nothing.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return nil
	}

	ln, err := r.cfg.Transport.Listen(r.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.cfg.ListenAddress, err)
	}

	r.listener = ln
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = time.Now()
	r.running.Store(true)
	ln.SetStatus(r.statusLocked().Marshal())

	r.wg.Add(1)
	go r.acceptLoop(ln)

	r.logger.Info("relay listening",
		logging.KeyLocalAddr, ln.Addr().String(),
		logging.KeyTarget, r.target.String(),
		logging.KeyTransport, string(r.cfg.Transport.Type()),
		logging.KeyAuthMode, string(r.cfg.Auth.Mode()))
	if r.cfg.AdvertisedAddress.IsZero() {
		if a, err := target.ParseAddress(r.cfg.ListenAddress); err == nil && unspecifiedHost(a.Host) {
			r.logger.Warn("listening on a wildcard address without advertised_address; transfers redirect to the address each client reached")
		}
	}
	return nil
}

// Stop closes the listener and every session and cancels in-flight
// connects. It is safe to call more than once.
func (r *Relay) Stop() error {
	r.mu.Lock()
	if !r.running.Swap(false) {
		r.mu.Unlock()
		return nil
	}
	r.cancel()
	ln := r.listener
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	err := ln.Close()
	for _, s := range sessions {
		s.closeWith(ReasonShutdown, causeShutdown, true)
	}
	r.wg.Wait()

	r.logger.Info("relay stopped", logging.KeyCount, len(sessions))
	return err
}

// IsRunning reports whether the relay is accepting clients.
func (r *Relay) IsRunning() bool {
	return r.running.Load()
}

// Addr returns the listener address, or nil when stopped.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Target returns the server new sessions connect to.
func (r *Relay) Target() target.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

// SetTarget changes the server for new sessions. Running sessions keep
// their target.
func (r *Relay) SetTarget(addr target.Address) {
	r.mu.Lock()
	prev := r.target
	r.target = addr
	r.mu.Unlock()

	if prev != addr {
		r.logger.Info("target changed", "from", prev.String(), logging.KeyTarget, addr.String())
	}
}

// Sessions returns the running sessions.
func (r *Relay) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// SessionCount returns the number of running sessions.
func (r *Relay) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stats returns relay statistics for health reporting.
func (r *Relay) Stats() health.Stats {
	in, out := r.bytesIn.Load(), r.bytesOut.Load()
	connecting := 0
	sessions := r.Sessions()
	for _, s := range sessions {
		up := s.up.Stats()
		in += up.BytesIn
		out += up.BytesOut
		if s.manager.InFlight() {
			connecting++
		}
	}

	r.mu.Lock()
	started := r.started
	r.mu.Unlock()

	var uptime string
	if r.IsRunning() {
		uptime = time.Since(started).Round(time.Second).String()
	}

	return health.Stats{
		Listen:         r.cfg.ListenAddress,
		Target:         r.Target().String(),
		Transport:      string(r.cfg.Transport.Type()),
		AuthMode:       string(r.cfg.Auth.Mode()),
		Sessions:       len(sessions),
		SessionsTotal:  r.sessionsTotal.Load(),
		ConnectsActive: connecting,
		BytesIn:        humanize.Bytes(in),
		BytesOut:       humanize.Bytes(out),
		Uptime:         uptime,
	}
}

func (r *Relay) acceptLoop(ln transport.Listener) {
	defer r.wg.Done()
	defer recovery.RecoverWithLog(r.logger, "accept loop")

	for {
		tc, err := ln.Accept()
		if err != nil {
			if !r.running.Load() || errors.Is(err, transport.ErrClosed) || errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn("accept failed", logging.KeyError, err)
			continue
		}

		if reason := r.admit(tc.RemoteAddr()); reason != "" {
			r.metrics.AcceptsThrottled.Inc()
			r.logger.Debug("connection refused",
				logging.KeyRemoteAddr, tc.RemoteAddr().String(),
				logging.KeyReason, reason)
			tc.Close()
			continue
		}

		r.mu.Lock()
		ctx, tgt := r.ctx, r.target
		r.mu.Unlock()

		s := newSession(ctx, r, tgt, tc)

		r.mu.Lock()
		if !r.running.Load() {
			r.mu.Unlock()
			s.cancel()
			tc.Close()
			return
		}
		r.sessions[s.id] = s
		r.refreshStatusLocked()
		r.mu.Unlock()

		r.sessionsTotal.Add(1)
		r.metrics.RecordSessionStart()
		s.logger.Info("client connected")
		s.run()
	}
}

func (r *Relay) admit(addr net.Addr) string {
	if r.cfg.MaxSessions > 0 && r.SessionCount() >= r.cfg.MaxSessions {
		return "max sessions reached"
	}
	if !r.limiter.Allow(addr) {
		return "accept rate exceeded"
	}
	return ""
}

func (r *Relay) removeSession(s *Session, cause string) {
	r.mu.Lock()
	_, ok := r.sessions[s.id]
	delete(r.sessions, s.id)
	if ok && r.running.Load() {
		r.refreshStatusLocked()
	}
	r.mu.Unlock()

	if ok {
		r.metrics.RecordSessionEnd(cause)
	}
}

func (r *Relay) recordTraffic(up, down conn.Stats) {
	r.bytesIn.Add(up.BytesIn)
	r.bytesOut.Add(up.BytesOut)
	r.metrics.RecordBytes(directionClient, up.BytesIn)
	r.metrics.RecordBytes(directionServer, down.BytesIn)
}

// connectOutbound runs the connect for s in the background and hands the
// result to establish. It fails at once if s is already connected or
// connecting.
func (r *Relay) connectOutbound(s *Session, establish auth.Establish) error {
	if s.Downstream() != nil {
		return relayerr.Policy("connect outbound", ErrAlreadyConnected)
	}
	if !s.connecting.CompareAndSwap(false, true) {
		return relayerr.Policy("connect outbound", connmgr.ErrAttemptInFlight)
	}

	addr := s.target
	profile := r.cfg.Policy.ProfileFor(addr)
	s.logger.Info("connecting to server",
		logging.KeyTarget, addr.String(),
		"profile", profile.Name)

	go func() {
		defer recovery.RecoverWithCallback(s.logger, "connect outbound", func(any) {
			s.closeWith(ReasonInternal, causeError, true)
		})

		down, err := s.manager.Attempt(s.ctx, addr, profile)
		if err != nil {
			s.fail(err)
			return
		}
		if err := establish(s.ctx, down); err != nil {
			down.Close()
			s.fail(err)
		}
	}()
	return nil
}
