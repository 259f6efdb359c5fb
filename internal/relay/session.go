package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/postalsys/bedrock-relay/internal/auth"
	"github.com/postalsys/bedrock-relay/internal/codec"
	"github.com/postalsys/bedrock-relay/internal/conn"
	"github.com/postalsys/bedrock-relay/internal/connmgr"
	"github.com/postalsys/bedrock-relay/internal/intercept"
	"github.com/postalsys/bedrock-relay/internal/logging"
	"github.com/postalsys/bedrock-relay/internal/protocol"
	"github.com/postalsys/bedrock-relay/internal/recovery"
	"github.com/postalsys/bedrock-relay/internal/relayerr"
	"github.com/postalsys/bedrock-relay/internal/target"
	"github.com/postalsys/bedrock-relay/internal/transport"
)

var (
	// ErrSessionInvalidated is returned by sends on a session that has been
	// handed off by a server transfer.
	ErrSessionInvalidated = errors.New("session invalidated")

	// ErrSessionClosed is returned by sends on a disconnected session.
	ErrSessionClosed = errors.New("session closed")

	// ErrAlreadyConnected is returned when a session already has a server
	// connection.
	ErrAlreadyConnected = errors.New("session already connected to server")
)

// Disconnect reasons shown to clients and listeners.
const (
	ReasonClientClosed = "client disconnected"
	ReasonServerClosed = "server closed the connection"
	ReasonShutdown     = "relay shutting down"
	ReasonInternal     = "internal relay error"
	ReasonExpired      = "session expired and could not be refreshed"
)

// Session end causes, used as metric labels.
const (
	causeClient   = "client"
	causeServer   = "server"
	causeError    = "error"
	causeShutdown = "shutdown"
	causeTransfer = "transfer"
	causeKick     = "kick"
)

const (
	directionClient = "client"
	directionServer = "server"
)

// Session bridges one client (upstream) to one server (downstream).
type Session struct {
	id      string
	relay   *Relay
	target  target.Address
	up      *conn.Conn
	down    atomic.Pointer[conn.Conn]
	queue   *PendingQueue
	chain   *intercept.Chain
	manager *connmgr.Manager
	logger  *slog.Logger

	authCtx     atomic.Pointer[auth.Context]
	negotiated  atomic.Bool
	loggedIn    atomic.Bool
	connecting  atomic.Bool
	invalidated atomic.Bool

	mu      sync.Mutex
	defs    codec.Definitions
	loginAt time.Time
	reason  string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
	started   time.Time
}

var (
	_ auth.Session      = (*Session)(nil)
	_ intercept.Session = (*Session)(nil)
)

func newSession(parent context.Context, r *Relay, tgt target.Address, tc transport.Conn) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	logger := r.logger.With(
		logging.KeySessionID, id,
		logging.KeyRemoteAddr, tc.RemoteAddr().String(),
	)

	s := &Session{
		id:      id,
		relay:   r,
		target:  tgt,
		up:      conn.New(tc, protocol.Codec{}),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}

	m := r.metrics
	s.queue = NewPendingQueue(r.cfg.PendingQueueSize, func(pk protocol.Packet) {
		m.PendingDropped.Inc()
		logger.Debug("pending queue full, dropping packet",
			logging.KeyPacketID, protocol.Name(pk.ID()))
	})
	s.chain = intercept.NewChain(logger, intercept.Hooks{
		OnSwallow: func(dir intercept.Direction, _ uint32) { m.RecordSwallowed(dir.String()) },
		OnFault:   m.RecordListenerFault,
	})
	s.manager = connmgr.NewManager(connmgr.Config{
		Transport: r.cfg.Transport,
		Throttle:  r.cfg.Throttle,
		Clock:     r.cfg.Clock,
		Logger:    logger,
		Hooks: connmgr.Hooks{
			OnAttempt: m.RecordConnectAttempt,
			OnBackoff: m.RecordBackoff,
			OnWait:    m.RecordWait,
		},
	})
	if r.cfg.ListenerFactory != nil {
		s.chain.Add(r.cfg.ListenerFactory(s)...)
	}
	return s
}

func (s *Session) run() {
	s.chain.OnSessionStart(s)
	go s.flushLoop()
	go s.readUpstream()
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Upstream returns the client connection.
func (s *Session) Upstream() *conn.Conn { return s.up }

// Downstream returns the server connection, or nil before it is ready.
func (s *Session) Downstream() *conn.Conn { return s.down.Load() }

// Target returns the server this session connects to.
func (s *Session) Target() target.Address { return s.target }

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// RemoteAddr returns the client's address.
func (s *Session) RemoteAddr() net.Addr { return s.up.RemoteAddr() }

// SetAuthContext records the captured login.
func (s *Session) SetAuthContext(c *auth.Context) { s.authCtx.Store(c) }

// AuthContext returns the captured login, or nil before login.
func (s *Session) AuthContext() *auth.Context { return s.authCtx.Load() }

// Definitions returns the block and item palettes resolved for the client.
func (s *Session) Definitions() codec.Definitions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defs
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns why the session ended. It is empty while running.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Invalidated reports whether the session was handed off by a transfer.
func (s *Session) Invalidated() bool { return s.invalidated.Load() }

// SendToClient buffers pk for the client.
func (s *Session) SendToClient(pk protocol.Packet) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.up.WritePacket(pk)
}

// SendToClientImmediate sends pk to the client without waiting for the
// next flush.
func (s *Session) SendToClientImmediate(pk protocol.Packet) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.up.WritePacketImmediate(pk)
}

// SendToServer buffers pk for the server. Before the server connection is
// ready the packet is queued.
func (s *Session) SendToServer(pk protocol.Packet) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.queue.Send(pk, false)
}

// SendToServerImmediate sends pk to the server without waiting for the
// next flush. Before the server connection is ready the packet is queued
// and sent immediately on activation.
func (s *Session) SendToServerImmediate(pk protocol.Packet) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.queue.Send(pk, true)
}

func (s *Session) usable() error {
	if s.invalidated.Load() {
		return ErrSessionInvalidated
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
		return nil
	}
}

// ConnectOutbound starts connecting to the session's target.
func (s *Session) ConnectOutbound(establish auth.Establish) error {
	return s.relay.connectOutbound(s, establish)
}

// Activate installs the ready server connection, replays leftovers to the
// client and drains the pending queue.
func (s *Session) Activate(down *conn.Conn, leftovers ...protocol.Packet) error {
	if err := s.usable(); err != nil {
		down.Close()
		return err
	}
	if !s.down.CompareAndSwap(nil, down) {
		down.Close()
		return relayerr.Policy("activate", ErrAlreadyConnected)
	}

	for _, pk := range leftovers {
		if _, err := s.chain.Handle(s, intercept.FromServer, pk, s.SendToClient); err != nil {
			return err
		}
	}
	if err := s.queue.Activate(down); err != nil {
		return err
	}
	if err := down.Flush(); err != nil {
		return err
	}

	go s.readDownstream(down)

	// A disconnect racing with activation may have missed this connection.
	select {
	case <-s.done:
		down.Close()
		return ErrSessionClosed
	default:
	}

	s.mu.Lock()
	loginAt := s.loginAt
	s.mu.Unlock()
	if !loginAt.IsZero() {
		s.relay.metrics.RecordConnectLatency(time.Since(loginAt))
	}
	s.logger.Info("session established",
		logging.KeyTarget, s.target.String(),
		logging.KeyLocalAddr, down.LocalAddr().String())
	return nil
}

// Disconnect ends the session and shows reason to the client.
func (s *Session) Disconnect(reason string) {
	s.closeWith(reason, causeKick, true)
}

func (s *Session) readUpstream() {
	defer recovery.RecoverWithCallback(s.logger, "upstream reader", func(any) {
		s.closeWith(ReasonInternal, causeError, true)
	})

	for {
		pk, err := s.up.ReadPacket()
		if err != nil {
			if relayerr.KindOf(err) == relayerr.KindProtocol {
				s.fail(err)
			} else {
				s.closeWith(ReasonClientClosed, causeClient, false)
			}
			return
		}
		s.relay.metrics.RecordPacket(directionClient)

		if err := s.handleClientPacket(pk); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Session) handleClientPacket(pk protocol.Packet) error {
	switch pk := pk.(type) {
	case *protocol.RequestNetworkSettings:
		s.chain.Observe(s, intercept.FromClient, pk)
		if s.negotiated.Swap(true) {
			return relayerr.Protocol("network settings", errors.New("duplicate request"))
		}
		res, err := s.relay.negotiator.Negotiate(s.up, pk)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.defs = res.Definitions
		s.mu.Unlock()
		s.relay.metrics.RecordCodec(res.Codec.GameVersion)
		return nil

	case *protocol.Login:
		s.chain.Observe(s, intercept.FromClient, pk)
		if !s.negotiated.Load() {
			return relayerr.Protocol("login", errors.New("login before network settings"))
		}
		if s.loggedIn.Swap(true) {
			return relayerr.Protocol("login", errors.New("duplicate login"))
		}
		s.mu.Lock()
		s.loginAt = time.Now()
		s.mu.Unlock()
		return s.relay.cfg.Auth.HandleLogin(s.ctx, s, pk)
	}

	_, err := s.chain.Handle(s, intercept.FromClient, pk, s.SendToServer)
	if errors.Is(err, ErrSessionInvalidated) {
		return nil
	}
	return err
}

func (s *Session) readDownstream(down *conn.Conn) {
	defer recovery.RecoverWithCallback(s.logger, "downstream reader", func(any) {
		s.closeWith(ReasonInternal, causeError, true)
	})

	for {
		pk, err := down.ReadPacket()
		if err != nil {
			if s.invalidated.Load() {
				return
			}
			if relayerr.KindOf(err) == relayerr.KindProtocol {
				s.fail(err)
			} else {
				s.closeWith(ReasonServerClosed, causeServer, true)
			}
			return
		}
		s.relay.metrics.RecordPacket(directionServer)

		switch pk := pk.(type) {
		case *protocol.Transfer:
			s.chain.Observe(s, intercept.FromServer, pk)
			s.relay.handleTransfer(s, pk)
			return
		case *protocol.Disconnect:
			s.chain.Handle(s, intercept.FromServer, pk, s.SendToClient)
			reason := pk.Message
			if reason == "" {
				reason = ReasonServerClosed
			}
			s.closeWith(reason, causeServer, false)
			return
		}

		if _, err := s.chain.Handle(s, intercept.FromServer, pk, s.SendToClient); err != nil {
			if !errors.Is(err, ErrSessionInvalidated) {
				s.fail(err)
			}
			return
		}
	}
}

func (s *Session) flushLoop() {
	ticker := time.NewTicker(s.relay.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.up.Flush(); err != nil && !s.up.Closed() {
				s.fail(err)
				return
			}
			if down := s.down.Load(); down != nil {
				if err := down.Flush(); err != nil && !down.Closed() {
					s.fail(err)
					return
				}
			}
		}
	}
}

// fail disconnects the session with a reason derived from err.
func (s *Session) fail(err error) {
	if errors.Is(err, ErrSessionInvalidated) || errors.Is(err, ErrSessionClosed) {
		return
	}
	kind := relayerr.KindOf(err)
	if kind == relayerr.KindAuth {
		s.relay.metrics.RecordAuthFailure(string(s.relay.cfg.Auth.Mode()))
	}
	s.logger.Warn("session failed", "kind", kind.String(), logging.KeyError, err)
	s.closeWith(disconnectReason(err), causeError, true)
}

func disconnectReason(err error) string {
	if errors.Is(err, auth.ErrSessionExpired) {
		return ReasonExpired
	}
	return err.Error()
}

func (s *Session) closeWith(reason, cause string, notifyClient bool) {
	s.teardown(reason, cause, func() {
		if notifyClient {
			s.up.WritePacket(&protocol.Disconnect{Message: reason})
		}
		s.up.Flush()
		s.up.Close()
	})
}

// invalidate ends the session after a transfer. The client connection
// stays open for grace so the transfer packet reaches the client.
func (s *Session) invalidate(reason string, grace time.Duration) {
	s.invalidated.Store(true)
	s.teardown(reason, causeTransfer, func() {
		s.up.Flush()
		time.AfterFunc(grace, func() { s.up.Close() })
	})
}

func (s *Session) teardown(reason, cause string, closeUpstream func()) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()

		s.cancel()
		closeUpstream()
		if down := s.down.Load(); down != nil {
			down.Flush()
			down.Close()
		}
		close(s.done)

		s.chain.OnDisconnect(s, reason)
		s.manager.Cleanup()
		s.relay.removeSession(s, cause)
		s.logSummary(reason)
	})
}

func (s *Session) logSummary(reason string) {
	up := s.up.Stats()
	var down conn.Stats
	if d := s.down.Load(); d != nil {
		down = d.Stats()
	}
	s.relay.recordTraffic(up, down)

	s.logger.Info("session closed",
		logging.KeyReason, reason,
		logging.KeyDuration, time.Since(s.started).Round(time.Millisecond),
		"client_packets", humanize.Comma(int64(up.PacketsIn)),
		"client_bytes", humanize.Bytes(up.BytesIn),
		"server_packets", humanize.Comma(int64(down.PacketsIn)),
		"server_bytes", humanize.Bytes(down.BytesIn),
	)
}
