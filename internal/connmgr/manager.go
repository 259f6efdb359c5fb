// Package connmgr establishes outbound connections under a resilience
// profile: per-host throttling, a sliding-window rate limit, retries with
// exponential backoff and a per-attempt watchdog.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/bedrock-relay/internal/conn"
	"github.com/postalsys/bedrock-relay/internal/logging"
	"github.com/postalsys/bedrock-relay/internal/protocol"
	"github.com/postalsys/bedrock-relay/internal/relayerr"
	"github.com/postalsys/bedrock-relay/internal/target"
	"github.com/postalsys/bedrock-relay/internal/transport"
)

var (
	// ErrAttemptInFlight is returned when Attempt is called while another
	// attempt sequence of the same manager is running.
	ErrAttemptInFlight = errors.New("connect attempt already in progress")

	// ErrWatchdog is returned when an attempt exceeds its session timeout.
	ErrWatchdog = errors.New("connect watchdog expired")

	// ErrManagerClosed is returned once Cleanup has been called.
	ErrManagerClosed = errors.New("connection manager closed")
)

// Attempt outcomes reported to Hooks.OnAttempt.
const (
	OutcomeSuccess   = "success"
	OutcomeRetry     = "retry"
	OutcomeTerminal  = "terminal"
	OutcomeExhausted = "exhausted"
)

// Hooks receive manager events for metrics.
type Hooks struct {
	OnAttempt func(outcome string)
	OnBackoff func(d time.Duration)
	OnWait    func(d time.Duration)
}

// Config configures a Manager.
type Config struct {
	Transport transport.Transport
	Throttle  *Throttle
	Clock     Clock
	Logger    *slog.Logger
	Hooks     Hooks
}

// Manager owns the outbound connect of one session.
type Manager struct {
	transport transport.Transport
	throttle  *Throttle
	clock     Clock
	logger    *slog.Logger
	hooks     Hooks

	inFlight atomic.Bool

	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	touched map[string]struct{}
}

// NewManager creates a manager. A nil Throttle disables throttling and
// rate limiting.
func NewManager(cfg Config) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	return &Manager{
		transport: cfg.Transport,
		throttle:  cfg.Throttle,
		clock:     clock,
		logger:    logging.OrNop(cfg.Logger),
		hooks:     cfg.Hooks,
		touched:   make(map[string]struct{}),
	}
}

// InFlight reports whether an attempt sequence is running.
func (m *Manager) InFlight() bool {
	return m.inFlight.Load()
}

// Attempt connects to addr under p. The returned connection has no codec
// installed yet. A call while another is in flight fails at once with
// ErrAttemptInFlight.
func (m *Manager) Attempt(ctx context.Context, addr target.Address, p target.Profile) (*conn.Conn, error) {
	if !m.inFlight.CompareAndSwap(false, true) {
		return nil, relayerr.Policy("connect", ErrAttemptInFlight)
	}
	defer m.inFlight.Store(false)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, relayerr.Policy("connect", ErrManagerClosed)
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.touched[addr.Host] = struct{}{}
	m.mu.Unlock()
	defer cancel()

	logger := m.logger.With(logging.KeyTarget, addr.String(), "profile", p.Name)

	if m.throttle != nil {
		waited, err := m.throttle.Wait(ctx, addr.Host, p)
		if waited > 0 && m.hooks.OnWait != nil {
			m.hooks.OnWait(waited)
		}
		if err != nil {
			return nil, relayerr.Timeout("connect throttle", err)
		}
	}
	if p.FixedDelay > 0 {
		if err := sleep(ctx, m.clock, p.FixedDelay); err != nil {
			return nil, relayerr.Timeout("connect delay", err)
		}
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	made := 0
	for i := 0; i < attempts; i++ {
		if i > 0 {
			d := p.Delay(i - 1)
			if m.hooks.OnBackoff != nil {
				m.hooks.OnBackoff(d)
			}
			logger.Debug("backing off before retry", logging.KeyAttempt, i+1, logging.KeyDelay, d)
			if err := sleep(ctx, m.clock, d); err != nil {
				lastErr = err
				break
			}
		}

		made++
		tc, err := m.dialOnce(ctx, addr, p)
		if err == nil {
			return m.handover(tc, logger, made)
		}
		lastErr = err

		if !relayerr.Retryable(err) || ctx.Err() != nil {
			m.report(OutcomeTerminal)
			logger.Warn("connect attempt failed, not retrying",
				logging.KeyAttempt, made,
				logging.KeyError, err)
			break
		}
		if i == attempts-1 {
			m.report(OutcomeExhausted)
			logger.Warn("connect attempts exhausted",
				logging.KeyAttempt, made,
				logging.KeyError, err)
			break
		}
		m.report(OutcomeRetry)
		logger.Info("connect attempt failed",
			logging.KeyAttempt, made,
			"max_attempts", attempts,
			logging.KeyError, err)
	}

	err := fmt.Errorf("connect to %s failed after %d attempts: %w", addr, made, lastErr)
	if relayerr.KindOf(lastErr) == relayerr.KindUnknown {
		err = relayerr.Timeout("connect", err)
	}
	return nil, err
}

func (m *Manager) report(outcome string) {
	if m.hooks.OnAttempt != nil {
		m.hooks.OnAttempt(outcome)
	}
}

func (m *Manager) handover(tc transport.Conn, logger *slog.Logger, attempt int) (*conn.Conn, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		tc.Close()
		return nil, relayerr.Policy("connect", ErrManagerClosed)
	}
	m.report(OutcomeSuccess)
	logger.Info("connected to server", logging.KeyAttempt, attempt)
	return conn.New(tc, protocol.Codec{}), nil
}

type dialResult struct {
	conn transport.Conn
	err  error
}

// dialOnce runs one transport dial bounded by the connect timeout and the
// session watchdog. A connection that completes after the watchdog fired
// is closed.
func (m *Manager) dialOnce(ctx context.Context, addr target.Address, p target.Profile) (transport.Conn, error) {
	var (
		dctx   context.Context
		cancel context.CancelFunc
	)
	if p.ConnectTimeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, p.ConnectTimeout)
	} else {
		dctx, cancel = context.WithCancel(ctx)
	}

	ch := make(chan dialResult, 1)
	go func() {
		c, err := m.transport.Dial(dctx, addr.String())
		ch <- dialResult{c, err}
	}()

	var watchdog <-chan time.Time
	if p.SessionTimeout > 0 {
		timer := time.NewTimer(p.SessionTimeout)
		defer timer.Stop()
		watchdog = timer.C
	}

	abandon := func() {
		cancel()
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
	}

	select {
	case r := <-ch:
		cancel()
		return r.conn, r.err
	case <-watchdog:
		abandon()
		return nil, relayerr.Timeout("connect", ErrWatchdog)
	case <-ctx.Done():
		abandon()
		return nil, relayerr.Timeout("connect", ctx.Err())
	}
}

// Cleanup cancels any running attempt and forgets the throttle counters of
// every host this manager connected to. It is safe to call repeatedly.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	hosts := make([]string, 0, len(m.touched))
	for h := range m.touched {
		hosts = append(hosts, h)
	}
	m.touched = make(map[string]struct{})
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if m.throttle == nil {
		return
	}
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	for _, h := range hosts {
		if err := m.throttle.Reset(ctx, h); err != nil {
			m.logger.Debug("failed to reset attempt state", logging.KeyHost, h, logging.KeyError, err)
		}
	}
}
