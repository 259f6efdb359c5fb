package connmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/bedrock-relay/internal/logging"
	"github.com/postalsys/bedrock-relay/internal/target"
)

// Throttle enforces per-hostname minimum spacing and a sliding-window rate
// limit on outbound attempt sequences. It is shared by every session of a
// relay; a host's counters are only mutated while its lock is held.
type Throttle struct {
	store  StateStore
	clock  Clock
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*hostLock
}

// hostLock serializes Wait per host. refs counts holders and waiters; the
// entry is dropped when it reaches zero.
type hostLock struct {
	ch   chan struct{}
	refs int
}

// NewThrottle creates a throttle over store.
func NewThrottle(store StateStore, clock Clock, logger *slog.Logger) *Throttle {
	if clock == nil {
		clock = SystemClock()
	}
	return &Throttle{
		store:  store,
		clock:  clock,
		logger: logging.OrNop(logger),
		locks:  make(map[string]*hostLock),
	}
}

func (t *Throttle) lock(ctx context.Context, host string) (func(), error) {
	t.mu.Lock()
	hl, ok := t.locks[host]
	if !ok {
		hl = &hostLock{ch: make(chan struct{}, 1)}
		t.locks[host] = hl
	}
	hl.refs++
	t.mu.Unlock()

	select {
	case hl.ch <- struct{}{}:
		return func() {
			<-hl.ch
			t.release(host, hl)
		}, nil
	case <-ctx.Done():
		t.release(host, hl)
		return nil, ctx.Err()
	}
}

func (t *Throttle) release(host string, hl *hostLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hl.refs--
	if hl.refs == 0 && t.locks[host] == hl {
		delete(t.locks, host)
	}
}

// trackedHosts returns how many hosts currently have a lock entry.
func (t *Throttle) trackedHosts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// Wait blocks until p allows another attempt sequence to host, then records
// it. It returns the total time waited.
func (t *Throttle) Wait(ctx context.Context, host string, p target.Profile) (time.Duration, error) {
	unlock, err := t.lock(ctx, host)
	if err != nil {
		return 0, err
	}
	defer unlock()

	st, found, err := t.store.Get(ctx, host)
	if err != nil {
		// A broken store must not block connects; treat the host as fresh.
		t.logger.Warn("attempt state unavailable", logging.KeyHost, host, logging.KeyError, err)
		found = false
	}

	start := t.clock.Now()
	now := start

	if found && p.MinInterval > 0 {
		if elapsed := now.Sub(st.LastAttempt); elapsed < p.MinInterval {
			wait := p.MinInterval - elapsed
			t.logger.Debug("throttling attempt", logging.KeyHost, host, logging.KeyDelay, wait)
			if err := sleep(ctx, t.clock, wait); err != nil {
				return t.clock.Now().Sub(start), err
			}
			now = t.clock.Now()
		}
	}

	if p.RateLimitCount > 0 && p.RateLimitWindow > 0 {
		if !found || !now.Before(st.WindowReset) {
			st.WindowAttempts = 0
			st.WindowReset = now.Add(p.RateLimitWindow)
		}
		if st.WindowAttempts >= p.RateLimitCount {
			wait := st.WindowReset.Sub(now)
			t.logger.Info("rate limit reached, waiting for window reset",
				logging.KeyHost, host,
				logging.KeyCount, st.WindowAttempts,
				logging.KeyDelay, wait)
			if err := sleep(ctx, t.clock, wait); err != nil {
				return t.clock.Now().Sub(start), err
			}
			now = t.clock.Now()
			st.WindowAttempts = 0
			st.WindowReset = now.Add(p.RateLimitWindow)
		}
		st.WindowAttempts++
	}

	st.LastAttempt = now
	if err := t.store.Put(ctx, host, st, stateTTL(p)); err != nil {
		t.logger.Warn("failed to record attempt state", logging.KeyHost, host, logging.KeyError, err)
	}
	return now.Sub(start), nil
}

// State returns the recorded state for host.
func (t *Throttle) State(ctx context.Context, host string) (AttemptState, bool, error) {
	return t.store.Get(ctx, host)
}

// Reset forgets the counters for host.
func (t *Throttle) Reset(ctx context.Context, host string) error {
	return t.store.Delete(ctx, host)
}

func stateTTL(p target.Profile) time.Duration {
	ttl := p.RateLimitWindow
	if p.MinInterval > ttl {
		ttl = p.MinInterval
	}
	if ttl <= 0 {
		return time.Minute
	}
	return 2 * ttl
}
