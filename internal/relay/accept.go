package relay

import (
	"fmt"
	"net"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// acceptLimiterSize bounds how many source IPs are tracked at once.
const acceptLimiterSize = 8192

// acceptLimiter applies a token bucket per source IP. A nil limiter allows
// everything.
type acceptLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]
}

func newAcceptLimiter(perSecond float64, burst int) (*acceptLimiter, error) {
	if perSecond <= 0 {
		return nil, nil
	}
	if burst < 1 {
		burst = 1
	}
	cache, err := lru.New[string, *rate.Limiter](acceptLimiterSize)
	if err != nil {
		return nil, fmt.Errorf("accept limiter: %w", err)
	}
	return &acceptLimiter{limit: rate.Limit(perSecond), burst: burst, limiters: cache}, nil
}

// Allow reports whether a new connection from addr may proceed.
func (a *acceptLimiter) Allow(addr net.Addr) bool {
	if a == nil {
		return true
	}
	host := hostOf(addr)
	l, ok := a.limiters.Get(host)
	if !ok {
		l = rate.NewLimiter(a.limit, a.burst)
		a.limiters.Add(host, l)
	}
	return l.Allow()
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
