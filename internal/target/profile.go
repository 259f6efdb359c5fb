package target

import (
	"math"
	"time"
)

// Profile is an immutable set of resilience parameters for outbound connects.
type Profile struct {
	Name string

	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// ConnectTimeout bounds a single dial.
	ConnectTimeout time.Duration
	// SessionTimeout is the watchdog for one attempt; exceeding it cancels the dial.
	SessionTimeout time.Duration

	// MinInterval is the minimum time between attempt sequences to one host.
	MinInterval time.Duration
	// FixedDelay is waited once before the first attempt.
	FixedDelay time.Duration

	RateLimitWindow time.Duration
	RateLimitCount  int
}

// DefaultProfile returns the profile used for ordinary hosts.
func DefaultProfile() Profile {
	return Profile{
		Name:              "default",
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		ConnectTimeout:    10 * time.Second,
		SessionTimeout:    15 * time.Second,
		MinInterval:       0,
		RateLimitWindow:   time.Minute,
		RateLimitCount:    20,
	}
}

// ProtectedProfile returns a conservative profile for hosts that rate-limit
// or filter aggressively.
func ProtectedProfile() Profile {
	return Profile{
		Name:              "protected",
		MaxAttempts:       10,
		InitialDelay:      2 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 1.5,
		ConnectTimeout:    15 * time.Second,
		SessionTimeout:    20 * time.Second,
		MinInterval:       3 * time.Second,
		FixedDelay:        time.Second,
		RateLimitWindow:   time.Minute,
		RateLimitCount:    3,
	}
}

// Delay returns the retry delay after the attempt with the given 0-based
// index: min(InitialDelay * BackoffMultiplier^attempt, MaxDelay).
func (p Profile) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
