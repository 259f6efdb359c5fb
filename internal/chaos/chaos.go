// Package chaos provides fault injection for exercising the relay's
// connect, retry and teardown paths.
package chaos

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrInjected is returned by operations failed on purpose.
var ErrInjected = errors.New("chaos: injected fault")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDisconnect drops an established connection.
	FaultDisconnect FaultType = iota
	// FaultDelay adds latency to operations.
	FaultDelay
	// FaultPanic causes a panic in the calling goroutine.
	FaultPanic
	// FaultError causes an operation to return an error.
	FaultError
)

func (t FaultType) String() string {
	switch t {
	case FaultDisconnect:
		return "disconnect"
	case FaultDelay:
		return "delay"
	case FaultPanic:
		return "panic"
	case FaultError:
		return "error"
	default:
		return "none"
	}
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration

	// Limit caps how often this fault fires. Zero means unlimited.
	Limit int
}

// FaultInjector decides when faults fire.
type FaultInjector struct {
	mu        sync.Mutex
	configs   []FaultConfig
	fired     []int
	enabled   bool
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewFaultInjectorWithSeed(time.Now().UnixNano(), configs...)
}

// NewFaultInjectorWithSeed creates an injector with a deterministic source.
func NewFaultInjectorWithSeed(seed int64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		fired:     make([]int, len(configs)),
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// maybe rolls every config of the given types in order and returns the
// first that fires.
func (f *FaultInjector) maybe(types ...FaultType) (FaultConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return FaultConfig{}, false
	}

	for i, cfg := range f.configs {
		if !hasType(types, cfg.Type) {
			continue
		}
		if cfg.Limit > 0 && f.fired[i] >= cfg.Limit {
			continue
		}
		if f.rng.Float64() >= cfg.Probability {
			continue
		}
		f.fired[i]++
		f.faultHits[cfg.Type]++
		return cfg, true
	}
	return FaultConfig{}, false
}

func hasType(types []FaultType, t FaultType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// MaybeInject checks the non-delay faults and returns the one to inject,
// or -1 when none fires.
func (f *FaultInjector) MaybeInject() FaultType {
	cfg, ok := f.maybe(FaultDisconnect, FaultPanic, FaultError)
	if !ok {
		return -1
	}
	return cfg.Type
}

// MaybeDisconnect returns true if a disconnect fault should be injected.
func (f *FaultInjector) MaybeDisconnect() bool {
	_, ok := f.maybe(FaultDisconnect)
	return ok
}

// MaybeDelay returns a delay duration if a delay fault should be injected.
func (f *FaultInjector) MaybeDelay() time.Duration {
	cfg, ok := f.maybe(FaultDelay)
	if !ok {
		return 0
	}
	return f.randomDelay(cfg.MinDelay, cfg.MaxDelay)
}

// MaybePanic panics if a panic fault should be injected.
func (f *FaultInjector) MaybePanic() {
	if _, ok := f.maybe(FaultPanic); ok {
		panic("chaos: injected panic")
	}
}

// MaybeError returns ErrInjected if an error fault should be injected.
func (f *FaultInjector) MaybeError() error {
	if _, ok := f.maybe(FaultError); ok {
		return ErrInjected
	}
	return nil
}

// GetStats returns the fault injection statistics.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset clears the statistics and per-config limits.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
	f.fired = make([]int, len(f.configs))
}

func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delta := max - min
	return min + time.Duration(f.rng.Int63n(int64(delta)))
}
