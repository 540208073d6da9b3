// Package backoff provides pluggable reconnection policies for the
// realtime layer: exponential backoff with jitter, fixed delay, and
// no-retry. Policies are injected into the connection manager so retry
// behavior can be substituted without changing the manager.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/guerillacodester/vehicle-simulator-sub007/errors"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Policy decides if and when a connection should be retried. Delay
// returns ok=false once the attempt number exceeds the configured
// maximum - the stop sentinel. Reset clears attempt bookkeeping after a
// successful (re)connection.
type Policy interface {
	ShouldReconnect(err error) bool
	Delay(attempt int) (delay time.Duration, ok bool)
	Reset()
}

// Config provides exponential backoff configuration.
type Config struct {
	BaseDelay   time.Duration // Delay for the first attempt
	MaxDelay    time.Duration // Upper bound for the computed delay
	JitterBound time.Duration // Uniform random jitter added in [0, JitterBound)
	MaxAttempts int           // Attempts before the stop sentinel (0 = unlimited)
}

// DefaultConfig returns sensible defaults for reconnection backoff.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		JitterBound: time.Second,
		MaxAttempts: 10,
	}
}

// Validate rejects configurations the exponential policy cannot honor.
func (c Config) Validate() error {
	if c.BaseDelay <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "backoff.Config", "Validate", "BaseDelay must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "backoff.Config", "Validate", "MaxDelay must be >= BaseDelay")
	}
	if c.JitterBound < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "backoff.Config", "Validate", "JitterBound cannot be negative")
	}
	if c.MaxAttempts < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "backoff.Config", "Validate", "MaxAttempts cannot be negative")
	}
	return nil
}

// Exponential implements min(base*2^attempt, max) plus uniform jitter.
// Every error is considered transient and retryable by default; jitter
// spreads simultaneous retries from many clients so a restarted server
// is not hit by a synchronized storm.
type Exponential struct {
	cfg Config
}

// NewExponential creates an exponential backoff policy. Zero-value
// fields are filled from DefaultConfig.
func NewExponential(cfg Config) (*Exponential, error) {
	defaults := DefaultConfig()
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Exponential{cfg: cfg}, nil
}

// ShouldReconnect reports whether the error warrants a retry. The
// default posture is that every failure is transient.
func (e *Exponential) ShouldReconnect(err error) bool {
	return !errors.IsFatal(err)
}

// Delay computes the wait before the given attempt (1-based). Returns
// ok=false once attempt exceeds MaxAttempts.
func (e *Exponential) Delay(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if e.cfg.MaxAttempts > 0 && attempt > e.cfg.MaxAttempts {
		return 0, false
	}

	// Overflow-safe exponent: beyond 62 doublings everything caps out.
	exp := attempt - 1
	var delay time.Duration
	if exp >= 62 {
		delay = e.cfg.MaxDelay
	} else {
		scaled := float64(e.cfg.BaseDelay) * math.Pow(2, float64(exp))
		if scaled > float64(e.cfg.MaxDelay) {
			delay = e.cfg.MaxDelay
		} else {
			delay = time.Duration(scaled)
		}
	}

	if e.cfg.JitterBound > 0 {
		randMu.Lock()
		jitter := time.Duration(randSource.Int63n(int64(e.cfg.JitterBound)))
		randMu.Unlock()
		delay += jitter
	}

	return delay, true
}

// Reset is a no-op: the exponential policy is stateless per call, the
// manager owns the attempt counter.
func (e *Exponential) Reset() {}

// Fixed retries at a constant interval.
type Fixed struct {
	Interval    time.Duration
	MaxAttempts int
}

// ShouldReconnect always allows retry under the fixed policy.
func (f *Fixed) ShouldReconnect(error) bool { return true }

// Delay returns the constant interval until attempts are exhausted.
func (f *Fixed) Delay(attempt int) (time.Duration, bool) {
	if f.MaxAttempts > 0 && attempt > f.MaxAttempts {
		return 0, false
	}
	return f.Interval, true
}

// Reset is a no-op for the fixed policy.
func (f *Fixed) Reset() {}

// None never retries. Useful for callers that manage reconnection
// themselves.
type None struct{}

// ShouldReconnect always refuses under the no-retry policy.
func (None) ShouldReconnect(error) bool { return false }

// Delay always returns the stop sentinel.
func (None) Delay(int) (time.Duration, bool) { return 0, false }

// Reset is a no-op.
func (None) Reset() {}
