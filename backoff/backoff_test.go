package backoff

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guerillacodester/vehicle-simulator-sub007/errors"
)

func TestExponential_DelayBounds(t *testing.T) {
	policy, err := NewExponential(Config{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		JitterBound: 50 * time.Millisecond,
		MaxAttempts: 10,
	})
	require.NoError(t, err)

	for attempt := 1; attempt <= 10; attempt++ {
		delay, ok := policy.Delay(attempt)
		require.True(t, ok, "attempt %d should be allowed", attempt)

		// delay(k) >= base*2^(k-1), capped at max, minus nothing (jitter only adds)
		expected := 100 * time.Millisecond * (1 << (attempt - 1))
		if expected > 2*time.Second {
			expected = 2 * time.Second
		}
		assert.GreaterOrEqual(t, delay, expected, "attempt %d below exponential floor", attempt)
		assert.LessOrEqual(t, delay, expected+50*time.Millisecond, "attempt %d exceeds max+jitter", attempt)
	}
}

func TestExponential_MonotonicUpToMax(t *testing.T) {
	policy, err := NewExponential(Config{
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    time.Second,
		JitterBound: 0,
		MaxAttempts: 20,
	})
	require.NoError(t, err)

	var prev time.Duration
	for attempt := 1; attempt <= 20; attempt++ {
		delay, ok := policy.Delay(attempt)
		require.True(t, ok)
		assert.GreaterOrEqual(t, delay, prev, "delay must be non-decreasing")
		assert.LessOrEqual(t, delay, time.Second)
		prev = delay
	}
}

func TestExponential_StopSentinel(t *testing.T) {
	policy, err := NewExponential(Config{
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Second,
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	_, ok := policy.Delay(3)
	assert.True(t, ok)
	_, ok = policy.Delay(4)
	assert.False(t, ok, "attempt beyond MaxAttempts must return the stop sentinel")
}

func TestExponential_UnlimitedAttempts(t *testing.T) {
	policy, err := NewExponential(Config{
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Second,
	})
	require.NoError(t, err)

	_, ok := policy.Delay(10000)
	assert.True(t, ok)
}

func TestExponential_ShouldReconnect(t *testing.T) {
	policy, err := NewExponential(DefaultConfig())
	require.NoError(t, err)

	// Default posture: every error is transient and retryable.
	assert.True(t, policy.ShouldReconnect(stderrors.New("socket closed")))
	assert.True(t, policy.ShouldReconnect(errors.ErrConnectionLost))
	assert.True(t, policy.ShouldReconnect(nil))

	// Fatal classification is the one refusal.
	assert.False(t, policy.ShouldReconnect(errors.ErrMaxRetriesExceeded))
}

func TestExponential_OverflowSafety(t *testing.T) {
	policy, err := NewExponential(Config{
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
	})
	require.NoError(t, err)

	delay, ok := policy.Delay(500)
	require.True(t, ok)
	assert.Equal(t, time.Minute, delay)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero base", Config{BaseDelay: 0, MaxDelay: time.Second}},
		{"max below base", Config{BaseDelay: time.Second, MaxDelay: time.Millisecond}},
		{"negative jitter", Config{BaseDelay: time.Second, MaxDelay: time.Minute, JitterBound: -1}},
		{"negative attempts", Config{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestNewExponential_FillsDefaults(t *testing.T) {
	policy, err := NewExponential(Config{})
	require.NoError(t, err)

	delay, ok := policy.Delay(1)
	require.True(t, ok)
	assert.GreaterOrEqual(t, delay, time.Second)
}

func TestFixed(t *testing.T) {
	policy := &Fixed{Interval: 250 * time.Millisecond, MaxAttempts: 2}

	delay, ok := policy.Delay(1)
	assert.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, delay)

	delay, ok = policy.Delay(2)
	assert.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, delay)

	_, ok = policy.Delay(3)
	assert.False(t, ok)

	assert.True(t, policy.ShouldReconnect(stderrors.New("any")))
	policy.Reset()
}

func TestNone(t *testing.T) {
	policy := None{}
	assert.False(t, policy.ShouldReconnect(stderrors.New("any")))
	_, ok := policy.Delay(1)
	assert.False(t, ok)
	policy.Reset()
}
