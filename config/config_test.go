package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guerillacodester/vehicle-simulator-sub007/errors"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "vsim-router", cfg.Service)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 3*time.Second, cfg.Heartbeat.Interval.Std())
	assert.Equal(t, 1, cfg.Heartbeat.MissThreshold)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Reconnect.BaseDelay.Std())
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxDelay.Std())
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout.Std())
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, []string{"vehicles", "passengers", "dispatch"}, cfg.Namespaces)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `{
		"service": "depot-router",
		"http": {"addr": ":9999"},
		"namespaces": ["fleet"],
		"heartbeat": {"interval": "5s", "miss_threshold": 2},
		"reconnect": {"max_attempts": 3, "base_delay": 250}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "depot-router", cfg.Service)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, []string{"fleet"}, cfg.Namespaces)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.Interval.Std())
	assert.Equal(t, 2, cfg.Heartbeat.MissThreshold)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	// Bare numbers are milliseconds.
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.BaseDelay.Std())

	// Untouched fields keep defaults.
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout.Std())
	assert.Equal(t, "vsim.events", cfg.NATS.SubjectPrefix)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `{"service": "from-file"}`)

	t.Setenv("VSIM_SERVICE", "from-env")
	t.Setenv("VSIM_NAMESPACES", "vehicles, dispatch ,")
	t.Setenv("VSIM_HEARTBEAT_INTERVAL", "750ms")
	t.Setenv("VSIM_NATS_ENABLED", "true")
	t.Setenv("VSIM_NATS_URL", "nats://broker:4222")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Service)
	assert.Equal(t, []string{"vehicles", "dispatch"}, cfg.Namespaces)
	assert.Equal(t, 750*time.Millisecond, cfg.Heartbeat.Interval.Std())
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
}

func TestLoad_EnvOverridesTuningKnobs(t *testing.T) {
	t.Setenv("VSIM_HEARTBEAT_ACK_TIMEOUT", "900ms")
	t.Setenv("VSIM_HEARTBEAT_MISS_THRESHOLD", "3")
	t.Setenv("VSIM_RECONNECT_BASE_DELAY", "250ms")
	t.Setenv("VSIM_RECONNECT_MAX_DELAY", "45s")
	t.Setenv("VSIM_RECONNECT_JITTER_BOUND", "2s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 900*time.Millisecond, cfg.Heartbeat.AckTimeout.Std())
	assert.Equal(t, 3, cfg.Heartbeat.MissThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.BaseDelay.Std())
	assert.Equal(t, 45*time.Second, cfg.Reconnect.MaxDelay.Std())
	assert.Equal(t, 2*time.Second, cfg.Reconnect.JitterBound.Std())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/no/such/config.json")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoad_MalformedJSON(t *testing.T) {
	path := writeConfigFile(t, "{not json")
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return Default() }

	cfg := valid()
	cfg.Service = ""
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Namespaces = nil
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Namespaces = []string{"a", ""}
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Namespaces = []string{"a", "a"}
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Heartbeat.Interval = Duration(-time.Second)
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Reconnect.MaxDelay = Duration(time.Millisecond)
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.NATS.Enabled = true
	cfg.NATS.URL = ""
	assert.Error(t, cfg.Validate())

	assert.NoError(t, valid().Validate())
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Std())

	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))

	require.Error(t, d.UnmarshalJSON([]byte(`"not a duration"`)))
	require.Error(t, d.UnmarshalJSON([]byte(`true`)))
}

func TestSettingsConversion(t *testing.T) {
	cfg := Default()

	hb := cfg.HeartbeatSettings()
	assert.Equal(t, 3*time.Second, hb.Interval)
	assert.Equal(t, 1, hb.MissThreshold)

	bo := cfg.BackoffSettings()
	assert.Equal(t, time.Second, bo.BaseDelay)
	assert.Equal(t, 30*time.Second, bo.MaxDelay)
	assert.Equal(t, 10, bo.MaxAttempts)
}
