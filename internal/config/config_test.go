package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, 10*time.Second, cfg.Session.HostGracePeriod)
	assert.Equal(t, 10, cfg.RateLimit.Limit)
	assert.Equal(t, time.Minute, cfg.RateLimit.Interval)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.RTC.ICEServers)
}

func TestLoadFileOverridesAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: debug
port: 9000
session:
  host_grace_period: 0s
  backpressure: evict
rtc:
  udp_port_min: 50000
  udp_port_max: 50100
  include_loopback: true
`), 0o600))
	t.Setenv("PARTY_PORT", "9100")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, time.Duration(0), cfg.Session.HostGracePeriod)
	assert.Equal(t, "evict", cfg.Session.Backpressure)
	assert.Equal(t, uint16(50000), cfg.RTC.UDPPortMin)
	assert.Equal(t, uint16(50100), cfg.RTC.UDPPortMax)
	assert.True(t, cfg.RTC.IncludeLoopback)
}

func TestApplyLogLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	ApplyLogLevel("debug")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	ApplyLogLevel("nonsense")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
