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

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, "kick", cfg.Backpressure)
	assert.Equal(t, 16384, cfg.MaxFrameSize)
	assert.Equal(t, uint32(64<<20), cfg.MaxMessageSize)
	assert.Equal(t, 2*time.Minute, cfg.ReassemblyTTL)
	assert.Equal(t, 1500*time.Millisecond, cfg.MuteTimeout)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: debug
port: 9090
room: standup
max_frame_size: 4096
reassembly_ttl: 30s
log_level: debug
ice_servers:
  - stun:a.example:3478
  - stun:b.example:3478
`), 0o600))

	cfg, err := load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "standup", cfg.Room)
	assert.Equal(t, 4096, cfg.MaxFrameSize)
	assert.Equal(t, 30*time.Second, cfg.ReassemblyTTL)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Len(t, cfg.ICEServers, 2)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MESHCALL_PORT", "7000")
	t.Setenv("MESHCALL_NICKNAME", "alice")

	cfg, err := load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "alice", cfg.Nickname)
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"frame too small": "max_frame_size: 20\n",
		"bad policy":      "backpressure: sometimes\n",
		"bad level":       "log_level: loud\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := load(path)
			assert.Error(t, err)
		})
	}
}
