package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, "wss://signal.slidecast.dev/ws", cfg.Signal.URL)
	assert.Equal(t, 800*time.Millisecond, cfg.Signal.InitialBackoff)
	assert.Equal(t, 1200*time.Millisecond, cfg.Signal.MaxBackoff)
	assert.Equal(t, ":3401", cfg.Server.ListenAddr)
	assert.Equal(t, 4*time.Hour, cfg.Server.GracePeriod)
	assert.Equal(t, 100*time.Millisecond, cfg.Session.ReplayPacing)
	assert.Equal(t, time.Second, cfg.Session.JoinRetryDelay)
	assert.Equal(t, 30, cfg.Session.JoinRetryMax)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.GetSTUNServers())
	assert.Empty(t, cfg.GetTURNServers())
}

func TestLoadFlagOverrides(t *testing.T) {
	cfg, err := Load(Options{
		SignalURL:  "ws://localhost:3401/ws",
		ListenAddr: ":9000",
		STUNServer: "stun:stun.example.com:3478",
		TURNServer: "turn:turn.example.com",
		TURNUser:   "alice",
		TURNPass:   "hunter2",
	})
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:3401/ws", cfg.Signal.URL)
	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, cfg.GetSTUNServers())
	assert.Equal(t, []string{
		"turn:turn.example.com:3478?transport=udp",
		"turn:turn.example.com:3478?transport=tcp",
	}, cfg.GetTURNServers())

	user, pass := cfg.GetTURNCredentials()
	assert.Equal(t, "alice", user)
	assert.Equal(t, "hunter2", pass)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(Options{})
		require.NoError(t, err)
		return cfg
	}

	testCases := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{name: "empty signal url", mutate: func(cfg *Config) { cfg.Signal.URL = "" }},
		{name: "inverted backoff window", mutate: func(cfg *Config) { cfg.Signal.MaxBackoff = cfg.Signal.InitialBackoff / 2 }},
		{name: "zero grace period", mutate: func(cfg *Config) { cfg.Server.GracePeriod = 0 }},
		{name: "negative replay pacing", mutate: func(cfg *Config) { cfg.Session.ReplayPacing = -time.Second }},
		{name: "zero retry budget", mutate: func(cfg *Config) { cfg.Session.JoinRetryMax = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
