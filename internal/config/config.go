package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full application configuration for all three roles.
type Config struct {
	// Signal is the websocket URL of the relay server.
	Signal SignalConfig

	// Server configures the relay when running `slidecast serve`.
	Server ServerConfig

	// Session tunes the peer lifecycle managers.
	Session SessionConfig

	// ICE servers for the peer connections.
	ICE ICEConfig
}

type SignalConfig struct {
	// URL of the relay websocket endpoint.
	URL string

	// Backoff policy for the signaling channel's dial and reconnect loops.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type ServerConfig struct {
	ListenAddr string

	// GracePeriod is how long an owner-less session survives before the
	// garbage timer deletes it.
	GracePeriod time.Duration
}

type SessionConfig struct {
	// ReplayPacing is the delay between replayed state frames sent to a
	// freshly connected viewer.
	ReplayPacing time.Duration

	// JoinRetryDelay and JoinRetryMax bound the viewer's retry loop when
	// the presenter is mid-reconnect.
	JoinRetryDelay time.Duration
	JoinRetryMax   int
}

type ICEConfig struct {
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
}

// Options carries CLI flag overrides. Flags beat environment variables,
// which beat config file values, which beat defaults.
type Options struct {
	SignalURL  string
	ListenAddr string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("signal.url", "wss://signal.slidecast.dev/ws")
	v.SetDefault("signal.initialBackoff", "800ms")
	v.SetDefault("signal.maxBackoff", "1200ms")

	v.SetDefault("server.listenAddr", ":3401")
	v.SetDefault("server.gracePeriod", "4h")

	v.SetDefault("session.replayPacing", "100ms")
	v.SetDefault("session.joinRetryDelay", "1s")
	v.SetDefault("session.joinRetryMax", 30)

	v.SetDefault("ice.stunServer", "stun:stun.l.google.com:19302")
	v.SetDefault("ice.turnServer", "")
	v.SetDefault("ice.turnUser", "")
	v.SetDefault("ice.turnPass", "")
}

// Load reads configuration from an optional config file, the environment
// (SLIDECAST_ prefix) and the given flag overrides.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	v.SetConfigName("slidecast")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/slidecast")

	v.SetEnvPrefix("SLIDECAST")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	cfg := &Config{
		Signal: SignalConfig{
			URL:            v.GetString("signal.url"),
			InitialBackoff: v.GetDuration("signal.initialBackoff"),
			MaxBackoff:     v.GetDuration("signal.maxBackoff"),
		},
		Server: ServerConfig{
			ListenAddr:  v.GetString("server.listenAddr"),
			GracePeriod: v.GetDuration("server.gracePeriod"),
		},
		Session: SessionConfig{
			ReplayPacing:   v.GetDuration("session.replayPacing"),
			JoinRetryDelay: v.GetDuration("session.joinRetryDelay"),
			JoinRetryMax:   v.GetInt("session.joinRetryMax"),
		},
		ICE: ICEConfig{
			STUNServer: v.GetString("ice.stunServer"),
			TURNServer: v.GetString("ice.turnServer"),
			TURNUser:   v.GetString("ice.turnUser"),
			TURNPass:   v.GetString("ice.turnPass"),
		},
	}

	applyOverrides(cfg, opts)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *Config, opts Options) {
	if opts.SignalURL != "" {
		cfg.Signal.URL = opts.SignalURL
	}
	if opts.ListenAddr != "" {
		cfg.Server.ListenAddr = opts.ListenAddr
	}
	if opts.STUNServer != "" {
		cfg.ICE.STUNServer = opts.STUNServer
	}
	if opts.TURNServer != "" {
		cfg.ICE.TURNServer = opts.TURNServer
	}
	if opts.TURNUser != "" {
		cfg.ICE.TURNUser = opts.TURNUser
	}
	if opts.TURNPass != "" {
		cfg.ICE.TURNPass = opts.TURNPass
	}
}

// Validate rejects configurations the runtime cannot work with.
func (c *Config) Validate() error {
	if c.Signal.URL == "" {
		return fmt.Errorf("signal.url must not be empty")
	}
	if c.Signal.InitialBackoff <= 0 || c.Signal.MaxBackoff < c.Signal.InitialBackoff {
		return fmt.Errorf("invalid signal backoff window [%s, %s]",
			c.Signal.InitialBackoff, c.Signal.MaxBackoff)
	}
	if c.Server.GracePeriod <= 0 {
		return fmt.Errorf("server.gracePeriod must be positive")
	}
	if c.Session.ReplayPacing < 0 || c.Session.JoinRetryDelay <= 0 {
		return fmt.Errorf("invalid session timing configuration")
	}
	if c.Session.JoinRetryMax < 1 {
		return fmt.Errorf("session.joinRetryMax must be at least 1")
	}
	return nil
}

// GetSTUNServers returns STUN server URLs for the peer connection.
func (c *Config) GetSTUNServers() []string {
	return []string{c.ICE.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured.
func (c *Config) GetTURNServers() []string {
	if c.ICE.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.ICE.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.ICE.TURNServer),
	}
}

// GetTURNCredentials returns the TURN username and password.
func (c *Config) GetTURNCredentials() (string, string) {
	return c.ICE.TURNUser, c.ICE.TURNPass
}
