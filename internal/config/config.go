package config

import (
	"fmt"
	"os"
	"time"
)

// Media engines the server can drive.
const (
	EngineKurento = "kurento"
	EnginePion    = "pion"
)

// Default configuration values
const (
	DefaultListenAddr    = ":3000"
	DefaultEngine        = EngineKurento
	DefaultKurentoURL    = "ws://localhost:8888/kurento"
	DefaultEngineTimeout = 10 * time.Second
	DefaultSTUN          = "stun:stun.l.google.com:19302"
)

// Config holds server configuration
type Config struct {
	// ListenAddr is the HTTP address serving /ws, /health and /rooms
	ListenAddr string

	// Engine selects the media engine: "kurento" or "pion"
	Engine string

	// KurentoURL is the Kurento Media Server JSON-RPC endpoint
	KurentoURL string

	// EngineTimeout bounds every call to the media engine
	EngineTimeout time.Duration

	// ICE servers for the in-process engine
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
}

// Options for loading config with CLI flag overrides
type Options struct {
	ListenAddr    string
	Engine        string
	KurentoURL    string
	EngineTimeout time.Duration
	STUNServer    string
	TURNServer    string
	TURNUser      string
	TURNPass      string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	timeout := opts.EngineTimeout
	if timeout == 0 {
		if raw := os.Getenv("ENGINE_TIMEOUT"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid ENGINE_TIMEOUT %q: %w", raw, err)
			}
			timeout = d
		}
	}
	if timeout == 0 {
		timeout = DefaultEngineTimeout
	}
	if timeout < 0 {
		return nil, fmt.Errorf("engine timeout must be positive, got %s", timeout)
	}

	cfg := &Config{
		ListenAddr:    pick(opts.ListenAddr, "LISTEN_ADDR", DefaultListenAddr),
		Engine:        pick(opts.Engine, "MEDIA_ENGINE", DefaultEngine),
		KurentoURL:    pick(opts.KurentoURL, "KURENTO_URL", DefaultKurentoURL),
		EngineTimeout: timeout,
		STUNServer:    pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:    pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:      pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:      pick(opts.TURNPass, "TURN_PASSWORD", ""),
	}

	switch cfg.Engine {
	case EngineKurento, EnginePion:
	default:
		return nil, fmt.Errorf("unknown media engine %q (want %q or %q)", cfg.Engine, EngineKurento, EnginePion)
	}

	return cfg, nil
}

// pick returns the flag value, else the environment variable, else def.
func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
