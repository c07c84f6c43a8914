// Package config holds all runtime configuration. Values come from the
// environment (after main loads the .env file); every knob has a default
// so a bare environment still yields a runnable dev setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the umbrella configuration object returned by Load and passed
// explicitly to every component. Read-only after startup.
type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	SSH       SSHConfig
	Hunt      HuntConfig
	AI        AIConfig
	Bus       BusConfig
	Retention RetentionConfig
}

// ServerConfig controls the HTTP/WS gateway.
type ServerConfig struct {
	Port            string
	ShutdownTimeout time.Duration

	// Per-connection terminal_input rate limit.
	TerminalRateBytesPerSec int
	TerminalBurstBytes      int

	// WS heartbeat interval and write timeout.
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

// AuthConfig controls JWT issuance and credential sealing.
type AuthConfig struct {
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// SealKey is the 32-byte hex key for AES-GCM credential sealing.
	SealKey string
}

// SSHConfig controls the connector.
type SSHConfig struct {
	DialTimeout       time.Duration
	KeepaliveInterval time.Duration
	ReconnectAttempts int
	// HostKeyPolicy is "tofu" (trust-on-first-use with per-asset pinning)
	// or "insecure" (accept anything; dev only).
	HostKeyPolicy string
}

// HuntConfig controls the scheduler and module loader.
type HuntConfig struct {
	ModuleDir            string
	DefaultStepTimeout   time.Duration
	MaxConcurrentPerSess int
	// IdleSessionTimeout drives the session reaper.
	IdleSessionTimeout time.Duration
}

// AIConfig selects and tunes the AI driver.
type AIConfig struct {
	Provider string // "anthropic", "openai", "ollama", or "" to disable
	APIKey   string
	BaseURL  string
	Model    string

	IdleTimeout    time.Duration
	StepBudget     int // bytes of output per step in the context
	ContextBudget  int // total context bytes
	RetryBackoffs  []time.Duration
	RequestTimeout time.Duration
}

// BusConfig tunes the event bus.
type BusConfig struct {
	SubscriberBuffer int
}

// RetentionConfig controls the background retention loop. Interval 0
// disables it.
type RetentionConfig struct {
	Interval         time.Duration
	SessionRetention time.Duration // purge sessions terminated longer ago than this
	TimelineTTL      time.Duration // prune timeline entries older than this
}

// Load reads configuration from the environment. It returns an error for
// values that are present but unparseable; main maps that to exit code 2.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:                    getEnv("HTTP_PORT", "8080"),
			ShutdownTimeout:         10 * time.Second,
			TerminalRateBytesPerSec: 64 * 1024,
			TerminalBurstBytes:      256 * 1024,
			HeartbeatInterval:       30 * time.Second,
			WriteTimeout:            10 * time.Second,
		},
		Auth: AuthConfig{
			JWTSecret:       os.Getenv("JWT_SECRET"),
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 7 * 24 * time.Hour,
			SealKey:         os.Getenv("CREDENTIAL_SEAL_KEY"),
		},
		SSH: SSHConfig{
			DialTimeout:       10 * time.Second,
			KeepaliveInterval: 30 * time.Second,
			ReconnectAttempts: 3,
			HostKeyPolicy:     getEnv("SSH_HOST_KEY_POLICY", "tofu"),
		},
		Hunt: HuntConfig{
			ModuleDir:            getEnv("HUNT_MODULE_DIR", "./modules"),
			DefaultStepTimeout:   30 * time.Second,
			MaxConcurrentPerSess: 1,
			IdleSessionTimeout:   30 * time.Minute,
		},
		AI: AIConfig{
			Provider:       getEnv("AI_PROVIDER", ""),
			APIKey:         os.Getenv("AI_API_KEY"),
			BaseURL:        os.Getenv("AI_BASE_URL"),
			Model:          os.Getenv("AI_MODEL"),
			IdleTimeout:    60 * time.Second,
			StepBudget:     8 * 1024,
			ContextBudget:  64 * 1024,
			RetryBackoffs:  []time.Duration{500 * time.Millisecond, 2 * time.Second},
			RequestTimeout: 5 * time.Minute,
		},
		Bus: BusConfig{
			SubscriberBuffer: 256,
		},
		Retention: RetentionConfig{
			Interval:         time.Hour,
			SessionRetention: 30 * 24 * time.Hour,
			TimelineTTL:      90 * 24 * time.Hour,
		},
	}

	var err error
	if cfg.Server.TerminalRateBytesPerSec, err = getEnvInt("TERMINAL_RATE_BYTES", cfg.Server.TerminalRateBytesPerSec); err != nil {
		return nil, err
	}
	if cfg.Hunt.MaxConcurrentPerSess, err = getEnvInt("HUNT_MAX_CONCURRENT", cfg.Hunt.MaxConcurrentPerSess); err != nil {
		return nil, err
	}
	if cfg.Bus.SubscriberBuffer, err = getEnvInt("BUS_SUBSCRIBER_BUFFER", cfg.Bus.SubscriberBuffer); err != nil {
		return nil, err
	}
	idle, err := getEnvDuration("SESSION_IDLE_TIMEOUT", cfg.Hunt.IdleSessionTimeout)
	if err != nil {
		return nil, err
	}
	cfg.Hunt.IdleSessionTimeout = idle
	if cfg.Retention.Interval, err = getEnvDuration("RETENTION_INTERVAL", cfg.Retention.Interval); err != nil {
		return nil, err
	}
	if cfg.Retention.SessionRetention, err = getEnvDuration("RETENTION_SESSION_AGE", cfg.Retention.SessionRetention); err != nil {
		return nil, err
	}
	if cfg.Retention.TimelineTTL, err = getEnvDuration("RETENTION_TIMELINE_TTL", cfg.Retention.TimelineTTL); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.SSH.HostKeyPolicy {
	case "tofu", "insecure":
	default:
		return fmt.Errorf("invalid SSH_HOST_KEY_POLICY %q (want tofu or insecure)", c.SSH.HostKeyPolicy)
	}
	switch c.AI.Provider {
	case "", "anthropic", "openai", "ollama":
	default:
		return fmt.Errorf("invalid AI_PROVIDER %q", c.AI.Provider)
	}
	if c.AI.Provider != "" && c.AI.Provider != "ollama" && c.AI.APIKey == "" {
		return fmt.Errorf("AI_API_KEY is required for provider %q", c.AI.Provider)
	}
	if c.Bus.SubscriberBuffer <= 0 {
		return fmt.Errorf("BUS_SUBSCRIBER_BUFFER must be positive")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
