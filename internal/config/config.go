package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultPort      = "3000"
	DefaultAuthDir   = "auth_info"
	DefaultStorePath = "message_store.json"
	credentialsFile  = "session.db"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the full wabridge runtime configuration.
type Config struct {
	HTTP    HTTPConfig    `toml:"http"`
	Session SessionConfig `toml:"session"`
	Store   StoreConfig   `toml:"store"`
	Log     LogConfig     `toml:"log"`
}

type HTTPConfig struct {
	Port              string   `toml:"port"`
	CORSOrigins       []string `toml:"cors_origins"`
	TrustedProxies    []string `toml:"trusted_proxies"`
	APIToken          string   `toml:"api_token"`
	AdminToken        string   `toml:"admin_token"`
	VerboseRequestLog bool     `toml:"verbose_request_log"`
	LogMessageContent bool     `toml:"log_message_content"`
	ExposeSendErrors  bool     `toml:"expose_send_errors"`
	RateLimit         float64  `toml:"rate_limit"`
	RateBurst         int      `toml:"rate_burst"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`
}

type SessionConfig struct {
	AuthDir              string        `toml:"auth_dir"`
	FetchLatestVersion   bool          `toml:"fetch_latest_version"`
	PrintQR              bool          `toml:"print_qr"`
	ConnectTimeout       Duration      `toml:"connect_timeout"`
	SendTimeout          Duration      `toml:"send_timeout"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"`
	RetryCacheTTL        Duration      `toml:"retry_cache_ttl"`
	HeartbeatInterval    Duration      `toml:"heartbeat_interval"`
	Backoff              BackoffConfig `toml:"backoff"`
}

type BackoffConfig struct {
	InitialDelay Duration `toml:"initial_delay"`
	Multiplier   float64  `toml:"multiplier"`
	MaxDelay     Duration `toml:"max_delay"`
	Jitter       bool     `toml:"jitter"`
}

type StoreConfig struct {
	Enabled            bool     `toml:"enabled"`
	Path               string   `toml:"path"`
	FlushInterval      Duration `toml:"flush_interval"`
	MaxMessagesPerChat int      `toml:"max_messages_per_chat"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:             DefaultPort,
			CORSOrigins:      []string{"*"},
			TrustedProxies:   []string{"127.0.0.1", "::1"},
			ExposeSendErrors: true,
			RateBurst:        1,
			ShutdownTimeout:  Duration{5 * time.Second},
		},
		Session: SessionConfig{
			AuthDir:            DefaultAuthDir,
			FetchLatestVersion: true,
			PrintQR:            true,
			ConnectTimeout:     Duration{30 * time.Second},
			SendTimeout:        Duration{30 * time.Second},
			RetryCacheTTL:      Duration{24 * time.Hour},
			HeartbeatInterval:  Duration{time.Minute},
			Backoff: BackoffConfig{
				InitialDelay: Duration{time.Second},
				Multiplier:   2.0,
				MaxDelay:     Duration{2 * time.Minute},
				Jitter:       true,
			},
		},
		Store: StoreConfig{
			Enabled:            true,
			Path:               DefaultStorePath,
			FlushInterval:      Duration{10 * time.Second},
			MaxMessagesPerChat: 500,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load decodes path over Default and validates the result. Keys absent from
// the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return Config{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays process environment on cfg. Only PORT is honoured.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		c.HTTP.Port = port
	}
}

func (c *Config) Normalize() {
	c.HTTP.Port = strings.TrimPrefix(strings.TrimSpace(c.HTTP.Port), ":")
	c.Session.AuthDir = strings.TrimSpace(c.Session.AuthDir)
	c.Store.Path = strings.TrimSpace(c.Store.Path)
	origins := make([]string, 0, len(c.HTTP.CORSOrigins))
	for _, origin := range c.HTTP.CORSOrigins {
		if v := strings.TrimSpace(origin); v != "" {
			origins = append(origins, v)
		}
	}
	c.HTTP.CORSOrigins = origins
}

func (c Config) Validate() error {
	if c.HTTP.Port == "" {
		return fmt.Errorf("%w: http.port is required", ErrInvalidConfig)
	}
	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("%w: http.rate_limit must be >= 0", ErrInvalidConfig)
	}
	if c.HTTP.RateLimit > 0 && c.HTTP.RateBurst < 1 {
		return fmt.Errorf("%w: http.rate_burst must be >= 1 when rate limiting", ErrInvalidConfig)
	}
	if c.Session.AuthDir == "" {
		return fmt.Errorf("%w: session.auth_dir is required", ErrInvalidConfig)
	}
	if c.Session.SendTimeout.Duration <= 0 {
		return fmt.Errorf("%w: session.send_timeout must be positive", ErrInvalidConfig)
	}
	if c.Session.ConnectTimeout.Duration <= 0 {
		return fmt.Errorf("%w: session.connect_timeout must be positive", ErrInvalidConfig)
	}
	if c.Session.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("%w: session.heartbeat_interval must be positive", ErrInvalidConfig)
	}
	if c.Session.MaxReconnectAttempts < 0 {
		return fmt.Errorf("%w: session.max_reconnect_attempts must be >= 0", ErrInvalidConfig)
	}
	if c.Session.Backoff.InitialDelay.Duration < 0 || c.Session.Backoff.MaxDelay.Duration < 0 {
		return fmt.Errorf("%w: session.backoff delays must be >= 0", ErrInvalidConfig)
	}
	if c.Store.Enabled {
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required when the store is enabled", ErrInvalidConfig)
		}
		if c.Store.FlushInterval.Duration <= 0 {
			return fmt.Errorf("%w: store.flush_interval must be positive", ErrInvalidConfig)
		}
	}
	return nil
}

// ListenAddr is the gin listen address for the configured port.
func (c Config) ListenAddr() string {
	return ":" + c.HTTP.Port
}

// CredentialsPath is the SQLite file holding the device credentials.
func (c Config) CredentialsPath() string {
	return filepath.Join(c.Session.AuthDir, credentialsFile)
}
