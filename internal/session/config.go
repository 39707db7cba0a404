package session

import "time"

// BackoffConfig defines redial backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines supervisor reliability settings.
type Config struct {
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	// MaxReconnectAttempts bounds consecutive failed attempts; 0 means unlimited.
	MaxReconnectAttempts int
	Backoff              BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 30 * time.Second,
		SendTimeout:    30 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Minute,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued timeouts and backoff fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay < 0 {
		c.Backoff.MaxDelay = 0
	}
	return c
}
