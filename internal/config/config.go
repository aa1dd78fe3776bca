// Package config defines the relay's runtime settings: defaults, an optional
// YAML file, an optional .env file and environment variable overrides,
// validated before the server starts.
package config

import (
	"strconv"
	"time"
)

// Config is the full relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Relay     RelayConfig     `yaml:"relay"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
	Tap       TapConfig       `yaml:"tap"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	AllowedOrigins  []string      `yaml:"allowed_origins" validate:"dive,required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// Addr returns the listen address for the configured port.
func (s ServerConfig) Addr() string {
	return ":" + strconv.Itoa(s.Port)
}

// RelayConfig holds per-connection transport limits and routing options.
type RelayConfig struct {
	MaxMessageSize int64         `yaml:"max_message_size" validate:"gt=0"`
	SendBuffer     int           `yaml:"send_buffer" validate:"gt=0"`
	PongWait       time.Duration `yaml:"pong_wait" validate:"gt=0"`
	PingInterval   time.Duration `yaml:"ping_interval" validate:"gt=0,ltfield=PongWait"`
	WriteWait      time.Duration `yaml:"write_wait" validate:"gt=0"`
	// NotifyDrops makes the relay answer undeliverable events with an
	// event_dropped frame to the sender.
	NotifyDrops bool `yaml:"notify_drops"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst" validate:"gt=0"`
	RefillInterval time.Duration `yaml:"refill_interval" validate:"gt=0"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// TapConfig enables publication of routing records to NATS.
type TapConfig struct {
	NATSURL       string `yaml:"nats_url" validate:"omitempty,url"`
	SubjectPrefix string `yaml:"subject_prefix" validate:"required_with=NATSURL"`
}

// Enabled reports whether a NATS URL was configured.
func (t TapConfig) Enabled() bool {
	return t.NATSURL != ""
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            3001,
			AllowedOrigins:  []string{"*"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Relay: RelayConfig{
			MaxMessageSize: 64 * 1024,
			SendBuffer:     256,
			PongWait:       60 * time.Second,
			PingInterval:   54 * time.Second,
			WriteWait:      10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tap: TapConfig{
			SubjectPrefix: "classrelay",
		},
	}
}
