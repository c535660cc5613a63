package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults for the engine's timing knobs. All are overridable via a TOML
// config file or programmatically.
const (
	DefaultBaudRate         = 1312500
	DefaultConnectTimeout   = 2 * time.Second
	DefaultHandshakeTimeout = 500 * time.Millisecond
	DefaultAckTimeout       = 250 * time.Millisecond
	DefaultStopTimeout      = 2 * time.Second
	DefaultPollTimeout      = 20 * time.Millisecond
)

// Config carries the connection and protocol timing knobs.
type Config struct {
	BaudRate           int   `toml:"baud_rate"`
	ConnectTimeoutMS   int64 `toml:"connect_timeout_ms"`
	HandshakeTimeoutMS int64 `toml:"handshake_timeout_ms"`
	AckTimeoutMS       int64 `toml:"ack_timeout_ms"`
	StopTimeoutMS      int64 `toml:"stop_timeout_ms"`
	PollTimeoutMS      int64 `toml:"poll_timeout_ms"`
}

func Default() Config {
	return Config{
		BaudRate:           DefaultBaudRate,
		ConnectTimeoutMS:   DefaultConnectTimeout.Milliseconds(),
		HandshakeTimeoutMS: DefaultHandshakeTimeout.Milliseconds(),
		AckTimeoutMS:       DefaultAckTimeout.Milliseconds(),
		StopTimeoutMS:      DefaultStopTimeout.Milliseconds(),
		PollTimeoutMS:      DefaultPollTimeout.Milliseconds(),
	}
}

// Load reads a TOML config file, filling unset fields with defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if cfg.BaudRate <= 0 {
		return fmt.Errorf("config: baud_rate must be positive, got %d", cfg.BaudRate)
	}
	for name, v := range map[string]int64{
		"connect_timeout_ms":   cfg.ConnectTimeoutMS,
		"handshake_timeout_ms": cfg.HandshakeTimeoutMS,
		"ack_timeout_ms":       cfg.AckTimeoutMS,
		"stop_timeout_ms":      cfg.StopTimeoutMS,
		"poll_timeout_ms":      cfg.PollTimeoutMS,
	} {
		if v <= 0 {
			return fmt.Errorf("config: %s must be positive, got %d", name, v)
		}
	}
	return nil
}

func (c Config) ConnectTimeout() time.Duration   { return time.Duration(c.ConnectTimeoutMS) * time.Millisecond }
func (c Config) HandshakeTimeout() time.Duration { return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond }
func (c Config) AckTimeout() time.Duration       { return time.Duration(c.AckTimeoutMS) * time.Millisecond }
func (c Config) StopTimeout() time.Duration      { return time.Duration(c.StopTimeoutMS) * time.Millisecond }
func (c Config) PollTimeout() time.Duration      { return time.Duration(c.PollTimeoutMS) * time.Millisecond }
