package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.chatd/config.toml. Policy values (pin limit, typing
// windows) are product constants observed in the web client, kept
// configurable because the protocol does not enforce them.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Server    Server    `toml:"server"`
	Chat      Chat      `toml:"chat"`
	Reconnect Reconnect `toml:"reconnect"`
	Upload    Upload    `toml:"upload"`
}

// Server holds the backend endpoints.
type Server struct {
	BaseURL    string `toml:"base_url"`
	SocketPath string `toml:"socket_path"`
}

// Chat holds per-chat policy constants.
type Chat struct {
	PinLimit            int   `toml:"pin_limit"`
	TypingIdleMS        int64 `toml:"typing_idle_ms"`
	TypingExpiryMS      int64 `toml:"typing_expiry_ms"`
	HeartbeatIntervalMS int64 `toml:"heartbeat_interval_ms"`
	AckTimeoutMS        int64 `toml:"ack_timeout_ms"`
	HistoryPageSize     int   `toml:"history_page_size"`
}

// Reconnect holds the socket backoff policy.
type Reconnect struct {
	MinDelayMS int64 `toml:"min_delay_ms"`
	MaxDelayMS int64 `toml:"max_delay_ms"`
}

// Upload holds attachment upload tuning.
type Upload struct {
	MaxParallel int64 `toml:"max_parallel"`
}

// Default returns the config with every field at its default value.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Server: Server{
			BaseURL:    "https://anunciaya-backend-production.up.railway.app",
			SocketPath: "/socket.io",
		},
		Chat: Chat{
			PinLimit:            5,
			TypingIdleMS:        1200,
			TypingExpiryMS:      5000,
			HeartbeatIntervalMS: 15000,
			AckTimeoutMS:        10000,
			HistoryPageSize:     50,
		},
		Reconnect: Reconnect{
			MinDelayMS: 600,
			MaxDelayMS: 6000,
		},
		Upload: Upload{
			MaxParallel: 3,
		},
	}
}

// Load reads config from the given path, applying defaults for absent keys.
// Returns defaults and the error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return Default(), err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Duration accessors. Stored as millisecond integers to keep the TOML flat.

func (c Chat) TypingIdle() time.Duration        { return time.Duration(c.TypingIdleMS) * time.Millisecond }
func (c Chat) TypingExpiry() time.Duration      { return time.Duration(c.TypingExpiryMS) * time.Millisecond }
func (c Chat) HeartbeatInterval() time.Duration { return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond }
func (c Chat) AckTimeout() time.Duration        { return time.Duration(c.AckTimeoutMS) * time.Millisecond }

func (r Reconnect) MinDelay() time.Duration { return time.Duration(r.MinDelayMS) * time.Millisecond }
func (r Reconnect) MaxDelay() time.Duration { return time.Duration(r.MaxDelayMS) * time.Millisecond }
