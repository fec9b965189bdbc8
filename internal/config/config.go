package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.medchat/config.toml.
type Config struct {
	DefaultSession string  `toml:"default_session"`
	Server         Server  `toml:"server"`
	Chat           Chat    `toml:"chat"`
	Upload         Upload  `toml:"upload"`
	Metrics        Metrics `toml:"metrics"`
}

// Server locates the chat backend.
type Server struct {
	SocketURL        string   `toml:"socket_url"`
	APIURL           string   `toml:"api_url"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	FramesPerSecond  float64  `toml:"frames_per_second"`
	Burst            int      `toml:"burst"`
}

// Chat tunes the message pipeline.
type Chat struct {
	AckTimeout     Duration `toml:"ack_timeout"`
	CreateTimeout  Duration `toml:"create_timeout"`
	ReconnectBase  Duration `toml:"reconnect_base"`
	ReconnectMax   Duration `toml:"reconnect_max"`
	CachedMessages int      `toml:"cached_messages"`
}

// Upload limits attachments.
type Upload struct {
	MaxSize      ByteSize `toml:"max_size"`
	AllowedTypes []string `toml:"allowed_types"`
}

// Metrics configures the Prometheus endpoint. Empty Listen disables it.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: Server{
			SocketURL:        "ws://localhost:3000/ws",
			APIURL:           "http://localhost:3000/api",
			HandshakeTimeout: Duration{10 * time.Second},
			FramesPerSecond:  20,
			Burst:            40,
		},
		Chat: Chat{
			AckTimeout:     Duration{10 * time.Second},
			CreateTimeout:  Duration{10 * time.Second},
			ReconnectBase:  Duration{time.Second},
			ReconnectMax:   Duration{30 * time.Second},
			CachedMessages: 50,
		},
		Upload: Upload{
			MaxSize: 10 << 20,
			AllowedTypes: []string{
				"image/*",
				"application/pdf",
				"text/plain",
				"application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			},
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns nil
// and an error if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks URLs and limits.
func (c *Config) Validate() error {
	if err := checkURL("server.socket_url", c.Server.SocketURL, "ws", "wss"); err != nil {
		return err
	}
	if err := checkURL("server.api_url", c.Server.APIURL, "http", "https"); err != nil {
		return err
	}
	if c.Upload.MaxSize <= 0 {
		return errors.New("upload.max_size must be positive")
	}
	if c.Chat.ReconnectMax.Duration < c.Chat.ReconnectBase.Duration {
		return errors.New("chat.reconnect_max must not be below chat.reconnect_base")
	}
	return nil
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s: %q must be an absolute %v URL", key, raw, schemes)
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
