// Package config provides YAML-based configuration loading for peermsg.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the node/application
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Identity controls the node's cryptographic identity.
	Identity IdentityConfig `mapstructure:"identity"`

	// Transports to listen on and peers to seed the address book with
	Transports []TransportConfig `mapstructure:"transports"`

	// Messages tunes the messaging service
	Messages MessagesConfig `mapstructure:"messages"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// IdentityConfig selects the local key material.
type IdentityConfig struct {
	// Alg currently only "ed25519"
	Alg string `mapstructure:"alg"`
	// PrivateKey base64url (no padding) encoded private key
	PrivateKey string `mapstructure:"private_key"`
	// PrivateKeyFile path to a file holding the key
	PrivateKeyFile string `mapstructure:"private_key_file"`
}

// TransportConfig describes one transport kind and its endpoints.
// Example YAML:
//
//	transports:
//	  - kind: quic
//	    listen: [":4433"]
//	    dial:
//	      - address: "10.0.0.2:4433"
//	        peer_id: "pk:ed25519:..."
//	  - kind: tcp
//	    listen: [":7777"]
type TransportConfig struct {
	Kind   string           `mapstructure:"kind"`
	Listen []string         `mapstructure:"listen"`
	Dial   []PeerDialConfig `mapstructure:"dial"`
}

// PeerDialConfig seeds the address book with a known peer.
type PeerDialConfig struct {
	Address string `mapstructure:"address"`
	PeerID  string `mapstructure:"peer_id"`
}

// MessagesConfig tunes session and channel handling. Zero values fall back
// to the service defaults.
type MessagesConfig struct {
	IdleTimeoutS       int `mapstructure:"idle_timeout_s"`
	ReapIntervalS      int `mapstructure:"reap_interval_s"`
	RequestNotifyS     int `mapstructure:"request_notify_s"`
	DialTimeoutS       int `mapstructure:"dial_timeout_s"`
	FailedInfoTTLS     int `mapstructure:"failed_info_ttl_s"`
	MaxSessions        int `mapstructure:"max_sessions"`
	MaxPendingSessions int `mapstructure:"max_pending_sessions"`
	ChannelQueueDepth  int `mapstructure:"channel_queue_depth"`
	SendBufferDepth    int `mapstructure:"send_buffer_depth"`
	EventQueueDepth    int `mapstructure:"event_queue_depth"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "peermsg-node",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/peermsg.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Identity: IdentityConfig{Alg: "ed25519"},
		Transports: []TransportConfig{
			{Kind: "quic", Listen: []string{":4433"}},
		},
		Messages: MessagesConfig{
			IdleTimeoutS:  180,
			ReapIntervalS: 30,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix PEERMSG and `.`/`-` are replaced
// with `_`. Example: PEERMSG_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PEERMSG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("identity.alg", cfg.Identity.Alg)
	v.SetDefault("identity.private_key", cfg.Identity.PrivateKey)
	v.SetDefault("identity.private_key_file", cfg.Identity.PrivateKeyFile)
	v.SetDefault("transports", cfg.Transports)
	v.SetDefault("messages.idle_timeout_s", cfg.Messages.IdleTimeoutS)
	v.SetDefault("messages.reap_interval_s", cfg.Messages.ReapIntervalS)

	if path == "" {
		if envPath := os.Getenv("PEERMSG_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("peermsg")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".peermsg"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	for i := range c.Transports {
		kind := strings.ToLower(strings.TrimSpace(c.Transports[i].Kind))
		c.Transports[i].Kind = kind
		switch kind {
		case "tcp", "quic":
		default:
			return fmt.Errorf("unknown transport kind: %q", kind)
		}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
