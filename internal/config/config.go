// Package config loads process configuration from flags, environment
// (INTERJECT_*) and an optional config file via viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "INTERJECT"

// ConfigurationError is a fatal startup problem.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %s", e.Key, e.Reason)
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

type Config struct {
	Logging      Logging
	Gateway      Gateway
	Store        Store
	LLM          LLM
	SettingsFile string
	HTTP         HTTP
}

type HTTP struct {
	Addr       string
	SocketPath string
	KeysFile   string
}

type Gateway struct {
	URL         string
	Token       string
	Encoding    string
	Compression string
	EventBuffer int
}

type Store struct {
	DSN       string
	Retention time.Duration
}

type LLM struct {
	BaseURL string
	APIKey  string
	Model   string
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("gateway.url", "ws://127.0.0.1:7339/gateway")
	v.SetDefault("gateway.encoding", "json")
	v.SetDefault("gateway.compression", "none")
	v.SetDefault("gateway.event_buffer", 256)
	v.SetDefault("store.dsn", "interject.db")
	v.SetDefault("store.retention", 30*24*time.Hour)
	v.SetDefault("settings.file", "")
	v.SetDefault("http.addr", ":7340")
	v.SetDefault("http.socket", "")
	v.SetDefault("http.keys_file", "")
	v.SetDefault("llm.base_url", "https://api.openai.com")
	v.SetDefault("llm.model", "gpt-4o-mini")
}

// ReadFile merges the config file at path, if any.
func ReadFile(v *viper.Viper, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return &ConfigurationError{Key: "config", Reason: err.Error()}
	}
	return nil
}

// Load reads the typed config. requireGateway makes a missing token fatal.
func Load(v *viper.Viper, requireGateway bool) (Config, error) {
	cfg := Config{
		Logging: Logging{
			Level:     v.GetString("logging.level"),
			Format:    v.GetString("logging.format"),
			AddSource: v.GetBool("logging.add_source"),
		},
		Gateway: Gateway{
			URL:         strings.TrimSpace(v.GetString("gateway.url")),
			Token:       strings.TrimSpace(v.GetString("gateway.token")),
			Encoding:    strings.ToLower(v.GetString("gateway.encoding")),
			Compression: strings.ToLower(v.GetString("gateway.compression")),
			EventBuffer: v.GetInt("gateway.event_buffer"),
		},
		Store: Store{
			DSN:       strings.TrimSpace(v.GetString("store.dsn")),
			Retention: v.GetDuration("store.retention"),
		},
		LLM: LLM{
			BaseURL: strings.TrimSpace(v.GetString("llm.base_url")),
			APIKey:  strings.TrimSpace(v.GetString("llm.api_key")),
			Model:   strings.TrimSpace(v.GetString("llm.model")),
		},
		SettingsFile: strings.TrimSpace(v.GetString("settings.file")),
		HTTP: HTTP{
			Addr:       strings.TrimSpace(v.GetString("http.addr")),
			SocketPath: strings.TrimSpace(v.GetString("http.socket")),
			KeysFile:   strings.TrimSpace(v.GetString("http.keys_file")),
		},
	}
	if requireGateway {
		if cfg.Gateway.URL == "" {
			return cfg, &ConfigurationError{Key: "gateway.url", Reason: "required"}
		}
		if cfg.Gateway.Token == "" {
			return cfg, &ConfigurationError{Key: "gateway.token", Reason: "required (set INTERJECT_GATEWAY_TOKEN)"}
		}
	}
	switch cfg.Gateway.Encoding {
	case "json", "cbor":
	default:
		return cfg, &ConfigurationError{Key: "gateway.encoding", Reason: fmt.Sprintf("unknown value %q", cfg.Gateway.Encoding)}
	}
	switch cfg.Gateway.Compression {
	case "none", "zstd":
	default:
		return cfg, &ConfigurationError{Key: "gateway.compression", Reason: fmt.Sprintf("unknown value %q", cfg.Gateway.Compression)}
	}
	if cfg.Store.DSN == "" {
		return cfg, &ConfigurationError{Key: "store.dsn", Reason: "required"}
	}
	if _, err := ParseLevel(cfg.Logging.Level); err != nil {
		return cfg, &ConfigurationError{Key: "logging.level", Reason: err.Error()}
	}
	return cfg, nil
}

// IsPostgres reports whether the DSN selects the Postgres store.
func (s Store) IsPostgres() bool {
	return strings.HasPrefix(s.DSN, "postgres://") || strings.HasPrefix(s.DSN, "postgresql://")
}
