// Package cli holds the file scaffolding behind the init command.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/interject/internal/auth"
	"github.com/mistakeknot/interject/internal/settings"
)

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Operators map[string]operatorKeys `yaml:"operators"`
}

type operatorKeys struct {
	Keys []string `yaml:"keys"`
}

// InitKeysFile appends a fresh admin API key for operator, creating the
// keys file if needed, and returns the key.
func InitKeysFile(path, operator string) (string, error) {
	path = strings.TrimSpace(path)
	operator = strings.TrimSpace(operator)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	if operator == "" {
		return "", fmt.Errorf("operator required")
	}

	cfg, err := loadKeysFile(path)
	if err != nil {
		return "", err
	}
	if cfg.Operators == nil {
		cfg.Operators = make(map[string]operatorKeys)
	}
	key, err := auth.GenerateKey()
	if err != nil {
		return "", err
	}
	entry := cfg.Operators[operator]
	entry.Keys = append(entry.Keys, key)
	cfg.Operators[operator] = entry
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth == nil {
		val := true
		cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &val
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write keys file: %w", err)
	}
	return key, nil
}

func loadKeysFile(path string) (keysFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return keysFile{}, nil
		}
		return keysFile{}, fmt.Errorf("read keys file: %w", err)
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return keysFile{}, fmt.Errorf("parse keys file: %w", err)
	}
	return cfg, nil
}

// InitSettingsFile writes the default bot settings, with the given bot
// name when set. An existing file is left untouched and reported.
func InitSettingsFile(path, botName string) error {
	s := settings.Defaults()
	if name := strings.TrimSpace(botName); name != "" {
		s.Bot.Name = name
	}
	return settings.WriteFile(path, s.Normalize())
}
