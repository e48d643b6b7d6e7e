package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a settings file. Fields missing from the file keep their
// defaults. ".json" and ".jsonc" files may contain comments and trailing
// commas; everything else is parsed as YAML.
func LoadFile(path string) (Settings, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Settings{}, fmt.Errorf("settings path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	s, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return s, nil
}

func Parse(data []byte, ext string) (Settings, error) {
	s := Defaults()
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &s); err != nil {
			return Settings{}, err
		}
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, err
		}
	}
	return s.Normalize(), nil
}

// WriteFile writes s as YAML. It refuses to overwrite an existing file.
func WriteFile(path string, s Settings) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("settings path required")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("settings file already exists: %s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat settings: %w", err)
	}
	data, err := yaml.Marshal(&s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
