package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type BootstrapResult struct {
	KeysFile string
	Operator string
	Key      string
	Created  bool
}

// BootstrapDevKey writes a keys file holding one fresh key for operator
// unless the file already exists.
func BootstrapDevKey(keysPath, operator string) (*BootstrapResult, error) {
	keysPath = ResolveKeysPath(keysPath)
	if operator == "" {
		operator = "dev"
	}
	if _, err := os.Stat(keysPath); err == nil {
		return &BootstrapResult{KeysFile: keysPath}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("check keys file: %w", err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	cfg := keysFile{Operators: map[string]operatorKeys{operator: {Keys: []string{key}}}}
	allowLocalhost := true
	cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &allowLocalhost

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(keysPath, data, 0600); err != nil {
		return nil, fmt.Errorf("write keys file: %w", err)
	}
	return &BootstrapResult{KeysFile: keysPath, Operator: operator, Key: key, Created: true}, nil
}

// GenerateKey returns 32 random bytes, base64url encoded.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
