package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBootstrapDevKeyCreatesFile(t *testing.T) {
	keysPath := filepath.Join(t.TempDir(), "keys.yaml")

	result, err := BootstrapDevKey(keysPath, "alice")
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if !result.Created || result.Key == "" || result.Operator != "alice" {
		t.Fatalf("unexpected result %+v", result)
	}
	ring, err := LoadKeyring(keysPath)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	op, ok := ring.OperatorForKey(result.Key)
	if !ok || op != "alice" {
		t.Fatalf("expected key to map to alice, got %s ok=%v", op, ok)
	}
	if !ring.AllowLocalhostWithoutAuth {
		t.Fatalf("expected localhost bypass enabled")
	}
}

func TestBootstrapDevKeySkipsExisting(t *testing.T) {
	keysPath := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(keysPath, []byte("operators: {}\n"), 0600); err != nil {
		t.Fatalf("write existing: %v", err)
	}
	result, err := BootstrapDevKey(keysPath, "alice")
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if result.Created {
		t.Fatalf("expected existing file to be kept")
	}
}

func TestLoadKeyringBootstrapsMissingFile(t *testing.T) {
	keysPath := filepath.Join(t.TempDir(), "keys.yaml")
	if _, err := LoadKeyring(keysPath); err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	if _, err := os.Stat(keysPath); err != nil {
		t.Fatalf("keys file not created: %v", err)
	}
}

func TestParseKeyringRejectsSharedKey(t *testing.T) {
	data := []byte(`
default_policy:
  allow_localhost_without_auth: false
operators:
  a: {keys: [shared]}
  b: {keys: [shared]}
`)
	if _, err := ParseKeyring(data); err == nil {
		t.Fatalf("expected error for key reused across operators")
	}
}

func TestParseKeyringPolicy(t *testing.T) {
	ring, err := ParseKeyring([]byte("default_policy:\n  allow_localhost_without_auth: false\noperators:\n  ops:\n    keys: [' k1 ', '']\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ring.AllowLocalhostWithoutAuth {
		t.Fatalf("expected localhost bypass disabled")
	}
	if op, ok := ring.OperatorForKey("k1"); !ok || op != "ops" {
		t.Fatalf("expected trimmed key k1 for ops, got %q %v", op, ok)
	}
}
