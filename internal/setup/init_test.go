package setup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/msageha/nightline/internal/envelope"
	"github.com/msageha/nightline/internal/model"
)

func TestRunCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	base, err := Run(dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if base != filepath.Join(dir, DirName) {
		t.Errorf("base = %s", base)
	}

	for _, d := range []string{"keys", "logs", "locks"} {
		info, err := os.Stat(filepath.Join(base, d))
		if err != nil || !info.IsDir() {
			t.Errorf("%s: %v", d, err)
		}
	}
	info, err := os.Stat(filepath.Join(base, "keys"))
	if err == nil && info.Mode().Perm() != 0700 {
		t.Errorf("keys perm = %o", info.Mode().Perm())
	}
}

func TestRunWritesLoadableConfig(t *testing.T) {
	base, err := Run(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := model.LoadConfig(base)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Broker.PrivateKeyPath != "keys/broker.pem" {
		t.Errorf("key path = %q", cfg.Broker.PrivateKeyPath)
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0].Name != "web" {
		t.Errorf("backends = %+v", cfg.Backends)
	}
	data, err := os.ReadFile(filepath.Join(base, model.ConfigFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# nightline broker configuration.") {
		t.Error("template comments should be preserved")
	}
}

func TestRunGeneratesKeyPair(t *testing.T) {
	base, err := Run(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	privPath := filepath.Join(base, "keys", "broker.pem")
	info, err := os.Stat(privPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("private key perm = %o", info.Mode().Perm())
	}

	priv, err := envelope.LoadPrivateKey(privPath)
	if err != nil {
		t.Fatalf("LoadPrivateKey: %v", err)
	}
	if priv.N.BitLen() != KeyBits {
		t.Errorf("key bits = %d", priv.N.BitLen())
	}

	pubPEM, err := os.ReadFile(filepath.Join(base, "keys", PublicKeyFile))
	if err != nil {
		t.Fatal(err)
	}
	pub, err := envelope.ParsePublicKey(pubPEM)
	if err != nil {
		t.Fatal(err)
	}
	if !pub.Equal(&priv.PublicKey) {
		t.Error("public key does not match private key")
	}
}

func TestRunRejectsExistingDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, DirName), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := Run(dir); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("err = %v", err)
	}
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := writeFileAtomic(path, []byte("one"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := writeFileAtomic(path, []byte("two"), 0600); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "two" {
		t.Errorf("content = %q", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}
