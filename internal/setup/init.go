// Package setup creates a broker directory with a default config and a
// fresh broker key pair.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/msageha/nightline/internal/envelope"
	"github.com/msageha/nightline/internal/model"
	"github.com/msageha/nightline/templates"
)

// DirName is the broker directory created inside the target directory.
const DirName = ".nightline"

// KeyBits is the size of generated broker keys.
const KeyBits = 2048

// PublicKeyFile is written next to the private key for distribution to
// operator clients.
const PublicKeyFile = "broker.pub.pem"

// Run creates <dir>/.nightline and returns its path.
func Run(dir string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve dir: %w", err)
	}
	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"keys", "logs", "locks"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	if err := os.Chmod(filepath.Join(base, "keys"), 0700); err != nil {
		return "", fmt.Errorf("chmod keys: %w", err)
	}

	data, err := fs.ReadFile(templates.FS, model.ConfigFileName)
	if err != nil {
		return "", fmt.Errorf("read config template: %w", err)
	}
	cfg, err := model.ParseConfig(data, map[string]string{})
	if err != nil {
		return "", fmt.Errorf("config template: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(base, model.ConfigFileName), data, 0644); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}

	if err := WriteKeyPair(filepath.Join(base, cfg.Broker.PrivateKeyPath)); err != nil {
		return "", err
	}
	return base, nil
}

// WriteKeyPair generates a broker key, writes it to privPath and the public
// half to PublicKeyFile in the same directory.
func WriteKeyPair(privPath string) error {
	key, err := envelope.GenerateKey(KeyBits)
	if err != nil {
		return err
	}
	pub, err := envelope.EncodePublicKey(&key.PublicKey)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(privPath), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := writeFileAtomic(privPath, envelope.EncodePrivateKey(key), 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(filepath.Dir(privPath), PublicKeyFile), pub, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}
