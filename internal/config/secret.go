package config

import (
	"crypto/rand"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"

	"github.com/ocx/hubd/internal/apierr"
)

// masterSecretPath returns <base>/daemon.secret, a random 32-byte value
// generated once per installation and never transmitted.
func masterSecretPath() string {
	return filepath.Join(BaseDir(), "daemon.secret")
}

// loadOrCreateMasterSecret returns the daemon's persistent master
// secret, generating and atomically writing a fresh one on first run.
func loadOrCreateMasterSecret() ([]byte, error) {
	path := masterSecretPath()
	data, err := os.ReadFile(path)
	if err == nil && len(data) == 32 {
		return data, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, apierr.Wrap(apierr.KindIO, "read master secret", err)
	}

	fresh := make([]byte, 32)
	if _, err := rand.Read(fresh); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "generate master secret", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "create base dir for master secret", err)
	}
	if err := atomicWriteMode(path, fresh, 0o600); err != nil {
		return nil, err
	}
	return fresh, nil
}

// DaemonSecret loads (creating if necessary) the daemon's master
// secret and derives a purpose-scoped key from it via HKDF, so the
// gate's verification-receipt signer never signs with the raw,
// disk-resident master secret directly.
func DaemonSecret(purpose string) ([]byte, error) {
	master, err := loadOrCreateMasterSecret()
	if err != nil {
		return nil, err
	}
	reader := hkdf.New(sha256.New, master, nil, []byte(purpose))
	derived := make([]byte, 32)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "derive daemon secret", err)
	}
	return derived, nil
}
