package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

const (
	domainKeyInfo = "domainvault/v1/domain/"
	backupKeyInfo = "domainvault/v1/backup/archive"
)

// Keyring derives per-domain and backup keys from the process-wide master
// key, so a future key rotation or compromise can be scoped to one domain.
type Keyring struct {
	master []byte
}

// NewKeyring wraps a 32-byte master key.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(master))
	}
	k := &Keyring{master: make([]byte, KeySize)}
	copy(k.master, master)
	return k, nil
}

// DomainKey derives the encryption key for a domain. Domain names are
// immutable, so the derivation is stable for the domain's lifetime.
func (k *Keyring) DomainKey(name string) []byte {
	return k.derive(domainKeyInfo + name)
}

// BackupKey derives the key used to seal backup archives. It is not tied
// to any domain so archives stay restorable after a domain row is lost.
func (k *Keyring) BackupKey() []byte {
	return k.derive(backupKeyInfo)
}

func (k *Keyring) derive(info string) []byte {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, k.master, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF cannot fail for a 32-byte read with a SHA-256 PRF.
		panic(fmt.Sprintf("hkdf expand: %v", err))
	}
	return key
}

// LoadOrCreateMasterKey reads the master key file, generating and
// persisting a fresh 32-byte key on first use.
func LoadOrCreateMasterKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("master key file %s has %d bytes, want %d", path, len(key), KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key = make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("persist master key: %w", err)
	}
	return key, nil
}
