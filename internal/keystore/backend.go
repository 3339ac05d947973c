package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"

	"github.com/99designs/keyring"
	"github.com/mitchellh/go-homedir"
)

// ServiceName is the keyring service under which keys are stored.
const ServiceName = "ethree"

// Backend is raw secret storage addressed by string keys.
type Backend interface {
	// Get returns the stored bytes or ErrNotFound.
	Get(key string) ([]byte, error)
	// Set stores data under key, replacing any previous value in one write.
	Set(key string, data []byte) error
	// Remove deletes key. It returns ErrNotFound when nothing is stored.
	Remove(key string) error
	// Close releases the backend.
	Close() error
}

// KeyringBackend stores secrets in a 99designs keyring.
type KeyringBackend struct {
	ring keyring.Keyring
}

// OpenSystemBackend opens the platform keyring (Keychain, Secret Service,
// Windows Credential Manager, ...).
func OpenSystemBackend() (*KeyringBackend, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &KeyringBackend{ring: ring}, nil
}

// OpenFileBackend opens an encrypted file keyring in dir. A leading "~" is
// expanded to the user's home directory.
func OpenFileBackend(dir, password string) (*KeyringBackend, error) {
	path, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand key store dir: %w", err)
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:      ServiceName,
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		FileDir:          path,
		FilePasswordFunc: keyring.FixedStringPrompt(password),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open file keyring: %w", err)
	}
	return &KeyringBackend{ring: ring}, nil
}

// NewMemoryBackend returns a backend that keeps secrets in process memory.
func NewMemoryBackend() *KeyringBackend {
	return &KeyringBackend{ring: keyring.NewArrayKeyring(nil)}
}

func isNotFound(err error) bool {
	return errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, fs.ErrNotExist)
}

// Get implements Backend.
func (b *KeyringBackend) Get(key string) ([]byte, error) {
	item, err := b.ring.Get(key)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key from keyring: %w", err)
	}
	return bytes.Clone(item.Data), nil
}

// Set implements Backend.
func (b *KeyringBackend) Set(key string, data []byte) error {
	err := b.ring.Set(keyring.Item{
		Key:   key,
		Data:  bytes.Clone(data),
		Label: ServiceName + " private key",
	})
	if err != nil {
		return fmt.Errorf("failed to store key in keyring: %w", err)
	}
	return nil
}

// Remove implements Backend.
func (b *KeyringBackend) Remove(key string) error {
	if err := b.ring.Remove(key); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to remove key from keyring: %w", err)
	}
	return nil
}

// Keys lists the stored keys.
func (b *KeyringBackend) Keys() ([]string, error) {
	keys, err := b.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys from keyring: %w", err)
	}
	return keys, nil
}

// Close implements Backend.
func (b *KeyringBackend) Close() error {
	return nil
}
