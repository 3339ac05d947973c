// Package keystore persists identity private keys on the local device.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethree/client-go/internal/crypto"
)

var (
	// ErrNotFound is returned when no private key is stored for the identity.
	ErrNotFound = errors.New("no private key stored")

	// ErrKeyExists is returned by Store when a key is already present.
	ErrKeyExists = errors.New("a private key is already stored")

	// ErrCorrupt is returned when the stored record cannot be decoded.
	ErrCorrupt = errors.New("stored private key is corrupt")
)

const recordVersion = 1

type record struct {
	Version    int       `json:"v"`
	Identity   string    `json:"identity"`
	PrivateKey []byte    `json:"private_key"`
	KeyID      string    `json:"key_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// LocalKeyStore holds at most one key pair for one identity.
type LocalKeyStore struct {
	backend  Backend
	identity string
}

// New binds a store to identity on backend.
func New(backend Backend, identity string) *LocalKeyStore {
	return &LocalKeyStore{backend: backend, identity: identity}
}

func (s *LocalKeyStore) key() string {
	return "identity:" + s.identity
}

// Exists reports whether a key pair is stored.
func (s *LocalKeyStore) Exists() (bool, error) {
	data, err := s.backend.Get(s.key())
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for i := range data {
		data[i] = 0
	}
	return true, nil
}

// Load returns the stored key pair. The caller owns it and must Wipe it.
func (s *LocalKeyStore) Load() (*crypto.KeyPair, error) {
	data, err := s.backend.Get(s.key())
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range data {
			data[i] = 0
		}
	}()

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.Version != recordVersion || rec.Identity != s.identity {
		return nil, ErrCorrupt
	}

	kp, err := crypto.ImportPrivateKey(rec.PrivateKey)
	for i := range rec.PrivateKey {
		rec.PrivateKey[i] = 0
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return kp, nil
}

// Store saves kp. It fails with ErrKeyExists if a key is already stored.
func (s *LocalKeyStore) Store(kp *crypto.KeyPair) error {
	exists, err := s.Exists()
	if err != nil {
		return err
	}
	if exists {
		return ErrKeyExists
	}
	return s.write(kp)
}

// Replace overwrites the stored key pair with kp in a single write.
func (s *LocalKeyStore) Replace(kp *crypto.KeyPair) error {
	return s.write(kp)
}

// Delete removes the stored key pair. Deleting a missing key is not an error.
func (s *LocalKeyStore) Delete() error {
	err := s.backend.Remove(s.key())
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *LocalKeyStore) write(kp *crypto.KeyPair) error {
	seed, err := kp.PrivateKey.Export()
	if err != nil {
		return err
	}
	defer func() {
		for i := range seed {
			seed[i] = 0
		}
	}()

	data, err := json.Marshal(record{
		Version:    recordVersion,
		Identity:   s.identity,
		PrivateKey: seed,
		KeyID:      kp.PublicKey.ID().String(),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode key record: %w", err)
	}
	return s.backend.Set(s.key(), data)
}

var (
	locksMu sync.Mutex
	locks   = make(map[string]*identityLock)
)

type identityLock struct {
	mu   sync.Mutex
	refs int
}

// Acquire takes the process-wide lock for identity and returns the function
// that releases it. Operations that read and then change the stored key of an
// identity run under this lock.
func Acquire(identity string) (release func()) {
	locksMu.Lock()
	l, ok := locks[identity]
	if !ok {
		l = &identityLock{}
		locks[identity] = l
	}
	l.refs++
	locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(locks, identity)
		}
		locksMu.Unlock()
	}
}
