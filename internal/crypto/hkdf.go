package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey derives a key using HKDF-SHA-512.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	if len(salt) == 0 {
		salt = make([]byte, sha512.Size)
	}

	reader := hkdf.New(sha512.New, secret, salt, info)
	key := make([]byte, length)

	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	return key, nil
}

// deriveWrapKey derives the key-encryption key for one recipient from the
// KEM shared secret. The salt binds the KEM ciphertext and the info binds the
// recipient key id.
func deriveWrapKey(sharedSecret, kemCiphertext []byte, id KeyID) ([]byte, error) {
	salt := sha256.Sum256(kemCiphertext)
	info := append([]byte(keyWrapInfo), id[:]...)
	return DeriveKey(sharedSecret, salt[:], info, AESKeySize)
}

// DeriveEpochKey derives the message key of one group epoch from its
// session key.
func DeriveEpochKey(sessionKey []byte, groupID string, epoch uint64) ([]byte, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(sessionKey), SessionKeySize)
	}
	info := make([]byte, 0, len(groupKeyInfo)+len(groupID)+9)
	info = append(info, groupKeyInfo...)
	info = append(info, groupID...)
	info = append(info, 0)
	info = binary.BigEndian.AppendUint64(info, epoch)
	return DeriveKey(sessionKey, nil, info, AESKeySize)
}

// NewSessionKey returns fresh random group session key material.
func NewSessionKey() ([]byte, error) {
	return randomBytes(SessionKeySize)
}
