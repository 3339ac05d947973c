package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/cloudflare/circl/group"
	"github.com/cloudflare/circl/oprf"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var passwordSuite = oprf.SuiteRistretto255

type kdfParams struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
}

var backupParams = kdfParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}

// PasswordBlinding holds the client state between blinding a password and
// finalizing the server's transform.
type PasswordBlinding struct {
	client oprf.Client
	data   *oprf.FinalizeData
}

// BlindPassword blinds a password for the hardening service. The returned
// element reveals nothing about the password; it is sent to the server and
// the reply passed to Finalize.
func BlindPassword(password []byte) (*PasswordBlinding, []byte, error) {
	if len(password) == 0 {
		return nil, nil, ErrEmptyPassword
	}

	client := oprf.NewClient(passwordSuite)
	data, req, err := client.Blind([][]byte{password})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to blind password: %w", err)
	}

	blinded, err := req.Elements[0].MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode blinded password: %w", err)
	}
	return &PasswordBlinding{client: client, data: data}, blinded, nil
}

// Finalize unblinds the server transform and returns the hardened password.
func (b *PasswordBlinding) Finalize(transformed []byte) ([]byte, error) {
	elem := group.Ristretto255.NewElement()
	if err := elem.UnmarshalBinary(transformed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransform, err)
	}

	outputs, err := b.client.Finalize(b.data, &oprf.Evaluation{Elements: []oprf.Evaluated{elem}})
	if err != nil {
		return nil, fmt.Errorf("failed to finalize password transform: %w", err)
	}
	return outputs[0], nil
}

// PasswordHardener is the server side of password hardening. Each identity
// is evaluated under its own key derived from the service seed.
type PasswordHardener struct {
	seed []byte
}

// NewPasswordHardener creates a hardener from a 32-byte service seed.
func NewPasswordHardener(seed []byte) (*PasswordHardener, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidSeedSize, len(seed), SeedSize)
	}
	own := make([]byte, SeedSize)
	copy(own, seed)
	return &PasswordHardener{seed: own}, nil
}

// Transform evaluates a blinded password for identity.
func (h *PasswordHardener) Transform(identity string, blinded []byte) ([]byte, error) {
	key, err := oprf.DeriveKey(passwordSuite, oprf.BaseMode, h.seed, []byte(identity))
	if err != nil {
		return nil, fmt.Errorf("failed to derive transform key: %w", err)
	}

	elem := group.Ristretto255.NewElement()
	if err := elem.UnmarshalBinary(blinded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransform, err)
	}

	server := oprf.NewServer(passwordSuite, key)
	eval, err := server.Evaluate(&oprf.EvaluationRequest{Elements: []oprf.Blinded{elem}})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate password: %w", err)
	}
	return eval.Elements[0].MarshalBinary()
}

// BackupBlob is the sealed form of a private key backup.
type BackupBlob struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

func deriveBackupKey(hardened, salt []byte, p kdfParams) []byte {
	return argon2.IDKey(hardened, salt, p.Time, p.MemoryKB, p.Threads, chacha20poly1305.KeySize)
}

// SealBackup encrypts plaintext under a key stretched from the hardened
// password. The identity is bound as associated data.
func SealBackup(hardened []byte, identity string, plaintext []byte) ([]byte, error) {
	salt, err := randomBytes(backupSaltSize)
	if err != nil {
		return nil, err
	}
	params := backupParams
	key := deriveBackupKey(hardened, salt, params)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}

	blob := BackupBlob{
		Version:     backupVersion,
		KDF:         backupKDF,
		KDFTime:     params.Time,
		KDFMemoryKB: params.MemoryKB,
		KDFThreads:  params.Threads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, []byte(identity)),
	}
	return json.Marshal(&blob)
}

// OpenBackup decrypts a blob produced by SealBackup. A wrong password and a
// tampered blob are indistinguishable and both return ErrBackupAuthFailed.
func OpenBackup(hardened []byte, identity string, data []byte) ([]byte, error) {
	var blob BackupBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, ErrInvalidBackup
	}
	if blob.Version != backupVersion || blob.KDF != backupKDF || len(blob.Salt) == 0 ||
		blob.KDFTime == 0 || blob.KDFTime > maxBackupTime ||
		blob.KDFThreads == 0 || blob.KDFThreads > maxBackupThreads ||
		blob.KDFMemoryKB == 0 || blob.KDFMemoryKB > maxBackupMemory ||
		len(blob.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalidBackup
	}

	key := deriveBackupKey(hardened, blob.Salt, kdfParams{Time: blob.KDFTime, MemoryKB: blob.KDFMemoryKB, Threads: blob.KDFThreads})
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, []byte(identity))
	if err != nil {
		return nil, ErrBackupAuthFailed
	}
	return plaintext, nil
}
