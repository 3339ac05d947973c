package crypto

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/mr-tron/base58/base58"
)

// randReader is the random source used for seeds, encapsulation and nonces.
// It defaults to nil (which uses crypto/rand) but can be overridden for testing.
var randReader io.Reader

var (
	kemScheme kem.Scheme  = mlkem768.Scheme()
	sigScheme sign.Scheme = mldsa65.Scheme()
)

func randomBytes(n int) ([]byte, error) {
	r := randReader
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// KeyID identifies a public key.
type KeyID [KeyIDSize]byte

// String returns the key id as URL-safe base64.
func (id KeyID) String() string {
	return ToBase64URL(id[:])
}

func keyIDOf(raw []byte) KeyID {
	sum := sha512.Sum512(raw)
	var id KeyID
	copy(id[:], sum[:KeyIDSize])
	return id
}

// PublicKey is an imported or generated identity public key.
type PublicKey struct {
	raw []byte
	kem kem.PublicKey
	sig sign.PublicKey
	id  KeyID
}

// PublicKeySize returns the length of a serialized public key.
func PublicKeySize() int {
	return kemScheme.PublicKeySize() + sigScheme.PublicKeySize()
}

// ImportPublicKey parses a serialized public key. Material that does not
// conform to the key scheme fails with ErrInvalidPublicKey.
func ImportPublicKey(raw []byte) (*PublicKey, error) {
	if len(raw) != PublicKeySize() {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(raw), PublicKeySize())
	}

	split := kemScheme.PublicKeySize()
	kpk, err := kemScheme.UnmarshalBinaryPublicKey(raw[:split])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	spk, err := sigScheme.UnmarshalBinaryPublicKey(raw[split:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	own := make([]byte, len(raw))
	copy(own, raw)
	return &PublicKey{raw: own, kem: kpk, sig: spk, id: keyIDOf(own)}, nil
}

// Bytes returns the serialized public key.
func (k *PublicKey) Bytes() []byte {
	out := make([]byte, len(k.raw))
	copy(out, k.raw)
	return out
}

// ID returns the key identifier.
func (k *PublicKey) ID() KeyID {
	return k.id
}

// Fingerprint returns a short human-comparable rendering of the key id.
func (k *PublicKey) Fingerprint() string {
	return base58.Encode(k.id[:])
}

// Equal reports whether both keys have the same serialization.
func (k *PublicKey) Equal(other *PublicKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return subtle.ConstantTimeCompare(k.raw, other.raw) == 1
}

// PrivateKey is an identity private key. It must not outlive the operation
// that loaded it; call Wipe when done.
type PrivateKey struct {
	seed []byte
	kem  kem.PrivateKey
	sig  sign.PrivateKey
	pub  *PublicKey
}

// PublicKey returns the matching public key.
func (k *PrivateKey) PublicKey() *PublicKey {
	return k.pub
}

// Export returns a copy of the private seed.
func (k *PrivateKey) Export() ([]byte, error) {
	if k.wiped() {
		return nil, ErrKeyWiped
	}
	out := make([]byte, len(k.seed))
	copy(out, k.seed)
	return out, nil
}

// Wipe zeroes the seed and drops the expanded keys.
func (k *PrivateKey) Wipe() {
	if k == nil {
		return
	}
	zero(k.seed)
	k.seed = nil
	k.kem = nil
	k.sig = nil
}

func (k *PrivateKey) wiped() bool {
	return k == nil || k.seed == nil
}

// KeyPair is a private key together with its public key.
type KeyPair struct {
	PrivateKey *PrivateKey
	PublicKey  *PublicKey
}

// Wipe wipes the private half of the pair.
func (kp *KeyPair) Wipe() {
	if kp != nil {
		kp.PrivateKey.Wipe()
	}
}

// GenerateKeyPair creates a key pair from a fresh random seed.
func GenerateKeyPair() (*KeyPair, error) {
	seed, err := randomBytes(SeedSize)
	if err != nil {
		return nil, err
	}
	defer zero(seed)

	return GenerateKeyPairFromSeed(seed)
}

// GenerateKeyPairFromSeed deterministically expands a 32-byte seed into a
// key pair. The same seed always yields the same pair.
func GenerateKeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidSeedSize, len(seed), SeedSize)
	}

	kemSeed, err := DeriveKey(seed, nil, []byte(kemSeedInfo), kemScheme.SeedSize())
	if err != nil {
		return nil, err
	}
	defer zero(kemSeed)

	sigSeed, err := DeriveKey(seed, nil, []byte(sigSeedInfo), sigScheme.SeedSize())
	if err != nil {
		return nil, err
	}
	defer zero(sigSeed)

	kpk, ksk := kemScheme.DeriveKeyPair(kemSeed)
	spk, ssk := sigScheme.DeriveKey(sigSeed)

	kemRaw, err := kpk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal KEM public key: %w", err)
	}
	sigRaw, err := spk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signature public key: %w", err)
	}

	raw := append(kemRaw, sigRaw...)
	pub := &PublicKey{raw: raw, kem: kpk, sig: spk, id: keyIDOf(raw)}

	own := make([]byte, SeedSize)
	copy(own, seed)
	return &KeyPair{
		PrivateKey: &PrivateKey{seed: own, kem: ksk, sig: ssk, pub: pub},
		PublicKey:  pub,
	}, nil
}

// ImportPrivateKey rebuilds a key pair from an exported private seed.
func ImportPrivateKey(seed []byte) (*KeyPair, error) {
	return GenerateKeyPairFromSeed(seed)
}
