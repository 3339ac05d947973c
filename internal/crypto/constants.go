package crypto

const (
	// SeedSize is the size of a private key seed in bytes.
	SeedSize = 32

	// KeyIDSize is the size of a public key identifier in bytes.
	KeyIDSize = 8

	// AESKeySize is the size of an AES-256 key in bytes.
	AESKeySize = 32
	// AESNonceSize is the size of an AES-GCM nonce in bytes.
	AESNonceSize = 12
	// AESTagSize is the size of an AES-GCM authentication tag in bytes.
	AESTagSize = 16

	// SessionKeySize is the size of a group epoch session key in bytes.
	SessionKeySize = 32
)

// KeyScheme names the public key algorithm pair published on cards.
const KeyScheme = "ML-KEM-768+ML-DSA-65"

// HKDF info labels. Each derivation uses its own label for domain separation.
const (
	kemSeedInfo  = "ethree:seed:kem:v1"
	sigSeedInfo  = "ethree:seed:sig:v1"
	keyWrapInfo  = "ethree:key-wrap:v1"
	envelopeInfo = "ethree:envelope:v1"
	groupKeyInfo = "ethree:group-epoch:v1"
)

// Backup key derivation defaults.
const (
	backupVersion   = 1
	backupSaltSize  = 16
	backupKDF       = "argon2id"
	maxBackupMemory = 1024 * 1024

	// Upper bounds of stored parameters accepted when opening a blob.
	maxBackupTime    = 16
	maxBackupThreads = 16
)
