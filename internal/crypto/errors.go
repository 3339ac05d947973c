package crypto

import "errors"

var (
	// ErrInvalidSeedSize is returned when a private key seed has the wrong length.
	ErrInvalidSeedSize = errors.New("invalid private key seed size")

	// ErrInvalidPublicKey is returned when public key material does not
	// conform to the key scheme.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrKeyWiped is returned when a private key is used after Wipe.
	ErrKeyWiped = errors.New("private key has been wiped")

	// ErrNoRecipients is returned when an envelope would have no recipients.
	ErrNoRecipients = errors.New("no recipients")

	// ErrNotARecipient is returned when the decrypting key is not among the
	// envelope recipients.
	ErrNotARecipient = errors.New("key is not a recipient of this message")

	// ErrSignatureVerificationFailed is returned when signature verification fails.
	ErrSignatureVerificationFailed = errors.New("signature verification failed")

	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidKeySize is returned when the AES key size is invalid.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrInvalidNonceSize is returned when the nonce size is invalid.
	ErrInvalidNonceSize = errors.New("invalid nonce size")

	// ErrInvalidPayload is returned when the encrypted payload structure is invalid.
	// This includes malformed JSON, missing required fields, or invalid encoding.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidAlgorithm is returned when an unrecognized or unsupported
	// algorithm is specified in the payload.
	ErrInvalidAlgorithm = errors.New("invalid algorithm")

	// ErrEmptyPassword is returned when a backup password is empty.
	ErrEmptyPassword = errors.New("password is empty")

	// ErrInvalidTransform is returned when the server's password transform
	// is not a valid group element.
	ErrInvalidTransform = errors.New("invalid password transform")

	// ErrBackupAuthFailed is returned when a backup blob cannot be opened
	// with the hardened password.
	ErrBackupAuthFailed = errors.New("backup authentication failed")

	// ErrInvalidBackup is returned when a backup blob is malformed.
	ErrInvalidBackup = errors.New("backup blob is invalid")

	// ErrInvalidMnemonic is returned when a recovery phrase fails validation.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
)
