// Package crypto provides the cryptographic engine for the ethree client.
// It implements identity key pairs, multi-recipient sign-then-encrypt
// envelopes, password hardening for key backups and mnemonic export.
//
// # Algorithm Suite
//
//   - ML-KEM-768 (NIST FIPS 203): per-recipient key encapsulation of the
//     message data key.
//
//   - ML-DSA-65 (NIST FIPS 204): sender signatures over the plaintext and
//     self-signatures over published cards.
//
//   - AES-256-GCM: authenticated encryption of message bodies, wrapped data
//     keys and group messages.
//
//   - HKDF-SHA-512 (RFC 5869): splitting the private seed into the KEM and
//     signature seeds, and deriving key-wrapping and group epoch keys.
//
//   - OPRF over ristretto255 (RFC 9497), Argon2id and XChaCha20-Poly1305:
//     password hardening and sealing of private key backups.
//
// # Key Management
//
// A private key is a 32-byte seed. [GenerateKeyPair] draws a fresh seed and
// [ImportPrivateKey] rebuilds the pair from an exported one. The public key is
// the concatenation of the ML-KEM-768 and ML-DSA-65 public keys and is
// identified by [KeyID], the first 8 bytes of its SHA-512 digest.
//
// [PrivateKey] values hold secret material. Callers borrow them for a single
// operation and release them with [PrivateKey.Wipe]:
//
//	kp, err := store.Load()
//	if err != nil {
//	    return err
//	}
//	defer kp.Wipe()
//
// # Envelopes
//
// [SignThenEncrypt] signs the plaintext with the sender key, encrypts it once
// under a random data key and wraps that key for every recipient.
// [DecryptThenVerify] reverses the process and reports
// [ErrDecryptionFailed] when the caller is not a recipient or the ciphertext
// is damaged, and [ErrSignatureVerificationFailed] when the signature does
// not match the expected sender.
package crypto
