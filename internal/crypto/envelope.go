package crypto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

const envelopeVersion = 1

// Envelope is the wire form of a sign-then-encrypt message.
type Envelope struct {
	// V is the envelope format version.
	V int `json:"v"`
	// Algs specifies the cryptographic algorithm suite used.
	Algs AlgorithmSuite `json:"algs"`
	// Recipients carries one wrapped data key per recipient key.
	Recipients []Recipient `json:"recipients"`
	// Nonce is the AES-GCM nonce of the body (base64url-encoded).
	Nonce string `json:"nonce"`
	// Ciphertext is the encrypted signed body (base64url-encoded).
	Ciphertext string `json:"ciphertext"`
}

// Recipient is the per-recipient key slot of an envelope.
type Recipient struct {
	// KeyID identifies the recipient public key (base64url-encoded).
	KeyID string `json:"kid"`
	// CtKem is the ML-KEM-768 ciphertext (base64url-encoded).
	CtKem string `json:"ct_kem"`
	// WrappedKey is the data key encrypted under the derived KEK
	// (base64url-encoded nonce || ciphertext || tag).
	WrappedKey string `json:"wrapped_key"`
}

// AlgorithmSuite represents the cryptographic algorithm suite.
type AlgorithmSuite struct {
	// KEM is the key encapsulation mechanism (e.g., "ML-KEM-768").
	KEM string `json:"kem"`
	// Sig is the signature algorithm (e.g., "ML-DSA-65").
	Sig string `json:"sig"`
	// AEAD is the authenticated encryption algorithm (e.g., "AES-256-GCM").
	AEAD string `json:"aead"`
	// KDF is the key derivation function (e.g., "HKDF-SHA-512").
	KDF string `json:"kdf"`
}

// DefaultAlgorithmSuite returns the only suite this package produces.
func DefaultAlgorithmSuite() AlgorithmSuite {
	return AlgorithmSuite{KEM: "ML-KEM-768", Sig: "ML-DSA-65", AEAD: "AES-256-GCM", KDF: "HKDF-SHA-512"}
}

func (a AlgorithmSuite) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", a.KEM, a.Sig, a.AEAD, a.KDF)
}

// associatedData binds the header and the full recipient list to the body.
func (e *Envelope) associatedData() []byte {
	aad := []byte{byte(e.V)}
	aad = append(aad, e.Algs.String()...)
	aad = append(aad, envelopeInfo...)
	for _, r := range e.Recipients {
		aad = append(aad, r.KeyID...)
		aad = append(aad, r.CtKem...)
		aad = append(aad, r.WrappedKey...)
	}
	return aad
}

// packSigned prefixes data with its signature: u32(len(sig)) || sig || data.
func packSigned(sig, data []byte) []byte {
	out := make([]byte, 0, 4+len(sig)+len(data))
	out = binary.BigEndian.AppendUint32(out, uint32(len(sig)))
	out = append(out, sig...)
	return append(out, data...)
}

func unpackSigned(inner []byte) (sig, data []byte, err error) {
	if len(inner) < 4 {
		return nil, nil, ErrInvalidPayload
	}
	n := binary.BigEndian.Uint32(inner)
	if uint64(n) > uint64(len(inner)-4) {
		return nil, nil, ErrInvalidPayload
	}
	return inner[4 : 4+n], inner[4+n:], nil
}

// SignThenEncrypt signs data with signer and encrypts it so that each of the
// recipients can decrypt it. Recipients sharing a key id are included once.
func SignThenEncrypt(data []byte, signer *PrivateKey, recipients []*PublicKey) ([]byte, error) {
	if signer.wiped() {
		return nil, ErrKeyWiped
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	sig, err := signer.Sign(ContextEnvelope, data)
	if err != nil {
		return nil, err
	}

	dek, err := randomBytes(AESKeySize)
	if err != nil {
		return nil, err
	}
	defer zero(dek)

	env := &Envelope{V: envelopeVersion, Algs: DefaultAlgorithmSuite()}
	seen := make(map[KeyID]struct{}, len(recipients))
	for _, pk := range recipients {
		if pk == nil {
			return nil, ErrInvalidPublicKey
		}
		if _, dup := seen[pk.id]; dup {
			continue
		}
		seen[pk.id] = struct{}{}

		slot, err := wrapDataKey(dek, pk)
		if err != nil {
			return nil, err
		}
		env.Recipients = append(env.Recipients, slot)
	}

	nonce, err := randomBytes(AESNonceSize)
	if err != nil {
		return nil, err
	}
	body, err := encryptAESGCM(dek, nonce, env.associatedData(), packSigned(sig, data))
	if err != nil {
		return nil, err
	}
	env.Nonce = ToBase64URL(nonce)
	env.Ciphertext = ToBase64URL(body)

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return out, nil
}

func wrapDataKey(dek []byte, pk *PublicKey) (Recipient, error) {
	seed, err := randomBytes(kemScheme.EncapsulationSeedSize())
	if err != nil {
		return Recipient{}, err
	}
	defer zero(seed)

	ct, ss, err := kemScheme.EncapsulateDeterministically(pk.kem, seed)
	if err != nil {
		return Recipient{}, fmt.Errorf("failed to encapsulate: %w", err)
	}
	defer zero(ss)

	kek, err := deriveWrapKey(ss, ct, pk.id)
	if err != nil {
		return Recipient{}, err
	}
	defer zero(kek)

	wrapped, err := EncryptAES(kek, dek, pk.id[:])
	if err != nil {
		return Recipient{}, err
	}

	return Recipient{
		KeyID:      pk.id.String(),
		CtKem:      ToBase64URL(ct),
		WrappedKey: ToBase64URL(wrapped),
	}, nil
}

// ParseEnvelope decodes and structurally validates an envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.V != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, env.V)
	}
	if env.Algs != DefaultAlgorithmSuite() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAlgorithm, env.Algs)
	}
	if len(env.Recipients) == 0 || env.Nonce == "" || env.Ciphertext == "" {
		return nil, fmt.Errorf("%w: missing fields", ErrInvalidPayload)
	}
	return &env, nil
}

// DecryptThenVerify opens an envelope with self and verifies that it was
// signed by sender. Any structural or cryptographic failure before the
// signature check wraps ErrDecryptionFailed; a signature that does not match
// sender is ErrSignatureVerificationFailed.
func DecryptThenVerify(data []byte, self *PrivateKey, sender *PublicKey) ([]byte, error) {
	if self.wiped() {
		return nil, ErrKeyWiped
	}
	if sender == nil {
		return nil, ErrInvalidPublicKey
	}

	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}

	dek, err := unwrapDataKey(env, self)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	defer zero(dek)

	nonce, err := FromBase64URL(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: nonce", ErrDecryptionFailed, ErrInvalidPayload)
	}
	body, err := FromBase64URL(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: ciphertext", ErrDecryptionFailed, ErrInvalidPayload)
	}

	inner, err := decryptAESGCM(dek, nonce, env.associatedData(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: body", ErrDecryptionFailed)
	}

	sig, msg, err := unpackSigned(inner)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}

	if err := sender.Verify(ContextEnvelope, msg, sig); err != nil {
		return nil, err
	}
	return msg, nil
}

func unwrapDataKey(env *Envelope, self *PrivateKey) ([]byte, error) {
	kid := self.pub.id.String()
	for _, r := range env.Recipients {
		if r.KeyID != kid {
			continue
		}

		ct, err := FromBase64URL(r.CtKem)
		if err != nil || len(ct) != kemScheme.CiphertextSize() {
			return nil, fmt.Errorf("%w: ct_kem", ErrInvalidPayload)
		}
		wrapped, err := FromBase64URL(r.WrappedKey)
		if err != nil {
			return nil, fmt.Errorf("%w: wrapped_key", ErrInvalidPayload)
		}

		ss, err := kemScheme.Decapsulate(self.kem, ct)
		if err != nil {
			return nil, fmt.Errorf("failed to decapsulate: %w", err)
		}
		defer zero(ss)

		kek, err := deriveWrapKey(ss, ct, self.pub.id)
		if err != nil {
			return nil, err
		}
		defer zero(kek)

		return DecryptAES(kek, wrapped, self.pub.id[:])
	}
	return nil, ErrNotARecipient
}
