package crypto

import (
	"github.com/cloudflare/circl/sign"
)

// Context separates signatures made for different purposes with the same key.
type Context string

const (
	// ContextEnvelope signs the plaintext of a sign-then-encrypt envelope.
	ContextEnvelope Context = "ethree:envelope:v1"
	// ContextCard signs the canonical bytes of a published card.
	ContextCard Context = "ethree:card:v1"
	// ContextGroupMessage signs the plaintext of a group message.
	ContextGroupMessage Context = "ethree:group-message:v1"
)

// Sign signs msg under the given context with ML-DSA-65.
func (k *PrivateKey) Sign(ctx Context, msg []byte) ([]byte, error) {
	if k.wiped() {
		return nil, ErrKeyWiped
	}
	return sigScheme.Sign(k.sig, msg, &sign.SignatureOpts{Context: string(ctx)}), nil
}

// Verify checks an ML-DSA-65 signature made under the given context.
func (k *PublicKey) Verify(ctx Context, msg, signature []byte) error {
	if len(signature) != sigScheme.SignatureSize() {
		return ErrSignatureVerificationFailed
	}
	if !sigScheme.Verify(k.sig, msg, signature, &sign.SignatureOpts{Context: string(ctx)}) {
		return ErrSignatureVerificationFailed
	}
	return nil
}
