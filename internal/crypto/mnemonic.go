package crypto

import (
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// Mnemonic renders the private seed as a 24-word BIP-39 phrase.
func (k *PrivateKey) Mnemonic() (string, error) {
	if k.wiped() {
		return "", ErrKeyWiped
	}
	return bip39.NewMnemonic(k.seed)
}

// SeedFromMnemonic recovers a private seed from a phrase produced by Mnemonic.
func SeedFromMnemonic(mnemonic string) ([]byte, error) {
	normalized := strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
	if !bip39.IsMnemonicValid(normalized) {
		return nil, ErrInvalidMnemonic
	}
	seed, err := bip39.EntropyFromMnemonic(normalized)
	if err != nil {
		return nil, ErrInvalidMnemonic
	}
	if len(seed) != SeedSize {
		zero(seed)
		return nil, ErrInvalidSeedSize
	}
	return seed, nil
}
