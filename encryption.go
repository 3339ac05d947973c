package ethree

import (
	"encoding/base64"
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/ethree/client-go/internal/crypto"
)

// Encrypt signs data with the local private key and encrypts it for the
// given recipients and for the identity itself. A nil recipients map
// encrypts for the identity only; an empty non-nil map is rejected with
// ErrMissingPublicKey.
func (c *Client) Encrypt(data []byte, recipients LookupResult) ([]byte, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if recipients != nil && len(recipients) == 0 {
		return nil, ErrMissingPublicKey
	}

	kp, err := c.loadKeyPair()
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()

	keys, err := recipientKeys(kp.PublicKey, recipients)
	if err != nil {
		return nil, err
	}
	return crypto.SignThenEncrypt(data, kp.PrivateKey, keys)
}

// recipientKeys returns self followed by the recipients in identity order.
func recipientKeys(self *PublicKey, recipients LookupResult) ([]*crypto.PublicKey, error) {
	ids := make([]string, 0, len(recipients))
	for id := range recipients {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	keys := make([]*crypto.PublicKey, 0, len(ids)+1)
	keys = append(keys, self)
	for _, id := range ids {
		pk := recipients[id]
		if pk == nil {
			return nil, fmt.Errorf("%w: no key for %s", ErrMissingPublicKey, id)
		}
		keys = append(keys, pk)
	}
	return keys, nil
}

// Decrypt opens data with the local private key and verifies that sender
// signed it. A nil sender means the identity's own key.
func (c *Client) Decrypt(data []byte, sender *PublicKey) ([]byte, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	kp, err := c.loadKeyPair()
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()

	if sender == nil {
		sender = kp.PublicKey
	}

	plaintext, err := crypto.DecryptThenVerify(data, kp.PrivateKey, sender)
	if err != nil {
		return nil, wrapOpenError("envelope", sender, err)
	}
	return plaintext, nil
}

// EncryptText encrypts a UTF-8 string and returns the envelope as standard
// base64.
func (c *Client) EncryptText(text string, recipients LookupResult) (string, error) {
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("%w: input is not valid UTF-8", ErrEncodingFailed)
	}
	data, err := c.Encrypt([]byte(text), recipients)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecryptText decrypts a base64 envelope produced by EncryptText.
func (c *Client) DecryptText(text string, sender *PublicKey) (string, error) {
	data, err := decodeText(text)
	if err != nil {
		return "", err
	}
	plaintext, err := c.Decrypt(data, sender)
	if err != nil {
		return "", err
	}
	return encodeText(plaintext)
}

func decodeText(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodingFailed, err)
	}
	return data, nil
}

func encodeText(plaintext []byte) (string, error) {
	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrDecodingFailed)
	}
	return string(plaintext), nil
}
