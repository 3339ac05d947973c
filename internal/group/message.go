package group

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethree/client-go/internal/crypto"
)

const messageVersion = 1

// ErrInvalidMessage is returned when a group message cannot be decoded.
var ErrInvalidMessage = errors.New("invalid group message")

// Message is the wire form of a group message.
type Message struct {
	V          int    `json:"v"`
	GroupID    string `json:"group_id"`
	Epoch      uint64 `json:"epoch"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// ParseMessage decodes the header of a group message.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.V != messageVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidMessage, m.V)
	}
	if m.GroupID == "" || len(m.Nonce) != crypto.AESNonceSize {
		return nil, ErrInvalidMessage
	}
	return &m, nil
}

func messageAAD(groupID string, epoch uint64) []byte {
	aad := make([]byte, 0, len(groupID)+9)
	aad = append(aad, groupID...)
	aad = append(aad, 0)
	return binary.BigEndian.AppendUint64(aad, epoch)
}

// Encrypt encrypts data for the latest epoch and signs it with sender.
func (s *Session) Encrypt(data []byte, sender *crypto.PrivateKey) ([]byte, error) {
	t, err := s.Current()
	if err != nil {
		return nil, err
	}

	key, err := crypto.DeriveEpochKey(t.SessionKey, t.GroupID, t.Epoch)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	aad := messageAAD(t.GroupID, t.Epoch)
	sig, err := sender.Sign(crypto.ContextGroupMessage, append(aad, data...))
	if err != nil {
		return nil, err
	}

	inner := make([]byte, 4, 4+len(sig)+len(data))
	binary.BigEndian.PutUint32(inner, uint32(len(sig)))
	inner = append(inner, sig...)
	inner = append(inner, data...)
	defer wipe(inner)

	sealed, err := crypto.EncryptAES(key, inner, aad)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Message{
		V:          messageVersion,
		GroupID:    t.GroupID,
		Epoch:      t.Epoch,
		Nonce:      sealed[:crypto.AESNonceSize],
		Ciphertext: sealed[crypto.AESNonceSize:],
	})
}

// Decrypt opens a group message with the key of its epoch and verifies that
// sender signed it.
func (s *Session) Decrypt(data []byte, sender *crypto.PublicKey) ([]byte, error) {
	m, err := ParseMessage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrDecryptionFailed, err)
	}
	if m.GroupID != s.id {
		return nil, fmt.Errorf("%w: %w", crypto.ErrDecryptionFailed, ErrTicketMismatch)
	}

	t, err := s.Ticket(m.Epoch)
	if err != nil {
		return nil, err
	}

	key, err := crypto.DeriveEpochKey(t.SessionKey, t.GroupID, m.Epoch)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	aad := messageAAD(m.GroupID, m.Epoch)
	sealed := make([]byte, 0, len(m.Nonce)+len(m.Ciphertext))
	sealed = append(sealed, m.Nonce...)
	sealed = append(sealed, m.Ciphertext...)

	inner, err := crypto.DecryptAES(key, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: body", crypto.ErrDecryptionFailed)
	}

	if len(inner) < 4 {
		return nil, fmt.Errorf("%w: %w", crypto.ErrDecryptionFailed, ErrInvalidMessage)
	}
	n := binary.BigEndian.Uint32(inner)
	if uint64(n) > uint64(len(inner)-4) {
		return nil, fmt.Errorf("%w: %w", crypto.ErrDecryptionFailed, ErrInvalidMessage)
	}
	sig, msg := inner[4:4+n], inner[4+n:]

	if err := sender.Verify(crypto.ContextGroupMessage, append(aad, msg...), sig); err != nil {
		return nil, err
	}
	return msg, nil
}
