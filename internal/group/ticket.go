// Package group implements versioned group sessions.
//
// Each epoch of a group is described by a Ticket: the member list and a fresh
// session key. The initiator signs every ticket and encrypts it to the member
// keys of that epoch only, so a member removed at epoch N cannot read tickets
// from N onward. Messages are encrypted under a key derived from the session
// key of one epoch and signed by the sender.
package group

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/ethree/client-go/internal/crypto"
)

const (
	// MinMembers is the smallest allowed group, initiator included.
	MinMembers = 2
	// MaxMembers is the largest allowed group, initiator included.
	MaxMembers = 100
)

var (
	// ErrInvalidMembers is returned when a member list is out of bounds,
	// contains empty identities, or does not contain the initiator.
	ErrInvalidMembers = errors.New("invalid group members")

	// ErrTicketMismatch is returned when a ticket does not belong to the
	// session it is applied to.
	ErrTicketMismatch = errors.New("ticket does not belong to this group")

	// ErrInvalidTicket is returned when a sealed ticket cannot be decoded.
	ErrInvalidTicket = errors.New("invalid group ticket")
)

// Ticket is the key material of one group epoch.
type Ticket struct {
	GroupID    string   `json:"group_id"`
	Epoch      uint64   `json:"epoch"`
	Initiator  string   `json:"initiator"`
	Members    []string `json:"members"`
	SessionKey []byte   `json:"session_key"`
}

// NormalizeMembers sorts and dedupes members, adds the initiator, and checks
// the size bounds.
func NormalizeMembers(initiator string, members []string) ([]string, error) {
	if initiator == "" {
		return nil, fmt.Errorf("%w: empty initiator", ErrInvalidMembers)
	}
	out := make([]string, 0, len(members)+1)
	out = append(out, initiator)
	for _, m := range members {
		if m == "" {
			return nil, fmt.Errorf("%w: empty identity", ErrInvalidMembers)
		}
		out = append(out, m)
	}
	slices.Sort(out)
	out = slices.Compact(out)

	if len(out) < MinMembers || len(out) > MaxMembers {
		return nil, fmt.Errorf("%w: %d members, want %d..%d", ErrInvalidMembers, len(out), MinMembers, MaxMembers)
	}
	return out, nil
}

// NewTicket creates the epoch 0 ticket of a new group.
func NewTicket(groupID, initiator string, members []string) (*Ticket, error) {
	normalized, err := NormalizeMembers(initiator, members)
	if err != nil {
		return nil, err
	}
	key, err := crypto.NewSessionKey()
	if err != nil {
		return nil, err
	}
	return &Ticket{
		GroupID:    groupID,
		Epoch:      0,
		Initiator:  initiator,
		Members:    normalized,
		SessionKey: key,
	}, nil
}

// Next creates the ticket of the following epoch with a fresh session key.
func (t *Ticket) Next(members []string) (*Ticket, error) {
	normalized, err := NormalizeMembers(t.Initiator, members)
	if err != nil {
		return nil, err
	}
	key, err := crypto.NewSessionKey()
	if err != nil {
		return nil, err
	}
	return &Ticket{
		GroupID:    t.GroupID,
		Epoch:      t.Epoch + 1,
		Initiator:  t.Initiator,
		Members:    normalized,
		SessionKey: key,
	}, nil
}

// HasMember reports whether identity is a member at this epoch.
func (t *Ticket) HasMember(identity string) bool {
	_, found := slices.BinarySearch(t.Members, identity)
	return found
}

// Seal signs the ticket with the initiator key and encrypts it to recipients.
func (t *Ticket) Seal(initiator *crypto.PrivateKey, recipients []*crypto.PublicKey) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ticket: %w", err)
	}
	defer wipe(data)
	return crypto.SignThenEncrypt(data, initiator, recipients)
}

// OpenTicket decrypts a sealed ticket with self and verifies that initiator
// signed it.
func OpenTicket(sealed []byte, self *crypto.PrivateKey, initiator *crypto.PublicKey) (*Ticket, error) {
	data, err := crypto.DecryptThenVerify(sealed, self, initiator)
	if err != nil {
		return nil, err
	}
	defer wipe(data)

	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if len(t.SessionKey) != crypto.SessionKeySize || t.GroupID == "" {
		return nil, ErrInvalidTicket
	}
	if !slices.IsSorted(t.Members) {
		slices.Sort(t.Members)
	}
	return &t, nil
}

// Wipe zeroes the session key.
func (t *Ticket) Wipe() {
	wipe(t.SessionKey)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
