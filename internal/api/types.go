package api

import "time"

// Card is a directory entry binding an identity to its current public key.
type Card struct {
	// ID is assigned by the directory when the card is published.
	ID string `json:"id,omitempty"`
	// Identity is the application-level user identifier.
	Identity string `json:"identity"`
	// PublicKey is the serialized public key.
	PublicKey []byte `json:"public_key"`
	// KeyScheme names the public key algorithms.
	KeyScheme string `json:"key_scheme"`
	// CreatedAt is the card creation time set by the publisher.
	CreatedAt time.Time `json:"created_at"`
	// PreviousCardID is the card this one replaced, if any.
	PreviousCardID string `json:"previous_card_id,omitempty"`
	// Signature is the self-signature of the card key over the card's
	// signing bytes.
	Signature []byte `json:"signature"`
}

type searchCardsRequest struct {
	Identities []string `json:"identities"`
}

type searchCardsResponse struct {
	Cards []Card `json:"cards"`
}

type replaceCardRequest struct {
	PreviousCardID string `json:"previous_card_id"`
	Card           Card   `json:"card"`
}

// GroupTicket is one epoch of a group as stored by the service. Sealed is
// opaque to the service.
type GroupTicket struct {
	Epoch   uint64   `json:"epoch"`
	Members []string `json:"members"`
	Sealed  []byte   `json:"sealed_ticket"`
}

// GroupTickets is the caller's view of a group: the epochs it belongs to.
type GroupTickets struct {
	GroupID   string        `json:"group_id"`
	Initiator string        `json:"initiator"`
	Tickets   []GroupTicket `json:"tickets"`
}

type authenticateRequest struct {
	Identity string `json:"identity"`
}

type transformRequest struct {
	Blinded []byte `json:"blinded"`
}

type transformResponse struct {
	Transformed []byte `json:"transformed"`
}

// KeyBackup is a sealed private key backup.
type KeyBackup struct {
	Blob      []byte `json:"blob"`
	Overwrite bool   `json:"overwrite,omitempty"`
}
