package ethree

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethree/client-go/internal/api"
	"github.com/ethree/client-go/internal/apierrors"
	"github.com/ethree/client-go/internal/crypto"
	"github.com/ethree/client-go/internal/keystore"
)

// cardSigningBytes is the canonical form of a card covered by its
// self-signature: every field except the directory-assigned id and the
// signature itself, each length-prefixed.
func cardSigningBytes(card *api.Card) []byte {
	fields := [][]byte{
		[]byte(card.Identity),
		[]byte(card.KeyScheme),
		card.PublicKey,
		[]byte(card.CreatedAt.UTC().Format(time.RFC3339Nano)),
		[]byte(card.PreviousCardID),
	}
	var out []byte
	for _, f := range fields {
		out = binary.BigEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}
	return out
}

// newCard builds a card for kp signed by kp itself.
func (c *Client) newCard(kp *crypto.KeyPair, previousCardID string) (api.Card, error) {
	card := api.Card{
		Identity:       c.identity,
		PublicKey:      kp.PublicKey.Bytes(),
		KeyScheme:      crypto.KeyScheme,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
		PreviousCardID: previousCardID,
	}
	sig, err := kp.PrivateKey.Sign(crypto.ContextCard, cardSigningBytes(&card))
	if err != nil {
		return api.Card{}, err
	}
	card.Signature = sig
	return card, nil
}

// Register generates a key pair, stores it on this device and publishes it.
//
// A key already stored locally is treated as stale and replaced. When the
// directory already has a card for the identity, Register rotates it
// instead of failing, so registering twice leaves exactly one published key.
func (c *Client) Register(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}

	release := keystore.Acquire(c.identity)
	defer release()

	c.logger.Debug("registering identity")

	exists, err := c.keys.Exists()
	if err != nil {
		return err
	}
	if exists {
		c.logger.Debug("discarding stale local key before registration")
		if err := c.cleanUpLocked(); err != nil {
			return err
		}
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	defer kp.Wipe()

	if err := c.keys.Store(kp); err != nil {
		return fmt.Errorf("store private key: %w", err)
	}

	card, err := c.newCard(kp, "")
	if err != nil {
		c.rollbackRegistration()
		return err
	}

	published, err := c.api.PublishCard(ctx, card)
	switch {
	case err == nil:
		c.logger.Debug("identity registered", "card_id", published.ID, "key_fp", kp.PublicKey.Fingerprint())
		return nil
	case errors.Is(err, ErrAlreadyRegistered):
		c.logger.Warn("identity already registered, rotating key")
		if err := c.rotateLocked(ctx); err != nil {
			var partial *PartialRotationError
			if !errors.As(err, &partial) {
				c.rollbackRegistration()
			}
			return err
		}
		return nil
	default:
		c.rollbackRegistration()
		return wrapError(err)
	}
}

// rollbackRegistration removes the key stored by a registration whose card
// was not published.
func (c *Client) rollbackRegistration() {
	if err := c.keys.Delete(); err != nil {
		c.logger.Error("failed to roll back local key", "error", err)
	}
}

// RotatePrivateKey replaces the published key of the identity with a new
// one and installs it locally. The previous card is revoked by the
// directory in the same call, so messages encrypted afterwards are
// addressed to the new key only.
//
// If the directory accepts the new card but the device cannot store the new
// key, a *PartialRotationError is returned.
func (c *Client) RotatePrivateKey(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}

	release := keystore.Acquire(c.identity)
	defer release()
	return c.rotateLocked(ctx)
}

// currentCard returns the published card of the identity.
func (c *Client) currentCard(ctx context.Context) (*api.Card, error) {
	cards, err := c.api.SearchCards(ctx, []string{c.identity})
	if err != nil {
		return nil, wrapError(err)
	}
	var current *api.Card
	for i := range cards {
		if cards[i].Identity != c.identity {
			continue
		}
		if current == nil || cards[i].CreatedAt.After(current.CreatedAt) {
			current = &cards[i]
		}
	}
	if current == nil {
		return nil, ErrUserNotRegistered
	}
	return current, nil
}

func (c *Client) rotateLocked(ctx context.Context) error {
	current, err := c.currentCard(ctx)
	if err != nil {
		return err
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	defer kp.Wipe()

	card, err := c.newCard(kp, current.ID)
	if err != nil {
		return err
	}

	published, err := c.api.ReplaceCard(ctx, current.ID, card)
	if err != nil {
		return wrapError(err)
	}

	if err := c.keys.Replace(kp); err != nil {
		c.logger.Error("key rotation partially failed", "card_id", published.ID, "error", err)
		return &PartialRotationError{CardID: published.ID, Err: err}
	}

	// Cached tickets are sealed to the previous key.
	if err := c.groups.DeleteAll(c.identity); err != nil {
		c.logger.Warn("failed to drop group cache after rotation", "error", err)
	}

	c.logger.Debug("private key rotated", "card_id", published.ID, "previous_card_id", current.ID)
	return nil
}

// Unregister revokes the published card and deletes the local key material.
func (c *Client) Unregister(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}

	release := keystore.Acquire(c.identity)
	defer release()

	err := c.api.RevokeCard(ctx, c.identity)
	if errors.Is(err, apierrors.ErrCardNotFound) {
		return ErrUserNotRegistered
	}
	if err != nil {
		return wrapError(err)
	}

	c.logger.Debug("identity unregistered")
	return c.cleanUpLocked()
}
