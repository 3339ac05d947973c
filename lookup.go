package ethree

import (
	"context"
	"fmt"
	"slices"

	"github.com/ethree/client-go/internal/api"
	"github.com/ethree/client-go/internal/crypto"
)

// PublicKey is a published public key. It can be shared freely.
type PublicKey = crypto.PublicKey

// LookupResult maps identities to their current public keys.
type LookupResult map[string]*PublicKey

// ImportPublicKey parses a serialized public key, e.g. one obtained from
// PublicKey.Bytes on another device.
func ImportPublicKey(raw []byte) (*PublicKey, error) {
	pk, err := crypto.ImportPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyIsNotNativeFormat, err)
	}
	return pk, nil
}

// LookupPublicKeys fetches the current public keys of identities from the
// directory in one request. The whole call fails if any identity is
// unknown (*LookupError) or any returned card is unusable.
func (c *Client) LookupPublicKeys(ctx context.Context, identities ...string) (LookupResult, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if len(identities) == 0 {
		return nil, ErrMissingIdentities
	}

	unique := slices.Clone(identities)
	slices.Sort(unique)
	unique = slices.Compact(unique)
	if unique[0] == "" {
		return nil, fmt.Errorf("%w: empty identity", ErrMissingIdentities)
	}

	c.logger.Debug("looking up public keys", "count", len(unique))

	cards, err := c.api.SearchCards(ctx, unique)
	if err != nil {
		return nil, wrapError(err)
	}

	newest := make(map[string]*api.Card, len(unique))
	for i := range cards {
		card := &cards[i]
		if _, wanted := slices.BinarySearch(unique, card.Identity); !wanted {
			continue
		}
		if prev, ok := newest[card.Identity]; !ok || card.CreatedAt.After(prev.CreatedAt) {
			newest[card.Identity] = card
		}
	}

	result := make(LookupResult, len(unique))
	var missing []string
	for _, identity := range unique {
		card, ok := newest[identity]
		if !ok {
			missing = append(missing, identity)
			continue
		}
		pk, err := verifyCard(card)
		if err != nil {
			return nil, err
		}
		result[identity] = pk
	}
	if len(missing) > 0 {
		return nil, &LookupError{Missing: missing}
	}
	return result, nil
}

// verifyCard checks the key scheme and the self-signature of a card.
func verifyCard(card *api.Card) (*PublicKey, error) {
	if card.KeyScheme != crypto.KeyScheme {
		return nil, fmt.Errorf("%w: card %s uses %q", ErrKeyIsNotNativeFormat, card.ID, card.KeyScheme)
	}
	pk, err := crypto.ImportPublicKey(card.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: card %s: %w", ErrKeyIsNotNativeFormat, card.ID, err)
	}
	if err := pk.Verify(crypto.ContextCard, cardSigningBytes(card), card.Signature); err != nil {
		return nil, fmt.Errorf("%w: card %s", ErrCardVerificationFailed, card.ID)
	}
	return pk, nil
}
