package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ethree/client-go/internal/apierrors"
)

// SearchCards returns the current cards of the given identities. Identities
// without a card are absent from the result.
func (c *Client) SearchCards(ctx context.Context, identities []string) ([]Card, error) {
	var result searchCardsResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/cards/actions/search",
		route:  "/cards/actions/search",
		body:   searchCardsRequest{Identities: identities},
	}, &result)
	if err != nil {
		return nil, apierrors.WithResourceType(err, apierrors.ResourceCard)
	}
	return result.Cards, nil
}

// PublishCard publishes the first card of an identity.
func (c *Client) PublishCard(ctx context.Context, card Card) (*Card, error) {
	var result Card
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/cards",
		route:  "/cards",
		body:   card,
	}, &result)
	if err != nil {
		return nil, apierrors.WithResourceType(err, apierrors.ResourceCard)
	}
	return &result, nil
}

// ReplaceCard atomically replaces the current card of an identity. The
// previous card stops being returned by SearchCards immediately.
func (c *Client) ReplaceCard(ctx context.Context, previousCardID string, card Card) (*Card, error) {
	var result Card
	err := c.do(ctx, request{
		method: http.MethodPut,
		path:   "/cards/" + url.PathEscape(card.Identity),
		route:  "/cards/{identity}",
		body:   replaceCardRequest{PreviousCardID: previousCardID, Card: card},
	}, &result)
	if err != nil {
		return nil, apierrors.WithResourceType(err, apierrors.ResourceCard)
	}
	return &result, nil
}

// RevokeCard removes the current card of an identity.
func (c *Client) RevokeCard(ctx context.Context, identity string) error {
	err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   "/cards/" + url.PathEscape(identity),
		route:  "/cards/{identity}",
	}, nil)
	return apierrors.WithResourceType(err, apierrors.ResourceCard)
}
