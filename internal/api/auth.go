package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/ethree/client-go/internal/apierrors"
)

// Authenticate asks the application backend for an auth token for identity.
func (c *Client) Authenticate(ctx context.Context, identity string) (string, error) {
	var result map[string]any
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/authenticate",
		route:  "/authenticate",
		body:   authenticateRequest{Identity: identity},
	}, &result)
	if err != nil {
		return "", apierrors.WithResourceType(err, apierrors.ResourceAuth)
	}

	token, _ := result["authToken"].(string)
	if strings.TrimSpace(token) == "" {
		return "", ErrMalformedTokenResponse
	}
	return token, nil
}

// ExchangeToken trades an auth token for a directory access token.
func (c *Client) ExchangeToken(ctx context.Context, authToken string) (string, error) {
	var result map[string]any
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/virgil-jwt",
		route:  "/virgil-jwt",
		header: http.Header{"Authorization": []string{"Bearer " + authToken}},
	}, &result)
	if err != nil {
		return "", apierrors.WithResourceType(err, apierrors.ResourceAuth)
	}

	for _, key := range []string{"virgilToken", "accessToken"} {
		if token, ok := result[key].(string); ok && strings.TrimSpace(token) != "" {
			return token, nil
		}
	}
	return "", ErrMalformedTokenResponse
}
