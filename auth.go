package ethree

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethree/client-go/internal/api"
)

// TokenProvider supplies directory access tokens for an identity. It is
// called whenever the client has no token or the directory rejected the
// current one, possibly from several goroutines at once. Each call must
// return an independently valid token.
type TokenProvider interface {
	AccessToken(ctx context.Context, identity string) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context, identity string) (string, error)

// AccessToken calls f.
func (f TokenProviderFunc) AccessToken(ctx context.Context, identity string) (string, error) {
	return f(ctx, identity)
}

// backendTokenProvider authenticates the identity with the application
// backend and exchanges the auth token for an access token. Auth tokens are
// not cached: every renewal starts from a fresh one.
type backendTokenProvider struct {
	api    *api.Client
	logger *slog.Logger
}

func (p *backendTokenProvider) AccessToken(ctx context.Context, identity string) (string, error) {
	p.logger.Debug("renewing access token", "identity", identity)

	authToken, err := p.api.Authenticate(ctx, identity)
	if err != nil {
		p.logger.Warn("authentication failed", "identity", identity, "error", err)
		return "", &AuthError{Kind: ErrNotAuthenticated, Err: wrapError(err)}
	}

	accessToken, err := p.api.ExchangeToken(ctx, authToken)
	if err != nil {
		p.logger.Warn("token exchange failed", "identity", identity, "error", err)
		return "", &AuthError{Kind: ErrTokenRenewalFailed, Err: wrapError(err)}
	}
	return accessToken, nil
}

// tokenFunc binds a provider to the client identity. Errors that are not
// already typed are reported as renewal failures.
func tokenFunc(p TokenProvider, identity string) api.TokenFunc {
	return func(ctx context.Context) (string, error) {
		token, err := p.AccessToken(ctx, identity)
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				return "", err
			}
			return "", &AuthError{Kind: ErrTokenRenewalFailed, Err: err}
		}
		if token == "" {
			return "", &AuthError{Kind: ErrTokenRenewalFailed, Err: api.ErrEmptyToken}
		}
		return token, nil
	}
}
