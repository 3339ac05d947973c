package api

import (
	"context"
	"net/http"

	"github.com/ethree/client-go/internal/apierrors"
)

// TransformPassword sends a blinded password to the hardening service.
func (c *Client) TransformPassword(ctx context.Context, blinded []byte) ([]byte, error) {
	var result transformResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/backup/password-transform",
		route:  "/backup/password-transform",
		body:   transformRequest{Blinded: blinded},
	}, &result)
	if err != nil {
		return nil, apierrors.WithResourceType(err, apierrors.ResourceBackup)
	}
	return result.Transformed, nil
}

// PutKeyBackup stores the caller's sealed key backup.
func (c *Client) PutKeyBackup(ctx context.Context, blob []byte, overwrite bool) error {
	err := c.do(ctx, request{
		method: http.MethodPut,
		path:   "/backup/key",
		route:  "/backup/key",
		body:   KeyBackup{Blob: blob, Overwrite: overwrite},
	}, nil)
	return apierrors.WithResourceType(err, apierrors.ResourceBackup)
}

// GetKeyBackup fetches the caller's sealed key backup.
func (c *Client) GetKeyBackup(ctx context.Context) ([]byte, error) {
	var result KeyBackup
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/backup/key",
		route:  "/backup/key",
	}, &result)
	if err != nil {
		return nil, apierrors.WithResourceType(err, apierrors.ResourceBackup)
	}
	return result.Blob, nil
}

// DeleteKeyBackup removes the caller's key backup.
func (c *Client) DeleteKeyBackup(ctx context.Context) error {
	err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   "/backup/key",
		route:  "/backup/key",
	}, nil)
	return apierrors.WithResourceType(err, apierrors.ResourceBackup)
}
