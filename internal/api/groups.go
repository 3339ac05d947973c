package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ethree/client-go/internal/apierrors"
)

// PostGroupTicket stores a new epoch of a group. Epoch zero creates the
// group; any other epoch must directly follow the latest one.
func (c *Client) PostGroupTicket(ctx context.Context, groupID string, ticket GroupTicket) error {
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/groups/" + url.PathEscape(groupID) + "/tickets",
		route:  "/groups/{id}/tickets",
		body:   ticket,
	}, nil)
	return apierrors.WithResourceType(err, apierrors.ResourceGroup)
}

// GetGroupTickets returns the epochs of a group the caller belongs to.
func (c *Client) GetGroupTickets(ctx context.Context, groupID string) (*GroupTickets, error) {
	var result GroupTickets
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/groups/" + url.PathEscape(groupID) + "/tickets",
		route:  "/groups/{id}/tickets",
	}, &result)
	if err != nil {
		return nil, apierrors.WithResourceType(err, apierrors.ResourceGroup)
	}
	return &result, nil
}

// DeleteGroup deletes a group and all its tickets.
func (c *Client) DeleteGroup(ctx context.Context, groupID string) error {
	err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   "/groups/" + url.PathEscape(groupID),
		route:  "/groups/{id}",
	}, nil)
	return apierrors.WithResourceType(err, apierrors.ResourceGroup)
}
