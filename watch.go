package ethree

import (
	"context"
	"errors"

	"github.com/ethree/client-go/internal/delivery"
)

// GroupUpdateHandler is called by WatchGroups after a group moved to a new
// epoch or was deleted by its initiator.
type GroupUpdateHandler func(g *Group)

// WatchGroups polls the backend for changes to every group the client holds
// in memory, including groups created or loaded after the call, until ctx
// is done or stop is called. New epochs are applied as by Update before fn
// runs. A group that disappeared from the backend is deleted locally and
// reported with state GroupDeleted.
//
// fn runs on the polling goroutine. Failed polls are logged and retried
// with backoff.
func (c *Client) WatchGroups(ctx context.Context, fn GroupUpdateHandler) (stop func(), err error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	cfg := c.polling
	cfg.OnError = func(id string, err error) {
		c.logger.Warn("group poll failed", "group_id", id, "error", err)
	}
	p := delivery.NewPoller(cfg, c.trackedGroupIDs, func(ctx context.Context, id string) (bool, error) {
		return c.pollGroup(ctx, id, fn)
	})
	p.Start(ctx)
	return p.Stop, nil
}

func (c *Client) trackedGroupIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// pollGroup updates one tracked group and reports whether it changed.
func (c *Client) pollGroup(ctx context.Context, id string, fn GroupUpdateHandler) (bool, error) {
	c.mu.RLock()
	g, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}

	before := g.Epoch()
	err := g.Update(ctx)
	switch {
	case errors.Is(err, ErrGroupNotFound):
		c.forgetGroup(g)
		c.logger.Debug("watched group deleted remotely", "group_id", id)
	case err != nil:
		return false, err
	case g.Epoch() == before:
		return false, nil
	}

	if fn != nil {
		fn(g)
	}
	return true, nil
}

// forgetGroup deletes g locally without contacting the backend.
func (c *Client) forgetGroup(g *Group) {
	c.mu.Lock()
	if c.sessions[g.ID()] == g {
		delete(c.sessions, g.ID())
	}
	c.mu.Unlock()

	g.session.Delete()
	if err := c.groups.Delete(c.identity, g.ID()); err != nil {
		c.logger.Warn("failed to drop cached group", "group_id", g.ID(), "error", err)
	}
}
