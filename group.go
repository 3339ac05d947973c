package ethree

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/ethree/client-go/internal/api"
	"github.com/ethree/client-go/internal/crypto"
	"github.com/ethree/client-go/internal/group"
	"github.com/ethree/client-go/internal/groupstore"
	"github.com/ethree/client-go/internal/keystore"
)

// GroupState is the lifecycle state of a group session.
type GroupState = group.State

// Group session states.
const (
	GroupUnloaded = group.StateUnloaded
	GroupCreated  = group.StateCreated
	GroupActive   = group.StateActive
	GroupDeleted  = group.StateDeleted
)

// Group limits, initiator included.
const (
	MinGroupMembers = group.MinMembers
	MaxGroupMembers = group.MaxMembers
)

// Group is a shared encryption session of several identities.
//
// Every membership change starts a new epoch with a fresh session key that
// is distributed to the members of that epoch only. Messages are encrypted
// under the key of the latest epoch this device holds.
type Group struct {
	client       *Client
	session      *group.Session
	initiatorKey *PublicKey
	previousKeys []*PublicKey // initiator keys replaced by a rotation, newest first

	mu sync.Mutex // serializes epoch changes
}

// ID returns the group id.
func (g *Group) ID() string {
	return g.session.ID()
}

// Initiator returns the identity that created the group.
func (g *Group) Initiator() string {
	return g.session.Initiator()
}

// Members returns the members of the latest epoch, sorted.
func (g *Group) Members() []string {
	return g.session.Members()
}

// Epoch returns the latest epoch held by this device.
func (g *Group) Epoch() uint64 {
	return g.session.Epoch()
}

// State returns the session state.
func (g *Group) State() GroupState {
	return g.session.State()
}

// CreateGroup creates a group initiated by this identity with the given
// members. The identity is always a member. It fails with
// ErrGroupAlreadyExists if the id is taken.
func (c *Client) CreateGroup(ctx context.Context, groupID string, members LookupResult) (*Group, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if groupID == "" {
		return nil, ErrMissingGroupID
	}

	release := keystore.Acquire(c.identity)
	defer release()

	kp, err := c.loadKeyPair()
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()

	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	ticket, err := group.NewTicket(groupID, c.identity, ids)
	if err != nil {
		return nil, err
	}

	sealed, err := c.sealTicket(ctx, kp, ticket, members)
	if err != nil {
		return nil, err
	}

	err = c.api.PostGroupTicket(ctx, groupID, api.GroupTicket{
		Epoch:   ticket.Epoch,
		Members: ticket.Members,
		Sealed:  sealed,
	})
	if err != nil {
		return nil, wrapError(err)
	}

	session := group.NewSession(groupID, c.identity)
	if err := session.Apply(ticket); err != nil {
		return nil, err
	}
	g := &Group{client: c, session: session, initiatorKey: kp.PublicKey}
	c.cacheTickets(g, []groupstore.Ticket{{Epoch: ticket.Epoch, Sealed: sealed}})
	c.trackGroup(g)

	c.logger.Debug("group created", "group_id", groupID, "members", ticket.Members)
	return g, nil
}

// LoadGroup fetches a group this identity belongs to from the backend.
// Tickets must be signed by initiator; a nil initiator is looked up in the
// directory. A group that cannot be proven to come from the initiator fails
// with ErrInvalidInitiator.
func (c *Client) LoadGroup(ctx context.Context, groupID string, initiator *PublicKey) (*Group, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if groupID == "" {
		return nil, ErrMissingGroupID
	}

	kp, err := c.loadKeyPair()
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()

	remote, err := c.api.GetGroupTickets(ctx, groupID)
	if err != nil {
		return nil, wrapError(err)
	}
	if len(remote.Tickets) == 0 || remote.Initiator == "" {
		return nil, ErrGroupNotFound
	}

	if initiator == nil {
		if remote.Initiator == c.identity {
			initiator = kp.PublicKey
		} else {
			keys, err := c.LookupPublicKeys(ctx, remote.Initiator)
			if err != nil {
				return nil, err
			}
			initiator = keys[remote.Initiator]
		}
	}

	g := &Group{
		client:       c,
		session:      group.NewSession(groupID, remote.Initiator),
		initiatorKey: initiator,
	}
	applied, err := g.applyTickets(kp, remote.Tickets)
	if err != nil {
		return nil, err
	}
	if g.session.State() == GroupUnloaded {
		return nil, ErrGroupNotFound
	}

	c.cacheTickets(g, applied)
	c.trackGroup(g)

	c.logger.Debug("group loaded", "group_id", groupID, "epoch", g.Epoch())
	return g, nil
}

// GetGroup returns a group loaded or created earlier, from memory or from
// the local cache. It does not contact the backend and fails with
// ErrGroupNotFound if the group is not known locally.
func (c *Client) GetGroup(groupID string) (*Group, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	g, ok := c.sessions[groupID]
	c.mu.RUnlock()
	if ok {
		return g, nil
	}

	rec, err := c.groups.Load(c.identity, groupID)
	if errors.Is(err, groupstore.ErrNotFound) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}

	initiatorKey, err := crypto.ImportPublicKey(rec.InitiatorKey)
	if err != nil {
		return nil, fmt.Errorf("cached group %s: %w", groupID, err)
	}
	previousKeys := make([]*PublicKey, 0, len(rec.PreviousKeys))
	for _, raw := range rec.PreviousKeys {
		pk, err := crypto.ImportPublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("cached group %s: %w", groupID, err)
		}
		previousKeys = append(previousKeys, pk)
	}

	kp, err := c.loadKeyPair()
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()

	cached := make([]api.GroupTicket, 0, len(rec.Tickets))
	for _, t := range rec.Tickets {
		cached = append(cached, api.GroupTicket{Epoch: t.Epoch, Sealed: t.Sealed})
	}

	g = &Group{
		client:       c,
		session:      group.NewSession(groupID, rec.Initiator),
		initiatorKey: initiatorKey,
		previousKeys: previousKeys,
	}
	if _, err := g.applyTickets(kp, cached); err != nil {
		return nil, err
	}
	c.trackGroup(g)
	return g, nil
}

// DeleteGroup deletes a group on the backend and locally. Only the
// initiator may delete a group. The group id can be reused afterwards by a
// fresh CreateGroup.
func (c *Client) DeleteGroup(ctx context.Context, groupID string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}

	if err := c.api.DeleteGroup(ctx, groupID); err != nil {
		return wrapError(err)
	}

	c.mu.Lock()
	if g, ok := c.sessions[groupID]; ok {
		g.session.Delete()
		delete(c.sessions, groupID)
	}
	c.mu.Unlock()

	if err := c.groups.Delete(c.identity, groupID); err != nil {
		c.logger.Warn("failed to drop cached group", "group_id", groupID, "error", err)
	}

	c.logger.Debug("group deleted", "group_id", groupID)
	return nil
}

func (c *Client) trackGroup(g *Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[g.ID()] = g
}

// cacheTickets appends sealed tickets to the local cache of the group. The
// cache is best effort; failures are logged.
func (c *Client) cacheTickets(g *Group, tickets []groupstore.Ticket) {
	if len(tickets) == 0 {
		return
	}

	rec, err := c.groups.Load(c.identity, g.ID())
	if err != nil {
		rec = &groupstore.Record{Initiator: g.Initiator()}
	}

	// Cached tickets may be signed by any key the initiator held before.
	current := g.initiatorKey.Bytes()
	known := make([][]byte, 0, len(rec.PreviousKeys)+len(g.previousKeys)+1)
	for _, pk := range g.previousKeys {
		known = append(known, pk.Bytes())
	}
	if rec.InitiatorKey != nil {
		known = append(known, rec.InitiatorKey)
	}
	known = append(known, rec.PreviousKeys...)
	rec.InitiatorKey = current
	rec.PreviousKeys = nil
	for _, raw := range known {
		if bytes.Equal(raw, current) || slices.ContainsFunc(rec.PreviousKeys, func(k []byte) bool { return bytes.Equal(k, raw) }) {
			continue
		}
		rec.PreviousKeys = append(rec.PreviousKeys, raw)
	}

	for _, t := range tickets {
		idx := sort.Search(len(rec.Tickets), func(i int) bool { return rec.Tickets[i].Epoch >= t.Epoch })
		if idx < len(rec.Tickets) && rec.Tickets[idx].Epoch == t.Epoch {
			continue
		}
		rec.Tickets = slices.Insert(rec.Tickets, idx, t)
	}

	if err := c.groups.Save(c.identity, g.ID(), rec); err != nil {
		c.logger.Warn("failed to cache group tickets", "group_id", g.ID(), "error", err)
	}
}

// sealTicket encrypts t to the current keys of its members. Keys present in
// known are used as is; the others are looked up.
func (c *Client) sealTicket(ctx context.Context, kp *crypto.KeyPair, t *group.Ticket, known LookupResult) ([]byte, error) {
	var unknown []string
	for _, m := range t.Members {
		if m != c.identity && known[m] == nil {
			unknown = append(unknown, m)
		}
	}

	keys := make(LookupResult, len(t.Members))
	for id, pk := range known {
		if id != c.identity && pk != nil {
			keys[id] = pk
		}
	}
	if len(unknown) > 0 {
		found, err := c.LookupPublicKeys(ctx, unknown...)
		if err != nil {
			return nil, err
		}
		for id, pk := range found {
			keys[id] = pk
		}
	}

	recipients := make([]*crypto.PublicKey, 0, len(t.Members))
	recipients = append(recipients, kp.PublicKey)
	for _, m := range t.Members {
		if m != c.identity {
			recipients = append(recipients, keys[m])
		}
	}
	return t.Seal(kp.PrivateKey, recipients)
}

// applyTickets opens and applies the tickets newer than the latest held
// epoch, in epoch order. It returns the tickets applied.
//
// The newest ticket must be signed by the current initiator key. Earlier
// ones may be signed by a key the initiator held before a rotation; those
// that verify against no known key are skipped.
func (g *Group) applyTickets(kp *crypto.KeyPair, tickets []api.GroupTicket) ([]groupstore.Ticket, error) {
	sorted := slices.Clone(tickets)
	slices.SortFunc(sorted, func(a, b api.GroupTicket) int {
		switch {
		case a.Epoch < b.Epoch:
			return -1
		case a.Epoch > b.Epoch:
			return 1
		}
		return 0
	})
	if g.session.State() != GroupUnloaded {
		latest := g.session.Epoch()
		sorted = slices.DeleteFunc(sorted, func(st api.GroupTicket) bool { return st.Epoch <= latest })
	}
	if len(sorted) == 0 {
		return nil, nil
	}

	last := sorted[len(sorted)-1]
	newest, err := g.openTicket(kp, last, g.initiatorKey)
	if err != nil {
		return nil, err
	}

	var applied []groupstore.Ticket
	keys := append([]*PublicKey{g.initiatorKey}, g.previousKeys...)
	for _, st := range sorted[:len(sorted)-1] {
		t, err := g.openTicket(kp, st, keys...)
		if errors.Is(err, crypto.ErrSignatureVerificationFailed) {
			g.client.logger.Debug("skipping group epoch with unknown initiator key", "group_id", g.ID(), "epoch", st.Epoch)
			continue
		}
		if err == nil {
			err = g.install(t)
		}
		if err != nil {
			newest.Wipe()
			return nil, err
		}
		applied = append(applied, groupstore.Ticket{Epoch: st.Epoch, Sealed: st.Sealed})
	}

	if err := g.install(newest); err != nil {
		newest.Wipe()
		return nil, err
	}
	applied = append(applied, groupstore.Ticket{Epoch: last.Epoch, Sealed: last.Sealed})
	return applied, nil
}

// openTicket opens st with the first of keys that verifies its signature.
func (g *Group) openTicket(kp *crypto.KeyPair, st api.GroupTicket, keys ...*PublicKey) (*group.Ticket, error) {
	for _, key := range keys {
		t, err := group.OpenTicket(st.Sealed, kp.PrivateKey, key)
		if errors.Is(err, crypto.ErrSignatureVerificationFailed) {
			continue
		}
		if err != nil {
			return nil, &DecryptionError{Stage: "ticket", Err: err}
		}
		if t.Epoch != st.Epoch || t.GroupID != g.ID() || t.Initiator != g.Initiator() {
			t.Wipe()
			return nil, fmt.Errorf("%w: ticket for %s epoch %d does not match", ErrInvalidInitiator, t.GroupID, t.Epoch)
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: group %s epoch %d: %w", ErrInvalidInitiator, g.ID(), st.Epoch, crypto.ErrSignatureVerificationFailed)
}

func (g *Group) install(t *group.Ticket) error {
	if g.session.State() != GroupUnloaded && t.Epoch > g.session.Epoch()+1 {
		return g.session.Resume(t)
	}
	return g.session.Apply(t)
}

// setInitiatorKey replaces the initiator key and keeps the old one for
// tickets of earlier epochs. It reports whether the key changed.
func (g *Group) setInitiatorKey(key *PublicKey) bool {
	if key == nil || key.Equal(g.initiatorKey) {
		return false
	}
	g.previousKeys = slices.Insert(g.previousKeys, 0, g.initiatorKey)
	g.initiatorKey = key
	return true
}

// refreshInitiatorKey looks up the key the initiator currently publishes.
func (g *Group) refreshInitiatorKey(ctx context.Context, kp *crypto.KeyPair) (bool, error) {
	c := g.client
	if g.Initiator() == c.identity {
		return g.setInitiatorKey(kp.PublicKey), nil
	}
	keys, err := c.LookupPublicKeys(ctx, g.Initiator())
	if err != nil {
		return false, err
	}
	return g.setInitiatorKey(keys[g.Initiator()]), nil
}

// Update fetches epochs committed since the group was loaded.
func (g *Group) Update(ctx context.Context) error {
	c := g.client
	if err := c.checkClosed(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.State() == GroupDeleted {
		return ErrGroupDeleted
	}

	kp, err := c.loadKeyPair()
	if err != nil {
		return err
	}
	defer kp.Wipe()

	remote, err := c.api.GetGroupTickets(ctx, g.ID())
	if err != nil {
		return wrapError(err)
	}
	if remote.Initiator != g.Initiator() {
		return fmt.Errorf("%w: group %s changed initiator", ErrInvalidInitiator, g.ID())
	}

	before := g.Epoch()
	applied, err := g.applyTickets(kp, remote.Tickets)
	if errors.Is(err, crypto.ErrSignatureVerificationFailed) {
		changed, lookupErr := g.refreshInitiatorKey(ctx, kp)
		if lookupErr != nil {
			return lookupErr
		}
		if changed {
			c.logger.Info("group initiator key changed", "group_id", g.ID(), "initiator", g.Initiator())
			applied, err = g.applyTickets(kp, remote.Tickets)
		}
	}
	if err != nil {
		return err
	}
	c.cacheTickets(g, applied)

	if len(applied) > 0 {
		c.logger.Debug("group updated", "group_id", g.ID(), "from_epoch", before, "to_epoch", g.Epoch())
	}
	return nil
}

// AddMembers adds identities to the group and starts a new epoch. Only the
// initiator can change membership.
func (g *Group) AddMembers(ctx context.Context, identities ...string) error {
	if len(identities) == 0 {
		return fmt.Errorf("%w: no identities to add", ErrInvalidGroupMembers)
	}
	return g.changeMembers(ctx, func(members []string) ([]string, error) {
		for _, id := range identities {
			if slices.Contains(members, id) {
				return nil, fmt.Errorf("%w: %s is already a member", ErrInvalidGroupMembers, id)
			}
		}
		return append(members, identities...), nil
	})
}

// RemoveMembers removes identities from the group and starts a new epoch.
// Removed members cannot read messages encrypted after the removal. Only
// the initiator can change membership, and it cannot remove itself.
func (g *Group) RemoveMembers(ctx context.Context, identities ...string) error {
	if len(identities) == 0 {
		return fmt.Errorf("%w: no identities to remove", ErrInvalidGroupMembers)
	}
	return g.changeMembers(ctx, func(members []string) ([]string, error) {
		for _, id := range identities {
			if id == g.Initiator() {
				return nil, fmt.Errorf("%w: the initiator cannot be removed", ErrInvalidGroupMembers)
			}
			if !slices.Contains(members, id) {
				return nil, fmt.Errorf("%w: %s is not a member", ErrInvalidGroupMembers, id)
			}
		}
		return slices.DeleteFunc(members, func(m string) bool {
			return slices.Contains(identities, m)
		}), nil
	})
}

// changeMembers commits the next epoch with the member list returned by
// edit. A concurrent change committed first fails with
// ErrGroupEpochConflict; call Update and retry.
func (g *Group) changeMembers(ctx context.Context, edit func([]string) ([]string, error)) error {
	c := g.client
	if err := c.checkClosed(); err != nil {
		return err
	}
	if g.Initiator() != c.identity {
		return ErrGroupPermissionDenied
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	current, err := g.session.Current()
	if err != nil {
		return err
	}
	members, err := edit(slices.Clone(current.Members))
	if err != nil {
		return err
	}

	release := keystore.Acquire(c.identity)
	defer release()

	kp, err := c.loadKeyPair()
	if err != nil {
		return err
	}
	defer kp.Wipe()

	next, err := current.Next(members)
	if err != nil {
		return err
	}
	sealed, err := c.sealTicket(ctx, kp, next, nil)
	if err != nil {
		return err
	}

	err = c.api.PostGroupTicket(ctx, g.ID(), api.GroupTicket{
		Epoch:   next.Epoch,
		Members: next.Members,
		Sealed:  sealed,
	})
	if err != nil {
		err = wrapError(err)
		if errors.Is(err, ErrGroupEpochConflict) {
			c.logger.Warn("group epoch conflict", "group_id", g.ID(), "epoch", next.Epoch)
		}
		return err
	}

	if err := g.session.Apply(next); err != nil {
		return err
	}
	if g.setInitiatorKey(kp.PublicKey) {
		c.logger.Debug("group signed with rotated key", "group_id", g.ID(), "epoch", next.Epoch)
	}
	c.cacheTickets(g, []groupstore.Ticket{{Epoch: next.Epoch, Sealed: sealed}})

	c.logger.Debug("group epoch committed", "group_id", g.ID(), "epoch", next.Epoch, "members", next.Members)
	return nil
}

// Encrypt signs data with the local private key and encrypts it under the
// latest epoch key.
func (g *Group) Encrypt(data []byte) ([]byte, error) {
	c := g.client
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	kp, err := c.loadKeyPair()
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()

	return g.session.Encrypt(data, kp.PrivateKey)
}

// Decrypt opens a group message and verifies that sender signed it. A nil
// sender means the identity's own key. Messages of an epoch this device
// does not hold fail with ErrMissingGroupEpoch; Update may fetch it.
func (g *Group) Decrypt(data []byte, sender *PublicKey) ([]byte, error) {
	c := g.client
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	if sender == nil {
		kp, err := c.loadKeyPair()
		if err != nil {
			return nil, err
		}
		sender = kp.PublicKey
		kp.Wipe()
	}

	plaintext, err := g.session.Decrypt(data, sender)
	if err != nil {
		return nil, wrapOpenError("group", sender, err)
	}
	return plaintext, nil
}

// EncryptText encrypts a UTF-8 string and returns the message as standard
// base64.
func (g *Group) EncryptText(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("%w: input is not valid UTF-8", ErrEncodingFailed)
	}
	data, err := g.Encrypt([]byte(text))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecryptText decrypts a base64 message produced by EncryptText.
func (g *Group) DecryptText(text string, sender *PublicKey) (string, error) {
	data, err := decodeText(text)
	if err != nil {
		return "", err
	}
	plaintext, err := g.Decrypt(data, sender)
	if err != nil {
		return "", err
	}
	return encodeText(plaintext)
}
