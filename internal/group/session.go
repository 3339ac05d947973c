package group

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of a session.
type State int

const (
	StateUnloaded State = iota
	StateCreated
	StateActive
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrEpochOutOfOrder is returned when a ticket does not directly follow
	// the latest applied epoch.
	ErrEpochOutOfOrder = errors.New("group epoch out of order")

	// ErrMissingEpoch is returned when the key of a message epoch is not held.
	ErrMissingEpoch = errors.New("group epoch key not held")

	// ErrDeleted is returned by any operation on a deleted session.
	ErrDeleted = errors.New("group session deleted")

	// ErrNotLoaded is returned when a session has no tickets yet.
	ErrNotLoaded = errors.New("group session not loaded")
)

// Session holds the epoch tickets of one group known to the local identity.
// It is safe for concurrent use.
type Session struct {
	mu        sync.RWMutex
	id        string
	initiator string
	state     State
	tickets   map[uint64]*Ticket
	latest    uint64
}

// NewSession returns an unloaded session.
func NewSession(id, initiator string) *Session {
	return &Session{
		id:        id,
		initiator: initiator,
		tickets:   make(map[uint64]*Ticket),
	}
}

// ID returns the group id.
func (s *Session) ID() string {
	return s.id
}

// Initiator returns the identity that created the group.
func (s *Session) Initiator() string {
	return s.initiator
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Epoch returns the latest applied epoch.
func (s *Session) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Members returns the member list of the latest epoch.
func (s *Session) Members() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[s.latest]
	if !ok {
		return nil
	}
	return append([]string(nil), t.Members...)
}

// Current returns the latest ticket. The ticket is shared and must not be
// modified.
func (s *Session) Current() (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentLocked()
}

func (s *Session) currentLocked() (*Ticket, error) {
	switch s.state {
	case StateDeleted:
		return nil, ErrDeleted
	case StateUnloaded:
		return nil, ErrNotLoaded
	}
	return s.tickets[s.latest], nil
}

// Ticket returns the ticket of epoch, or ErrMissingEpoch.
func (s *Session) Ticket(epoch uint64) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateDeleted {
		return nil, ErrDeleted
	}
	t, ok := s.tickets[epoch]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrMissingEpoch, epoch)
	}
	return t, nil
}

// Apply adds the next epoch ticket. The first ticket of an unloaded session
// may carry any epoch, since members added later never see earlier tickets.
// After that only latest+1 is accepted.
func (s *Session) Apply(t *Ticket) error {
	if t.GroupID != s.id || t.Initiator != s.initiator {
		return ErrTicketMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateDeleted:
		return ErrDeleted
	case StateUnloaded:
	default:
		if t.Epoch != s.latest+1 {
			return fmt.Errorf("%w: got %d, want %d", ErrEpochOutOfOrder, t.Epoch, s.latest+1)
		}
	}

	s.install(t)
	return nil
}

// Resume applies a ticket that follows a gap of epochs in which the local
// identity was not a member. Held tickets of earlier epochs stay readable.
func (s *Session) Resume(t *Ticket) error {
	if t.GroupID != s.id || t.Initiator != s.initiator {
		return ErrTicketMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateDeleted:
		return ErrDeleted
	case StateUnloaded:
	default:
		if t.Epoch <= s.latest {
			return fmt.Errorf("%w: got %d, latest %d", ErrEpochOutOfOrder, t.Epoch, s.latest)
		}
	}

	s.install(t)
	return nil
}

func (s *Session) install(t *Ticket) {
	s.tickets[t.Epoch] = t
	s.latest = t.Epoch
	if t.Epoch == 0 {
		s.state = StateCreated
	} else {
		s.state = StateActive
	}
}

// Delete wipes every held session key and moves the session to StateDeleted.
func (s *Session) Delete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for epoch, t := range s.tickets {
		t.Wipe()
		delete(s.tickets, epoch)
	}
	s.state = StateDeleted
}
