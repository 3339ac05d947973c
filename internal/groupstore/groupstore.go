// Package groupstore caches sealed group tickets on the local device.
//
// Tickets stay sealed at rest; only the owning identity's private key can open
// them. Records are keyed by "groups/<identity>/<group id>".
package groupstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/mitchellh/go-homedir"
)

// ErrNotFound is returned when no record is cached for a group.
var ErrNotFound = errors.New("group not cached")

// Ticket is one sealed epoch ticket.
type Ticket struct {
	Epoch  uint64 `json:"epoch"`
	Sealed []byte `json:"sealed"`
}

// Record is the cached state of one group for one identity.
type Record struct {
	Initiator    string   `json:"initiator"`
	InitiatorKey []byte   `json:"initiator_key"`
	PreviousKeys [][]byte `json:"previous_initiator_keys,omitempty"`
	Tickets      []Ticket `json:"tickets"`
}

// Store is a badger-backed group cache.
type Store struct {
	db *badger.DB
}

// Open opens the cache in dir. An empty dir keeps the cache in memory.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path, err := homedir.Expand(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to expand group store dir: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open group store: %w", err)
	}
	return &Store{db: db}, nil
}

func prefix(identity string) []byte {
	return []byte("groups/" + identity + "/")
}

func key(identity, groupID string) []byte {
	return append(prefix(identity), groupID...)
}

// Load returns the cached record for groupID.
func (s *Store) Load(identity, groupID string) (*Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(identity, groupID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load group %s: %w", groupID, err)
	}
	return &rec, nil
}

// Save replaces the cached record for groupID.
func (s *Store) Save(identity, groupID string, rec *Record) error {
	sort.Slice(rec.Tickets, func(i, j int) bool {
		return rec.Tickets[i].Epoch < rec.Tickets[j].Epoch
	})
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode group record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(identity, groupID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save group %s: %w", groupID, err)
	}
	return nil
}

// Delete drops the cached record for groupID. Missing records are ignored.
func (s *Store) Delete(identity, groupID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(identity, groupID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete group %s: %w", groupID, err)
	}
	return nil
}

// List returns the cached group ids of identity in key order.
func (s *Store) List(identity string) ([]string, error) {
	p := prefix(identity)
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = p
		itr := txn.NewIterator(opts)
		defer itr.Close()
		for itr.Seek(p); itr.ValidForPrefix(p); itr.Next() {
			ids = append(ids, strings.TrimPrefix(string(itr.Item().Key()), string(p)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return ids, nil
}

// DeleteAll drops every cached group of identity.
func (s *Store) DeleteAll(identity string) error {
	ids, err := s.List(identity)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(key(identity, id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear groups: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's internal logging through slog. Info and debug
// chatter is demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) log(level slog.Level, format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Log(context.Background(), level, strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "groupstore")
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.log(slog.LevelError, format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.log(slog.LevelWarn, format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.log(slog.LevelDebug, format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.log(slog.LevelDebug, format, args...) }
