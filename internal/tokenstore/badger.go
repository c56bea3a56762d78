package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "host:"

// BadgerStore keeps entries in a badger database. Entries carry a badger TTL
// matching their expiry so the database drops them on its own as well.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadgerStore opens a store at dir. An empty dir keeps everything in memory.
func OpenBadgerStore(dir string, now func() time.Time) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &BadgerStore{db: db, now: now}, nil
}

func key(sessionID string) []byte {
	return []byte(keyPrefix + sessionID)
}

func (s *BadgerStore) set(txn *badger.Txn, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	entry := badger.NewEntry(key(e.SessionID), data)
	// badger expiry is wall-clock based; only hint it when the entry is
	// still in the future on the real clock.
	if ttl := time.Until(e.ExpiresAt); ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return txn.SetEntry(entry)
}

func (s *BadgerStore) Save(e Entry) error {
	if e.SessionID == "" || e.Token == "" {
		return errors.New("session id and token are required")
	}
	if e.LastAccessed.IsZero() {
		e.LastAccessed = s.now()
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return s.set(txn, e)
	})
}

func (s *BadgerStore) Get(sessionID string) (Entry, error) {
	var e Entry
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key(sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(v []byte) error {
			return json.Unmarshal(v, &e)
		}); err != nil {
			return err
		}

		now := s.now()
		if e.Expired(now) {
			return ErrNotFound
		}
		e.LastAccessed = now
		return s.set(txn, e)
	})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *BadgerStore) scan(fn func(Entry) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &e)
			}); err != nil {
				return fmt.Errorf("failed to decode token entry: %w", err)
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) All() ([]Entry, error) {
	now := s.now()
	var out []Entry
	err := s.scan(func(e Entry) error {
		if !e.Expired(now) {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEntries(out)
	return out, nil
}

func (s *BadgerStore) PurgeExpired() (int, error) {
	now := s.now()
	var expired []string
	if err := s.scan(func(e Entry) error {
		if e.Expired(now) {
			expired = append(expired, e.SessionID)
		}
		return nil
	}); err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, id := range expired {
			if err := txn.Delete(key(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(expired), nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
