package hostauth

import (
	"context"
	"sync"
	"time"
)

// Entry is the server-side record of an issued host token. A token is only
// honoured while its entry exists and has not expired.
type Entry struct {
	ID        string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type Ledger interface {
	Record(ctx context.Context, e Entry) error
	Lookup(ctx context.Context, id string) (Entry, bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]Entry)}
}

func (l *MemoryLedger) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[e.ID] = e
	return nil
}

func (l *MemoryLedger) Lookup(ctx context.Context, id string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	return e, ok, nil
}

func (l *MemoryLedger) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, e := range l.entries {
		if !now.Before(e.ExpiresAt) {
			delete(l.entries, id)
			n++
		}
	}
	return n, nil
}

func (l *MemoryLedger) Close() error { return nil }
