package hostauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS host_tokens (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	issued_at  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_host_tokens_expires ON host_tokens(expires_at);
`

// SQLiteLedger keeps the ledger in a sqlite file so host tokens survive a
// server restart.
type SQLiteLedger struct {
	db *sql.DB
}

func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ledgerSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) Record(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO host_tokens (id, session_id, issued_at, expires_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.SessionID, e.IssuedAt.UnixMilli(), e.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record host token: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Lookup(ctx context.Context, id string) (Entry, bool, error) {
	var (
		e                   Entry
		issuedAt, expiresAt int64
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT id, session_id, issued_at, expires_at FROM host_tokens WHERE id = ?`, id).
		Scan(&e.ID, &e.SessionID, &issuedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to look up host token: %w", err)
	}
	e.IssuedAt = time.UnixMilli(issuedAt).UTC()
	e.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return e, true, nil
}

func (l *SQLiteLedger) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM host_tokens WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge host tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
