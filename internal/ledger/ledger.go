// Package ledger is the spend accounting store. It is the sole writer
// of cumulative spend: admit decisions go through CheckAndReserve,
// which re-reads the current window total and records the new entry in
// one transaction, so two concurrent negotiations can never both pass
// a check that only one of them fits under.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// The daily accounting window is the UTC calendar day. Entries outside
// the current window stop counting toward the live total but stay in
// history for audit and export.
const windowFormat = "2006-01-02"

const schema = `
CREATE TABLE IF NOT EXISTS spend_entries (
	id            TEXT PRIMARY KEY,
	credential_id TEXT NOT NULL,
	amount_usd    REAL NOT NULL,
	created_at    INTEGER NOT NULL,
	window_start  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_spend_window ON spend_entries(credential_id, window_start);
`

// Entry is one accounting record per admitted payment.
type Entry struct {
	ID           string    `json:"id"`
	CredentialID string    `json:"credentialId"`
	AmountUSD    float64   `json:"amountUsd"`
	CreatedAt    time.Time `json:"createdAt"`
	WindowStart  string    `json:"windowStart"`
}

// Limits is the budget snapshot the caller took from the active
// credential. The ledger does not read the credential store itself.
type Limits struct {
	PerTxUSD float64
	DailyUSD float64
}

// PerTxLimitError reports a payment larger than the per-transaction cap.
type PerTxLimitError struct {
	AttemptedUSD float64
	LimitUSD     float64
}

func (e *PerTxLimitError) Error() string {
	return fmt.Sprintf("per-transaction limit exceeded: attempted $%.4f, limit $%.2f (over by $%.4f)",
		e.AttemptedUSD, e.LimitUSD, e.AttemptedUSD-e.LimitUSD)
}

// DailyLimitError reports a payment that would push the current daily
// window past the cap.
type DailyLimitError struct {
	AttemptedUSD float64
	SpentUSD     float64
	LimitUSD     float64
}

func (e *DailyLimitError) Error() string {
	return fmt.Sprintf("daily limit exceeded: $%.4f spent + $%.4f attempted > $%.2f limit (over by $%.4f)",
		e.SpentUSD, e.AttemptedUSD, e.LimitUSD, e.SpentUSD+e.AttemptedUSD-e.LimitUSD)
}

// Store is a sqlite-backed spending ledger.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the ledger database at path. Transactions
// take the write lock up front (_txlock=immediate) and the pool is
// capped at one connection, giving a single-writer queue per process.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// OpenDB wraps an existing database handle. The schema must already
// exist. Used by tests that inject a mocked driver.
func OpenDB(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WindowStart returns the accounting window key for a point in time.
func WindowStart(t time.Time) string {
	return t.UTC().Format(windowFormat)
}

// CheckAndReserve admits amountUSD against the credential's limits and
// durably records the entry before returning. Check and write happen
// inside one transaction; on rejection nothing is written and the
// returned error reports the attempted and allowed amounts.
func (s *Store) CheckAndReserve(ctx context.Context, credentialID string, amountUSD float64, lim Limits) (*Entry, error) {
	if amountUSD > lim.PerTxUSD {
		return nil, &PerTxLimitError{AttemptedUSD: amountUSD, LimitUSD: lim.PerTxUSD}
	}

	now := s.now().UTC()
	window := WindowStart(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin reserve: %w", err)
	}
	defer tx.Rollback()

	var spent float64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_usd), 0) FROM spend_entries WHERE credential_id = ? AND window_start = ?`,
		credentialID, window,
	).Scan(&spent)
	if err != nil {
		return nil, fmt.Errorf("ledger: read window total: %w", err)
	}

	if spent+amountUSD > lim.DailyUSD {
		return nil, &DailyLimitError{AttemptedUSD: amountUSD, SpentUSD: spent, LimitUSD: lim.DailyUSD}
	}

	entry := &Entry{
		ID:           uuid.NewString(),
		CredentialID: credentialID,
		AmountUSD:    amountUSD,
		CreatedAt:    now,
		WindowStart:  window,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO spend_entries (id, credential_id, amount_usd, created_at, window_start) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.CredentialID, entry.AmountUSD, entry.CreatedAt.UnixNano(), entry.WindowStart,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: record entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit reserve: %w", err)
	}
	return entry, nil
}

// WindowTotal returns the cumulative spend for the current window.
func (s *Store) WindowTotal(ctx context.Context, credentialID string) (float64, error) {
	var spent float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_usd), 0) FROM spend_entries WHERE credential_id = ? AND window_start = ?`,
		credentialID, WindowStart(s.now()),
	).Scan(&spent)
	if err != nil {
		return 0, fmt.Errorf("ledger: window total: %w", err)
	}
	return spent, nil
}

// History returns up to limit entries for the credential, most recent
// first. Entries from past windows are included.
func (s *Store) History(ctx context.Context, credentialID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, credential_id, amount_usd, created_at, window_start
		 FROM spend_entries WHERE credential_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		credentialID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.CredentialID, &e.AmountUSD, &createdAt, &e.WindowStart); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
