package nonce

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists counters so a daemon restart cannot resurrect a
// cancelled payload.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and its schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS nonces (
		address TEXT PRIMARY KEY,
		nonce   INTEGER NOT NULL DEFAULT 0
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Current(ctx context.Context, addr contracts.Address) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT nonce FROM nonces WHERE address = ?`, addr.Hex()).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query nonce: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Increment(ctx context.Context, addr contracts.Address) (uint64, error) {
	query := `
	INSERT INTO nonces (address, nonce) VALUES (?, 1)
	ON CONFLICT(address) DO UPDATE SET nonce = nonce + 1
	RETURNING nonce`
	var n uint64
	if err := s.db.QueryRowContext(ctx, query, addr.Hex()).Scan(&n); err != nil {
		return 0, fmt.Errorf("increment nonce: %w", err)
	}
	return n, nil
}
