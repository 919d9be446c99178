package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/Mindburn-Labs/mandate/pkg/state"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists instances as JSON rows keyed by instance ID.
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
	CREATE TABLE IF NOT EXISTS workflow_instances (
		id        TEXT PRIMARY KEY,
		kind      TEXT NOT NULL,
		owner     TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		cancelled INTEGER NOT NULL DEFAULT 0,
		body      TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, in *Instance) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO workflow_instances (id, kind, owner, completed, cancelled, body)
		VALUES (?, ?, ?, ?, ?, ?)`,
		in.ID.Hex(), in.Kind, in.Owner.Hex(), in.Completed, in.Cancelled, string(body))
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", in.ID, ErrExists)
	}

	id := in.ID
	state.Track(ctx, func() {
		_, _ = s.db.ExecContext(context.Background(),
			`DELETE FROM workflow_instances WHERE id = ?`, id.Hex())
	})
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id contracts.Hash) (*Instance, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM workflow_instances WHERE id = ?`, id.Hex()).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query instance: %w", err)
	}
	var in Instance
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return nil, fmt.Errorf("corrupt instance %s: %w", id, err)
	}
	return &in, nil
}

func (s *SQLiteStore) Update(ctx context.Context, in *Instance) error {
	prev, err := s.Get(ctx, in.ID)
	if err != nil {
		return err
	}
	if err := s.write(ctx, in); err != nil {
		return err
	}
	state.Track(ctx, func() {
		_ = s.write(context.Background(), prev)
	})
	return nil
}

func (s *SQLiteStore) write(ctx context.Context, in *Instance) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET kind = ?, owner = ?, completed = ?, cancelled = ?, body = ?
		WHERE id = ?`,
		in.Kind, in.Owner.Hex(), in.Completed, in.Cancelled, string(body), in.ID.Hex())
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	return nil
}
