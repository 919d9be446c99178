package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
)

// SQLRegistry implements Registry over database/sql. It backs both the
// SQLite and Postgres directories; only placeholder syntax differs.
type SQLRegistry struct {
	db       *sql.DB
	owner    string
	postgres bool
	sink     EventSink
}

func newSQLRegistry(db *sql.DB, owner string, postgres bool) (*SQLRegistry, error) {
	r := &SQLRegistry{db: db, owner: owner, postgres: postgres}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

// WithSink attaches an event sink for mutation events.
func (r *SQLRegistry) WithSink(sink EventSink) *SQLRegistry {
	r.sink = sink
	return r
}

func (r *SQLRegistry) emit(eventType string, data map[string]any) {
	if r.sink != nil {
		r.sink.Record(eventType, data)
	}
}

func (r *SQLRegistry) migrate() error {
	adapters := `
	CREATE TABLE IF NOT EXISTS adapters (
		id       INTEGER PRIMARY KEY,
		address  TEXT NOT NULL,
		frozen   INTEGER NOT NULL DEFAULT 0,
		manifest TEXT
	);`
	chains := `
	CREATE TABLE IF NOT EXISTS chains (
		idx      INTEGER PRIMARY KEY,
		chain_id TEXT NOT NULL,
		frozen   INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := r.db.ExecContext(context.Background(), adapters); err != nil {
		return fmt.Errorf("migrate adapters: %w", err)
	}
	if _, err := r.db.ExecContext(context.Background(), chains); err != nil {
		return fmt.Errorf("migrate chains: %w", err)
	}
	return nil
}

// q rewrites ? placeholders to $n for Postgres.
func (r *SQLRegistry) q(query string) string {
	if !r.postgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (r *SQLRegistry) SetAdapter(owner string, id uint16, addr contracts.Address, m *Manifest) error {
	return r.SetAdapters(owner, []uint16{id}, []contracts.Address{addr}, []*Manifest{m})
}

func (r *SQLRegistry) SetAdapters(owner string, ids []uint16, addrs []contracts.Address, manifests []*Manifest) error {
	if len(ids) != len(addrs) || len(ids) != len(manifests) {
		return ErrBatchLengthMismatch
	}
	if owner != r.owner {
		return ErrNotOwner
	}
	ctx := context.Background()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, id := range ids {
		var frozen bool
		err := tx.QueryRowContext(ctx, r.q(`SELECT frozen FROM adapters WHERE id = ?`), id).Scan(&frozen)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("adapter %d: %w", id, err)
		}
		if frozen {
			return fmt.Errorf("adapter %d: %w", id, ErrFrozen)
		}
		var manifestJSON any
		if manifests[i] != nil {
			if err := manifests[i].Validate(); err != nil {
				return fmt.Errorf("adapter %d: %w", id, err)
			}
			raw, err := json.Marshal(manifests[i])
			if err != nil {
				return fmt.Errorf("adapter %d: marshal manifest: %w", id, err)
			}
			manifestJSON = string(raw)
		}
		upsert := `
		INSERT INTO adapters (id, address, frozen, manifest) VALUES (?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET address = excluded.address, manifest = excluded.manifest`
		if _, err := tx.ExecContext(ctx, r.q(upsert), id, addrs[i].Hex(), manifestJSON); err != nil {
			return fmt.Errorf("adapter %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for i, id := range ids {
		r.emit("adapter.set", map[string]any{"id": id, "address": addrs[i].Hex()})
	}
	return nil
}

func (r *SQLRegistry) FreezeAdapter(owner string, id uint16) error {
	return r.FreezeAdapters(owner, []uint16{id})
}

func (r *SQLRegistry) FreezeAdapters(owner string, ids []uint16) error {
	if owner != r.owner {
		return ErrNotOwner
	}
	ctx := context.Background()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		res, err := tx.ExecContext(ctx, r.q(`UPDATE adapters SET frozen = 1 WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("adapter %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("adapter %d: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("adapter %d: %w", id, ErrNotRegistered)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for _, id := range ids {
		r.emit("adapter.frozen", map[string]any{"id": id})
	}
	return nil
}

func (r *SQLRegistry) GetAdapter(id uint16) (contracts.Address, error) {
	var addrHex string
	err := r.db.QueryRowContext(context.Background(),
		r.q(`SELECT address FROM adapters WHERE id = ?`), id).Scan(&addrHex)
	if err == sql.ErrNoRows {
		return contracts.Address{}, fmt.Errorf("adapter %d: %w", id, ErrNotRegistered)
	}
	if err != nil {
		return contracts.Address{}, fmt.Errorf("adapter %d: %w", id, err)
	}
	return contracts.ParseAddress(addrHex)
}

func (r *SQLRegistry) AdapterManifest(id uint16) (*Manifest, error) {
	var raw sql.NullString
	err := r.db.QueryRowContext(context.Background(),
		r.q(`SELECT manifest FROM adapters WHERE id = ?`), id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("adapter %d: %w", id, ErrNotRegistered)
	}
	if err != nil {
		return nil, fmt.Errorf("adapter %d: %w", id, err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m Manifest
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, fmt.Errorf("adapter %d: corrupt manifest: %w", id, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("adapter %d: %w", id, err)
	}
	return &m, nil
}

func (r *SQLRegistry) IsAdapterRegistered(id uint16) bool {
	var one int
	err := r.db.QueryRowContext(context.Background(),
		r.q(`SELECT 1 FROM adapters WHERE id = ?`), id).Scan(&one)
	return err == nil
}

func (r *SQLRegistry) IsAdapterFrozen(id uint16) bool {
	var frozen bool
	err := r.db.QueryRowContext(context.Background(),
		r.q(`SELECT frozen FROM adapters WHERE id = ?`), id).Scan(&frozen)
	return err == nil && frozen
}

func (r *SQLRegistry) SetChain(owner string, index uint32, chainID string) error {
	return r.SetChains(owner, []uint32{index}, []string{chainID})
}

func (r *SQLRegistry) SetChains(owner string, indexes []uint32, chainIDs []string) error {
	if len(indexes) != len(chainIDs) {
		return ErrBatchLengthMismatch
	}
	if owner != r.owner {
		return ErrNotOwner
	}
	ctx := context.Background()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, index := range indexes {
		var frozen bool
		err := tx.QueryRowContext(ctx, r.q(`SELECT frozen FROM chains WHERE idx = ?`), index).Scan(&frozen)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("chain %d: %w", index, err)
		}
		if frozen {
			return fmt.Errorf("chain %d: %w", index, ErrFrozen)
		}
		upsert := `
		INSERT INTO chains (idx, chain_id, frozen) VALUES (?, ?, 0)
		ON CONFLICT(idx) DO UPDATE SET chain_id = excluded.chain_id`
		if _, err := tx.ExecContext(ctx, r.q(upsert), index, chainIDs[i]); err != nil {
			return fmt.Errorf("chain %d: %w", index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for i, index := range indexes {
		r.emit("chain.set", map[string]any{"index": index, "chain_id": chainIDs[i]})
	}
	return nil
}

func (r *SQLRegistry) FreezeChain(owner string, index uint32) error {
	return r.FreezeChains(owner, []uint32{index})
}

func (r *SQLRegistry) FreezeChains(owner string, indexes []uint32) error {
	if owner != r.owner {
		return ErrNotOwner
	}
	ctx := context.Background()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, index := range indexes {
		res, err := tx.ExecContext(ctx, r.q(`UPDATE chains SET frozen = 1 WHERE idx = ?`), index)
		if err != nil {
			return fmt.Errorf("chain %d: %w", index, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("chain %d: %w", index, err)
		}
		if n == 0 {
			return fmt.Errorf("chain %d: %w", index, ErrNotRegistered)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for _, index := range indexes {
		r.emit("chain.frozen", map[string]any{"index": index})
	}
	return nil
}

func (r *SQLRegistry) GetChain(index uint32) (string, error) {
	var chainID string
	err := r.db.QueryRowContext(context.Background(),
		r.q(`SELECT chain_id FROM chains WHERE idx = ?`), index).Scan(&chainID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("chain %d: %w", index, ErrNotRegistered)
	}
	if err != nil {
		return "", fmt.Errorf("chain %d: %w", index, err)
	}
	return chainID, nil
}

func (r *SQLRegistry) IsChainFrozen(index uint32) bool {
	var frozen bool
	err := r.db.QueryRowContext(context.Background(),
		r.q(`SELECT frozen FROM chains WHERE idx = ?`), index).Scan(&frozen)
	return err == nil && frozen
}
