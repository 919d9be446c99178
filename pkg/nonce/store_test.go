package nonce

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "nonce.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sq, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestStoreMonotonicity(t *testing.T) {
	addr := contracts.Address{0xAA}
	other := contracts.Address{0xBB}

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			n, err := store.Current(ctx, addr)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), n)

			for want := uint64(1); want <= 3; want++ {
				got, err := store.Increment(ctx, addr)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}

			n, err = store.Current(ctx, addr)
			require.NoError(t, err)
			assert.Equal(t, uint64(3), n)

			// Principals are independent.
			n, err = store.Current(ctx, other)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), n)
		})
	}
}
