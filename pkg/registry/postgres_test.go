package registry

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRegistryQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS adapters").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS chains").WillReturnResult(sqlmock.NewResult(0, 0))

	r, err := NewPostgresRegistry(db, owner)
	require.NoError(t, err)

	t.Run("get adapter uses numbered placeholder", func(t *testing.T) {
		mock.ExpectQuery(`SELECT address FROM adapters WHERE id = \$1`).
			WithArgs(uint16(7)).
			WillReturnRows(sqlmock.NewRows([]string{"address"}).AddRow(addrA.Hex()))

		got, err := r.GetAdapter(7)
		require.NoError(t, err)
		assert.Equal(t, addrA, got)
	})

	t.Run("get adapter not registered", func(t *testing.T) {
		mock.ExpectQuery(`SELECT address FROM adapters WHERE id = \$1`).
			WithArgs(uint16(8)).
			WillReturnRows(sqlmock.NewRows([]string{"address"}))

		_, err := r.GetAdapter(8)
		assert.ErrorIs(t, err, ErrNotRegistered)
	})

	t.Run("freeze missing adapter rolls back", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE adapters SET frozen = 1 WHERE id = \$1`).
			WithArgs(uint16(9)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		assert.ErrorIs(t, r.FreezeAdapter(owner, 9), ErrNotRegistered)
	})

	t.Run("owner gate short-circuits before SQL", func(t *testing.T) {
		assert.ErrorIs(t, r.FreezeAdapter("intruder", 1), ErrNotOwner)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}
