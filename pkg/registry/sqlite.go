package registry

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// NewSQLiteRegistry creates a SQLite-backed directory, so adapter bindings
// and freeze bits survive daemon restarts.
func NewSQLiteRegistry(db *sql.DB, owner string) (*SQLRegistry, error) {
	return newSQLRegistry(db, owner, false)
}
