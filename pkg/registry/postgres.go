package registry

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPostgresRegistry creates a Postgres-backed directory for deployments
// where several gateway replicas share one directory.
func NewPostgresRegistry(db *sql.DB, owner string) (*SQLRegistry, error) {
	return newSQLRegistry(db, owner, true)
}
