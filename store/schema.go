// ABOUTME: Database schema definitions
// ABOUTME: Handles SQLite table creation and initialization
package store

import (
	"database/sql"
)

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	owner TEXT NOT NULL,
	created INTEGER NOT NULL,
	modified INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_owner ON chunks(owner);

CREATE TABLE IF NOT EXISTS users (
	name TEXT PRIMARY KEY,
	pass TEXT NOT NULL,
	not_before INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
	name TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (name, member)
);
`

func initSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
