// ABOUTME: SQLite persistence for graph snapshots
// ABOUTME: Loads the whole state at startup and writes it back transactionally
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/chunkdev/chunkd/models"
)

// Store wraps the SQLite database holding the persisted snapshot. The
// live graph never queries it; state flows through Load at startup and
// Save at flush points.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the database at path with WAL mode.
func Open(path string, log zerolog.Logger) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// Open database with WAL mode
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// Configure connection pool for SQLite (avoid database locked errors)
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the full persisted snapshot.
func (s *Store) Load() (models.Snapshot, error) {
	var snap models.Snapshot

	rows, err := s.db.Query(`SELECT id, value, owner, created, modified FROM chunks`)
	if err != nil {
		return snap, fmt.Errorf("loading chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.Value, &c.Owner, &c.Created, &c.Modified); err != nil {
			return snap, fmt.Errorf("scanning chunk: %w", err)
		}
		snap.Chunks = append(snap.Chunks, c)
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	userRows, err := s.db.Query(`SELECT name, pass, not_before FROM users`)
	if err != nil {
		return snap, fmt.Errorf("loading users: %w", err)
	}
	defer userRows.Close()
	for userRows.Next() {
		var u models.User
		if err := userRows.Scan(&u.Name, &u.Pass, &u.NotBefore); err != nil {
			return snap, fmt.Errorf("scanning user: %w", err)
		}
		snap.Users = append(snap.Users, u)
	}
	if err := userRows.Err(); err != nil {
		return snap, err
	}

	groupRows, err := s.db.Query(`SELECT name, member FROM groups ORDER BY name, member`)
	if err != nil {
		return snap, fmt.Errorf("loading groups: %w", err)
	}
	defer groupRows.Close()
	for groupRows.Next() {
		var name, member string
		if err := groupRows.Scan(&name, &member); err != nil {
			return snap, fmt.Errorf("scanning group: %w", err)
		}
		if snap.Groups == nil {
			snap.Groups = map[string][]string{}
		}
		snap.Groups[name] = append(snap.Groups[name], member)
	}
	if err := groupRows.Err(); err != nil {
		return snap, err
	}

	s.log.Info().
		Int("chunks", len(snap.Chunks)).
		Int("users", len(snap.Users)).
		Int("groups", len(snap.Groups)).
		Msg("snapshot loaded")
	return snap, nil
}

// Save replaces the persisted state with snap in one transaction.
func (s *Store) Save(snap models.Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"chunks", "users", "groups"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	for _, c := range snap.Chunks {
		_, err := tx.Exec(
			`INSERT INTO chunks (id, value, owner, created, modified) VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.Value, c.Owner, c.Created, c.Modified,
		)
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}
	for _, u := range snap.Users {
		_, err := tx.Exec(
			`INSERT INTO users (name, pass, not_before) VALUES (?, ?, ?)`,
			u.Name, u.Pass, u.NotBefore,
		)
		if err != nil {
			return fmt.Errorf("inserting user %s: %w", u.Name, err)
		}
	}
	names := make([]string, 0, len(snap.Groups))
	for name := range snap.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, member := range snap.Groups[name] {
			_, err := tx.Exec(`INSERT INTO groups (name, member) VALUES (?, ?)`, name, member)
			if err != nil {
				return fmt.Errorf("inserting group %s: %w", name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug().Int("chunks", len(snap.Chunks)).Msg("snapshot saved")
	return nil
}
