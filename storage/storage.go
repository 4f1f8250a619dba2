// Package storage implements the metadata index: layer records, the
// mutable tag mapping, tracked unpackings and registry users, all in a
// single sqlite database next to the object store.
package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS layers (
	digest   TEXT PRIMARY KEY,
	parent   TEXT,
	manifest TEXT NOT NULL,
	created  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS images (
	repository TEXT NOT NULL,
	tag        TEXT NOT NULL,
	digest     TEXT NOT NULL,
	PRIMARY KEY (repository, tag)
);

CREATE TABLE IF NOT EXISTS unpackings (
	destination TEXT PRIMARY KEY,
	digest      TEXT NOT NULL,
	created     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS unpacked_paths (
	destination TEXT NOT NULL,
	path        TEXT NOT NULL,
	kind        TEXT NOT NULL,
	object      TEXT,
	PRIMARY KEY (destination, path)
);

CREATE TABLE IF NOT EXISTS users (
	username      TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	scopes        TEXT NOT NULL
);
`

// Store wraps the metadata database. It is safe for concurrent use:
// sqlite serializes writers per connection and every mutation here is
// a single statement or an explicit transaction.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the metadata database inside dir.
func Open(dir string) (*Store, error) {
	path := filepath.Join(dir, "metadata.db")
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing metadata schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
