package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/stratoreg/strata"
)

// Unpacking records a materialized directory tree: where it lives,
// which image head produced it, and when.
type Unpacking struct {
	Destination string
	Digest      digest.Digest
	Created     time.Time
}

// UnpackedPath records a single path inside an unpacking: a shared
// link, a private copy, or a directory. Object is empty for
// directories.
type UnpackedPath struct {
	Path   string
	Kind   string // "link", "copy" or "dir"
	Object digest.Digest
}

// Path kinds recorded for an unpacking.
const (
	PathLink = "link"
	PathCopy = "copy"
	PathDir  = "dir"
)

// PutUnpacking replaces the recorded state of an unpacking at
// destination: the instance row and all its per-path rows, in one
// transaction.
func (s *Store) PutUnpacking(u Unpacking, paths []UnpackedPath) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO unpackings (destination, digest, created) VALUES (?, ?, ?)
		 ON CONFLICT (destination) DO UPDATE SET digest = excluded.digest, created = excluded.created`,
		u.Destination, u.Digest.String(), u.Created,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM unpacked_paths WHERE destination = ?`, u.Destination); err != nil {
		return err
	}
	for _, p := range paths {
		var object sql.NullString
		if p.Object != "" {
			object = sql.NullString{String: p.Object.String(), Valid: true}
		}
		if _, err := tx.Exec(
			`INSERT INTO unpacked_paths (destination, path, kind, object) VALUES (?, ?, ?, ?)`,
			u.Destination, p.Path, p.Kind, object,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetUnpacking loads the instance recorded at destination along with
// its per-path state.
func (s *Store) GetUnpacking(destination string) (*Unpacking, []UnpackedPath, error) {
	var u Unpacking
	var raw string
	err := s.db.QueryRow(
		`SELECT destination, digest, created FROM unpackings WHERE destination = ?`, destination,
	).Scan(&u.Destination, &raw, &u.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("unpacking at %s: %w", destination, strata.ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	if u.Digest, err = digest.Parse(raw); err != nil {
		return nil, nil, err
	}

	rows, err := s.db.Query(
		`SELECT path, kind, object FROM unpacked_paths WHERE destination = ? ORDER BY path`, destination,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var paths []UnpackedPath
	for rows.Next() {
		var p UnpackedPath
		var object sql.NullString
		if err := rows.Scan(&p.Path, &p.Kind, &object); err != nil {
			return nil, nil, err
		}
		if object.Valid {
			if p.Object, err = digest.Parse(object.String); err != nil {
				return nil, nil, err
			}
		}
		paths = append(paths, p)
	}
	return &u, paths, rows.Err()
}

// ListUnpackings returns every tracked unpacking.
func (s *Store) ListUnpackings() ([]Unpacking, error) {
	rows, err := s.db.Query(`SELECT destination, digest, created FROM unpackings ORDER BY destination`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var unpackings []Unpacking
	for rows.Next() {
		var u Unpacking
		var raw string
		if err := rows.Scan(&u.Destination, &raw, &u.Created); err != nil {
			return nil, err
		}
		if u.Digest, err = digest.Parse(raw); err != nil {
			return nil, err
		}
		unpackings = append(unpackings, u)
	}
	return unpackings, rows.Err()
}

// RemoveUnpacking drops the instance row and its per-path rows.
func (s *Store) RemoveUnpacking(destination string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM unpacked_paths WHERE destination = ?`, destination); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM unpackings WHERE destination = ?`, destination)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unpacking at %s: %w", destination, strata.ErrNotFound)
	}
	return tx.Commit()
}
