package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/stratoreg/strata"
)

// SetTag points repository:tag at head. The entire ancestor chain of
// head must already be stored; a tag over an incomplete chain is
// rejected with ErrDanglingReference. The update is a single UPSERT,
// so concurrent readers observe either the old head or the new one.
func (s *Store) SetTag(repository, tag string, head digest.Digest) error {
	if _, err := s.ResolveChain(head); err != nil {
		if errors.Is(err, strata.ErrNotFound) {
			return strata.DanglingReferenceError{Digest: head}
		}
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO images (repository, tag, digest) VALUES (?, ?, ?)
		 ON CONFLICT (repository, tag) DO UPDATE SET digest = excluded.digest`,
		repository, tag, head.String(),
	)
	return err
}

// GetTag resolves repository:tag to its current head digest.
func (s *Store) GetTag(repository, tag string) (digest.Digest, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT digest FROM images WHERE repository = ? AND tag = ?`,
		repository, tag,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("image %s:%s: %w", repository, tag, strata.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return digest.Parse(raw)
}

// ListImages returns every tag mapping, ordered by name.
func (s *Store) ListImages() ([]strata.Image, error) {
	rows, err := s.db.Query(`SELECT repository, tag, digest FROM images ORDER BY repository, tag`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []strata.Image
	for rows.Next() {
		var image strata.Image
		var raw string
		if err := rows.Scan(&image.Repository, &image.Tag, &raw); err != nil {
			return nil, err
		}
		if image.Digest, err = digest.Parse(raw); err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, rows.Err()
}

// RemoveTag deletes a tag mapping. The layers it pointed at are kept;
// reclaiming them is the garbage collector's job.
func (s *Store) RemoveTag(repository, tag string) error {
	res, err := s.db.Exec(`DELETE FROM images WHERE repository = ? AND tag = ?`, repository, tag)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("image %s:%s: %w", repository, tag, strata.ErrNotFound)
	}
	return nil
}
