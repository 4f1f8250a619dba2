package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/stratoreg/strata"
)

// PutLayer persists a layer record. The layer's digest is verified
// against its payload, and its parent and every imported head must
// already be present; a reference to a missing layer is rejected with
// ErrDanglingReference. Storing the same layer twice is a no-op.
func (s *Store) PutLayer(layer *strata.Layer) error {
	if err := layer.Verify(); err != nil {
		return fmt.Errorf("refusing to store layer: %w", err)
	}

	if layer.Parent != "" {
		if err := s.requireLayer(layer.Parent); err != nil {
			return err
		}
	}
	for _, head := range layer.ReferencedHeads() {
		if err := s.requireLayer(head); err != nil {
			return err
		}
	}

	manifest, err := json.Marshal(layer)
	if err != nil {
		return err
	}

	var parent sql.NullString
	if layer.Parent != "" {
		parent = sql.NullString{String: layer.Parent.String(), Valid: true}
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO layers (digest, parent, manifest, created) VALUES (?, ?, ?, ?)`,
		layer.Digest.String(), parent, string(manifest), layer.Created,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		logrus.WithField("digest", layer.Digest).Debug("layer already stored")
	}
	return nil
}

// GetLayer loads a layer record and re-verifies its digest. A stored
// record whose payload no longer hashes to its key is a corruption
// error, never silently accepted.
func (s *Store) GetLayer(dgst digest.Digest) (*strata.Layer, error) {
	var manifest string
	err := s.db.QueryRow(`SELECT manifest FROM layers WHERE digest = ?`, dgst.String()).Scan(&manifest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("layer %s: %w", dgst, strata.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var layer strata.Layer
	if err := json.Unmarshal([]byte(manifest), &layer); err != nil {
		return nil, fmt.Errorf("layer %s: decoding manifest: %w", dgst, err)
	}
	if layer.Digest != dgst {
		return nil, strata.CorruptedError{Digest: dgst, Actual: layer.Digest}
	}
	if err := layer.Verify(); err != nil {
		return nil, err
	}
	return &layer, nil
}

// HasLayer reports whether a layer record exists.
func (s *Store) HasLayer(dgst digest.Digest) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM layers WHERE digest = ?`, dgst.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RemoveLayer deletes a layer record. Only the garbage collector calls
// this.
func (s *Store) RemoveLayer(dgst digest.Digest) error {
	_, err := s.db.Exec(`DELETE FROM layers WHERE digest = ?`, dgst.String())
	return err
}

// AllLayers returns the digests of every stored layer record.
func (s *Store) AllLayers() ([]digest.Digest, error) {
	rows, err := s.db.Query(`SELECT digest FROM layers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var digests []digest.Digest
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		dgst, err := digest.Parse(raw)
		if err != nil {
			return nil, err
		}
		digests = append(digests, dgst)
	}
	return digests, rows.Err()
}

// ResolveChain returns every ancestor of head in dependency order:
// each layer's parent and every imported head appear strictly before
// it, and a layer reachable through several paths is emitted exactly
// once. The returned slice ends with the head layer itself.
func (s *Store) ResolveChain(head digest.Digest) ([]*strata.Layer, error) {
	var (
		chain   []*strata.Layer
		visited = map[digest.Digest]bool{}
	)

	var visit func(digest.Digest) error
	visit = func(dgst digest.Digest) error {
		if visited[dgst] {
			return nil
		}
		visited[dgst] = true

		layer, err := s.GetLayer(dgst)
		if err != nil {
			return err
		}
		if layer.Parent != "" {
			if err := visit(layer.Parent); err != nil {
				return err
			}
		}
		for _, imported := range layer.ReferencedHeads() {
			if err := visit(imported); err != nil {
				return err
			}
		}
		chain = append(chain, layer)
		return nil
	}

	if err := visit(head); err != nil {
		return nil, err
	}
	return chain, nil
}

func (s *Store) requireLayer(dgst digest.Digest) error {
	ok, err := s.HasLayer(dgst)
	if err != nil {
		return err
	}
	if !ok {
		return strata.DanglingReferenceError{Digest: dgst}
	}
	return nil
}
