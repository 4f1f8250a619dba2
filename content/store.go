// Package content implements the on-disk content-addressed object
// store. Objects are keyed by the digest of their exact byte sequence,
// so identical content from unrelated sources collapses to a single
// stored file.
package content

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/stratoreg/strata"
)

// Store is a content-addressed object store rooted at a directory.
// Writes are append-only: a Put for an already-present digest performs
// no additional I/O beyond hashing the input. Stores are safe for
// concurrent use; concurrent Puts of the same content race only on an
// atomic rename of identical bytes.
type Store struct {
	root string
}

// NewStore opens (creating if needed) a store rooted at root.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "ingest"), 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

// Put streams r into the store and returns the content digest and the
// number of bytes read. If an object with that digest already exists
// the temporary file is discarded and the existing object is kept.
func (s *Store) Put(r io.Reader) (digest.Digest, int64, error) {
	dgst, n, _, err := s.put(r)
	return dgst, n, err
}

// put additionally reports whether the call created the object, as
// opposed to finding it already stored.
func (s *Store) put(r io.Reader) (digest.Digest, int64, bool, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "ingest"), "put-")
	if err != nil {
		return "", 0, false, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), r)
	if err != nil {
		return "", 0, false, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, false, err
	}

	dgst := digester.Digest()
	target := s.path(dgst)

	if _, err := os.Stat(target); err == nil {
		logrus.WithField("digest", dgst).Debug("object already stored")
		return dgst, n, false, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", 0, false, err
	}
	// Stored objects are shared hard-link targets; they must never be
	// writable in place.
	if err := os.Chmod(tmp.Name(), 0o444); err != nil {
		return "", 0, false, err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", 0, false, err
	}

	return dgst, n, true, nil
}

// PutVerified streams r into the store, requiring the content to hash
// to expected. On mismatch a CorruptedError is returned and the store
// is left as it was: a newly written object is dropped, while an
// object that was already stored under the true digest is kept.
func (s *Store) PutVerified(expected digest.Digest, r io.Reader) (int64, error) {
	verifier := expected.Verifier()
	dgst, n, created, err := s.put(io.TeeReader(r, verifier))
	if err != nil {
		return 0, err
	}
	if !verifier.Verified() {
		if created {
			s.Remove(dgst)
		}
		return 0, strata.CorruptedError{Digest: expected, Actual: dgst}
	}
	return n, nil
}

// Get opens the object with the given digest for reading.
func (s *Store) Get(dgst digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.path(dgst))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("object %s: %w", dgst, strata.ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

// Exists reports whether an object with the given digest is stored.
func (s *Store) Exists(dgst digest.Digest) (bool, error) {
	_, err := os.Stat(s.path(dgst))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Size returns the stored size of an object.
func (s *Store) Size(dgst digest.Digest) (int64, error) {
	info, err := os.Stat(s.path(dgst))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("object %s: %w", dgst, strata.ErrNotFound)
		}
		return 0, err
	}
	return info.Size(), nil
}

// Verify re-hashes the stored bytes of dgst and returns a
// CorruptedError if they no longer match.
func (s *Store) Verify(dgst digest.Digest) error {
	f, err := s.Get(dgst)
	if err != nil {
		return err
	}
	defer f.Close()

	actual, err := digest.Canonical.FromReader(f)
	if err != nil {
		return err
	}
	if actual != dgst {
		return strata.CorruptedError{Digest: dgst, Actual: actual}
	}
	return nil
}

// Path returns the absolute filesystem path of an object, for use as a
// link target during materialization. The object is not checked for
// existence.
func (s *Store) Path(dgst digest.Digest) string {
	return s.path(dgst)
}

// Remove deletes a stored object. Only the garbage collector calls
// this; objects referenced by any tagged image must not be removed.
func (s *Store) Remove(dgst digest.Digest) error {
	err := os.Remove(s.path(dgst))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Walk calls fn for every stored object digest.
func (s *Store) Walk(fn func(digest.Digest) error) error {
	algDirs, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, algDir := range algDirs {
		if !algDir.IsDir() || algDir.Name() == "ingest" {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, algDir.Name()))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			dgst := digest.NewDigestFromEncoded(digest.Algorithm(algDir.Name()), entry.Name())
			if err := dgst.Validate(); err != nil {
				continue
			}
			if err := fn(dgst); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) path(dgst digest.Digest) string {
	return filepath.Join(s.root, string(dgst.Algorithm()), dgst.Encoded())
}
