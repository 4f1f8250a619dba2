package content

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoreg/strata"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestPutGet(t *testing.T) {
	store := newTestStore(t)

	dgst, n, err := store.Put(strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	assert.Equal(t, digest.Canonical.FromString("hello world"), dgst)

	rc, err := store.Get(dgst)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestPutIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	dgst, _, err := store.Put(strings.NewReader("same bytes"))
	require.NoError(t, err)

	before, err := os.Stat(store.Path(dgst))
	require.NoError(t, err)

	again, _, err := store.Put(bytes.NewReader([]byte("same bytes")))
	require.NoError(t, err)
	assert.Equal(t, dgst, again)

	// The second put must not touch the stored object.
	after, err := os.Stat(store.Path(dgst))
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())

	exists, err := store.Exists(dgst)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(digest.Canonical.FromString("never stored"))
	assert.ErrorIs(t, err, strata.ErrNotFound)
}

func TestObjectsAreReadOnly(t *testing.T) {
	store := newTestStore(t)

	dgst, _, err := store.Put(strings.NewReader("immutable"))
	require.NoError(t, err)

	info, err := os.Stat(store.Path(dgst))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0), info.Mode().Perm()&0o222)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	store := newTestStore(t)

	dgst, _, err := store.Put(strings.NewReader("original"))
	require.NoError(t, err)
	require.NoError(t, store.Verify(dgst))

	require.NoError(t, os.Chmod(store.Path(dgst), 0o644))
	require.NoError(t, os.WriteFile(store.Path(dgst), []byte("tampered"), 0o644))

	err = store.Verify(dgst)
	assert.ErrorIs(t, err, strata.ErrCorrupted)
}

func TestPutVerifiedRejectsMismatch(t *testing.T) {
	store := newTestStore(t)

	claimed := digest.Canonical.FromString("what was promised")
	_, err := store.PutVerified(claimed, strings.NewReader("what arrived"))
	assert.ErrorIs(t, err, strata.ErrCorrupted)

	// The mismatching bytes must not linger in the store.
	exists, err := store.Exists(digest.Canonical.FromString("what arrived"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPutVerifiedMismatchKeepsExistingObject(t *testing.T) {
	store := newTestStore(t)

	dgst, _, err := store.Put(strings.NewReader("alpha"))
	require.NoError(t, err)

	// Re-uploading stored bytes under a wrong claimed digest must not
	// delete the object everything else still references.
	claimed := digest.Canonical.FromString("beta")
	_, err = store.PutVerified(claimed, strings.NewReader("alpha"))
	assert.ErrorIs(t, err, strata.ErrCorrupted)

	exists, err := store.Exists(dgst)
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, store.Verify(dgst))
}

func TestWalk(t *testing.T) {
	store := newTestStore(t)

	first, _, err := store.Put(strings.NewReader("one"))
	require.NoError(t, err)
	second, _, err := store.Put(strings.NewReader("two"))
	require.NoError(t, err)

	seen := map[digest.Digest]bool{}
	require.NoError(t, store.Walk(func(dgst digest.Digest) error {
		seen[dgst] = true
		return nil
	}))
	assert.True(t, seen[first])
	assert.True(t, seen[second])
	assert.Len(t, seen, 2)
}
