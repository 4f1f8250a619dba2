package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoreg/strata"
	"github.com/stratoreg/strata/reference"
)

// fakeEndpoint is an in-memory endpoint that counts writes and can be
// made to fail, so tests can assert exactly what a copy moved.
type fakeEndpoint struct {
	mu      sync.Mutex
	layers  map[digest.Digest]*strata.Layer
	objects map[digest.Digest][]byte
	tags    map[string]digest.Digest

	putLayerCalls  int
	putObjectCalls int
	setTagCalls    int

	// temporaryObjectFailures makes the next N PutObject calls fail
	// with a temporary error.
	temporaryObjectFailures int
	// temporaryTagFailures does the same for SetTag.
	temporaryTagFailures int
	// failPutLayer makes PutLayer of that digest fail permanently.
	failPutLayer digest.Digest
}

var _ Endpoint = &fakeEndpoint{}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		layers:  map[digest.Digest]*strata.Layer{},
		objects: map[digest.Digest][]byte{},
		tags:    map[string]digest.Digest{},
	}
}

type temporaryError struct{ msg string }

func (e temporaryError) Error() string   { return e.msg }
func (e temporaryError) Temporary() bool { return true }

func (f *fakeEndpoint) HasLayer(_ context.Context, dgst digest.Digest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.layers[dgst]
	return ok, nil
}

func (f *fakeEndpoint) GetLayer(_ context.Context, dgst digest.Digest) (*strata.Layer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	layer, ok := f.layers[dgst]
	if !ok {
		return nil, fmt.Errorf("layer %s: %w", dgst, strata.ErrNotFound)
	}
	return layer, nil
}

func (f *fakeEndpoint) PutLayer(_ context.Context, layer *strata.Layer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLayerCalls++
	if layer.Digest == f.failPutLayer {
		return errors.New("store unavailable")
	}
	f.layers[layer.Digest] = layer
	return nil
}

func (f *fakeEndpoint) HasObject(_ context.Context, dgst digest.Digest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[dgst]
	return ok, nil
}

func (f *fakeEndpoint) GetObject(_ context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[dgst]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", dgst, strata.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeEndpoint) PutObject(_ context.Context, dgst digest.Digest, _ int64, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putObjectCalls++
	if f.temporaryObjectFailures > 0 {
		f.temporaryObjectFailures--
		return temporaryError{"connection reset"}
	}
	f.objects[dgst] = data
	return nil
}

func (f *fakeEndpoint) GetTag(_ context.Context, ref reference.Tagged) (digest.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dgst, ok := f.tags[ref.String()]
	if !ok {
		return "", fmt.Errorf("image %s: %w", ref.String(), strata.ErrNotFound)
	}
	return dgst, nil
}

func (f *fakeEndpoint) SetTag(_ context.Context, ref reference.Tagged, dgst digest.Digest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setTagCalls++
	if f.temporaryTagFailures > 0 {
		f.temporaryTagFailures--
		return temporaryError{"connection reset"}
	}
	f.tags[ref.String()] = dgst
	return nil
}

// addObject stores data and returns an operation referencing it.
func (f *fakeEndpoint) addObject(path, data string) strata.Operation {
	dgst := digest.FromString(data)
	f.objects[dgst] = []byte(data)
	return strata.Operation{
		Kind:   strata.OpFile,
		Path:   path,
		Object: dgst,
		Size:   int64(len(data)),
		Link:   strata.LinkHard,
	}
}

func (f *fakeEndpoint) addLayer(parent digest.Digest, ops []strata.Operation) digest.Digest {
	layer := strata.NewLayer(parent, ops)
	f.layers[layer.Digest] = layer
	return layer.Digest
}

func testRef() reference.Tagged {
	return reference.Tagged{Repository: "app", Tag: "latest"}
}

func TestCopySimple(t *testing.T) {
	src := newFakeEndpoint()
	dst := newFakeEndpoint()

	base := src.addLayer("", []strata.Operation{src.addObject("a.txt", "alpha")})
	head := src.addLayer(base, []strata.Operation{src.addObject("b.txt", "beta")})
	src.tags[testRef().String()] = head

	summary, err := Copy(context.Background(), src, dst, testRef())
	require.NoError(t, err)

	assert.Equal(t, int64(2), summary.Layers)
	assert.Equal(t, int64(2), summary.Objects)
	assert.Equal(t, int64(len("alpha")+len("beta")), summary.Bytes)

	assert.Equal(t, head, dst.tags[testRef().String()])
	assert.Len(t, dst.layers, 2)
	assert.Equal(t, []byte("beta"), dst.objects[digest.FromString("beta")])
}

func TestCopyAlreadySynchronized(t *testing.T) {
	src := newFakeEndpoint()
	dst := newFakeEndpoint()

	head := src.addLayer("", []strata.Operation{src.addObject("a.txt", "alpha")})
	src.tags[testRef().String()] = head

	_, err := Copy(context.Background(), src, dst, testRef())
	require.NoError(t, err)

	dst.putLayerCalls, dst.putObjectCalls = 0, 0
	summary, err := Copy(context.Background(), src, dst, testRef())
	require.NoError(t, err)

	assert.Zero(t, summary.Layers)
	assert.Zero(t, summary.Objects)
	assert.Zero(t, dst.putLayerCalls)
	assert.Zero(t, dst.putObjectCalls)
}

func TestCopyMovesOnlyMissing(t *testing.T) {
	src := newFakeEndpoint()
	dst := newFakeEndpoint()

	baseOp := src.addObject("a.txt", "alpha")
	base := src.addLayer("", []strata.Operation{baseOp})
	head := src.addLayer(base, []strata.Operation{src.addObject("b.txt", "beta")})
	src.tags[testRef().String()] = head

	// Destination already holds the base layer and its object.
	dst.objects[baseOp.Object] = []byte("alpha")
	dst.addLayer("", []strata.Operation{baseOp})

	summary, err := Copy(context.Background(), src, dst, testRef())
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Layers)
	assert.Equal(t, int64(1), summary.Objects)
	assert.Equal(t, 1, dst.putLayerCalls)
	assert.Equal(t, 1, dst.putObjectCalls)
}

func TestCopyIncludesImportedChains(t *testing.T) {
	src := newFakeEndpoint()
	dst := newFakeEndpoint()

	imported := src.addLayer("", []strata.Operation{src.addObject("lib.txt", "lib")})
	head := src.addLayer("", []strata.Operation{
		{Kind: strata.OpImage, Image: imported},
		src.addObject("app.txt", "app"),
	})
	src.tags[testRef().String()] = head

	summary, err := Copy(context.Background(), src, dst, testRef())
	require.NoError(t, err)

	assert.Equal(t, int64(2), summary.Layers)
	assert.Contains(t, dst.layers, imported)
	assert.Equal(t, []byte("lib"), dst.objects[digest.FromString("lib")])
}

func TestCopyInterruptedLeavesNoTag(t *testing.T) {
	src := newFakeEndpoint()
	dst := newFakeEndpoint()

	base := src.addLayer("", []strata.Operation{src.addObject("a.txt", "alpha")})
	head := src.addLayer(base, []strata.Operation{src.addObject("b.txt", "beta")})
	src.tags[testRef().String()] = head

	dst.failPutLayer = head
	_, err := Copy(context.Background(), src, dst, testRef())
	require.Error(t, err)

	// The base layer landed but the tag did not move.
	assert.Contains(t, dst.layers, base)
	assert.Empty(t, dst.tags)

	// A re-run after the fault clears finishes without re-sending the
	// base layer.
	dst.failPutLayer = ""
	calls := dst.putLayerCalls
	_, err = Copy(context.Background(), src, dst, testRef())
	require.NoError(t, err)
	assert.Equal(t, calls+1, dst.putLayerCalls)
	assert.Equal(t, head, dst.tags[testRef().String()])
}

func TestCopyRetriesTemporaryFailures(t *testing.T) {
	src := newFakeEndpoint()
	dst := newFakeEndpoint()

	head := src.addLayer("", []strata.Operation{src.addObject("a.txt", "alpha")})
	src.tags[testRef().String()] = head

	dst.temporaryObjectFailures = 2
	summary, err := Copy(context.Background(), src, dst, testRef())
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Objects)
	assert.Equal(t, 3, dst.putObjectCalls)
}

func TestCopyNeverRetriesTagCommit(t *testing.T) {
	src := newFakeEndpoint()
	dst := newFakeEndpoint()

	head := src.addLayer("", []strata.Operation{src.addObject("a.txt", "alpha")})
	src.tags[testRef().String()] = head

	// Even a temporary failure of the tag commit fails the copy after a
	// single attempt; publishing is re-driven by a fresh run.
	dst.temporaryTagFailures = 1
	_, err := Copy(context.Background(), src, dst, testRef())
	require.Error(t, err)
	assert.Equal(t, 1, dst.setTagCalls)
	assert.Empty(t, dst.tags)

	// The re-run re-diffs: the layer is already there, only the tag
	// moves.
	calls := dst.putLayerCalls
	_, err = Copy(context.Background(), src, dst, testRef())
	require.NoError(t, err)
	assert.Equal(t, calls, dst.putLayerCalls)
	assert.Equal(t, head, dst.tags[testRef().String()])
}

func TestCopyUnknownImage(t *testing.T) {
	src := newFakeEndpoint()
	dst := newFakeEndpoint()

	_, err := Copy(context.Background(), src, dst, testRef())
	assert.ErrorIs(t, err, strata.ErrNotFound)
}
