package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoreg/strata"
	"github.com/stratoreg/strata/content"
	"github.com/stratoreg/strata/reference"
	"github.com/stratoreg/strata/storage"
)

type testEnv struct {
	objects *content.Store
	meta    *storage.Store
	builder *Builder
	context string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dataDir := t.TempDir()
	objects, err := content.NewStore(filepath.Join(dataDir, "objects"))
	require.NoError(t, err)
	meta, err := storage.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	contextDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(contextDir, "data", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(contextDir, "data", "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(contextDir, "data", "sub", "b.txt"), []byte("beta"), 0o644))

	return &testEnv{
		objects: objects,
		meta:    meta,
		builder: NewBuilder(objects, meta),
		context: contextDir,
	}
}

func (e *testEnv) build(t *testing.T, input, tag string) *strata.Image {
	t.Helper()
	def, err := Parse("", input)
	require.NoError(t, err)
	target, err := reference.ParseTag(tag)
	require.NoError(t, err)
	image, err := e.builder.Build(context.Background(), def, e.context, target)
	require.NoError(t, err)
	return image
}

func TestBuildSimple(t *testing.T) {
	env := newTestEnv(t)

	image := env.build(t, "COPY data/a.txt a.txt\nMKDIR sub", "test:latest")

	chain, err := env.meta.ResolveChain(image.Digest)
	require.NoError(t, err)
	require.Len(t, chain, 2)

	fileOp := chain[0].Operations[0]
	assert.Equal(t, strata.OpFile, fileOp.Kind)
	assert.Equal(t, "a.txt", fileOp.Path)
	assert.Equal(t, digest.Canonical.FromString("alpha"), fileOp.Object)
	assert.Equal(t, int64(5), fileOp.Size)

	exists, err := env.objects.Exists(fileOp.Object)
	require.NoError(t, err)
	assert.True(t, exists)

	head, err := env.meta.GetTag("test", "latest")
	require.NoError(t, err)
	assert.Equal(t, image.Digest, head)
}

func TestBuildIsDeterministic(t *testing.T) {
	env := newTestEnv(t)

	input := "COPY data/a.txt a.txt\nMKDIR sub"
	first := env.build(t, input, "test:latest")
	second := env.build(t, input, "test:latest")

	assert.Equal(t, first.Digest, second.Digest)

	// The replay must not create duplicate layer records.
	layers, err := env.meta.AllLayers()
	require.NoError(t, err)
	assert.Len(t, layers, 2)
}

func TestBuildFromBase(t *testing.T) {
	env := newTestEnv(t)

	base := env.build(t, "COPY data/a.txt a.txt", "base:latest")
	derived := env.build(t, "FROM base:latest\nMKDIR sub", "derived:latest")

	chain, err := env.meta.ResolveChain(derived.Digest)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, base.Digest, chain[0].Digest)
	assert.Equal(t, base.Digest, chain[1].Parent)
}

func TestBuildImageImport(t *testing.T) {
	env := newTestEnv(t)

	imported := env.build(t, "COPY data/a.txt imported.txt", "base:latest")
	head := env.build(t, "MKDIR sub\nIMAGE base:latest", "top:latest")

	chain, err := env.meta.ResolveChain(head.Digest)
	require.NoError(t, err)
	require.Len(t, chain, 3)

	last := chain[len(chain)-1]
	require.Len(t, last.Operations, 1)
	assert.Equal(t, strata.OpImage, last.Operations[0].Kind)
	assert.Equal(t, imported.Digest, last.Operations[0].Image)
	assert.Equal(t, []digest.Digest{imported.Digest}, last.ReferencedHeads())
}

func TestBuildLayerBlock(t *testing.T) {
	env := newTestEnv(t)

	head := env.build(t, "BEGIN LAYER\nCOPY data/a.txt a.txt\nMKDIR sub\nEND", "test:latest")

	chain, err := env.meta.ResolveChain(head.Digest)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Len(t, chain[0].Operations, 2)
}

func TestBuildDirectoryCopy(t *testing.T) {
	env := newTestEnv(t)

	head := env.build(t, "COPY data tree", "test:latest")

	chain, err := env.meta.ResolveChain(head.Digest)
	require.NoError(t, err)
	require.Len(t, chain, 1)

	var paths []string
	for _, op := range chain[0].Operations {
		paths = append(paths, string(op.Kind)+":"+op.Path)
	}
	assert.Equal(t, []string{
		"file:tree/a.txt",
		"directory:tree/sub",
		"file:tree/sub/b.txt",
	}, paths)
}

func TestBuildCopyDestinationForms(t *testing.T) {
	env := newTestEnv(t)

	head := env.build(t, "COPY data/a.txt sub/\nCOPY data/sub/b.txt .", "test:latest")

	chain, err := env.meta.ResolveChain(head.Digest)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "sub/a.txt", chain[0].Operations[0].Path)
	assert.Equal(t, "b.txt", chain[1].Operations[0].Path)
}

func TestBuildMissingSource(t *testing.T) {
	env := newTestEnv(t)

	def, err := Parse("", "COPY data/missing.txt a.txt")
	require.NoError(t, err)

	_, err = env.builder.Build(context.Background(), def, env.context, reference.Tagged{Repository: "test", Tag: "latest"})
	var sourceErr SourceNotFoundError
	require.ErrorAs(t, err, &sourceErr)
	assert.Equal(t, "data/missing.txt", sourceErr.Path)
}

func TestBuildUnknownBaseImage(t *testing.T) {
	env := newTestEnv(t)

	def, err := Parse("", "FROM nowhere:latest\nMKDIR sub")
	require.NoError(t, err)

	_, err = env.builder.Build(context.Background(), def, env.context, reference.Tagged{Repository: "test", Tag: "latest"})
	var unknownErr UnknownImageError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "nowhere:latest", unknownErr.Reference.String())
}

func TestBuildUnknownImportedImage(t *testing.T) {
	env := newTestEnv(t)

	def, err := Parse("", "IMAGE nowhere:latest")
	require.NoError(t, err)

	_, err = env.builder.Build(context.Background(), def, env.context, reference.Tagged{Repository: "test", Tag: "latest"})
	assert.ErrorAs(t, err, &UnknownImageError{})
}

func TestBuildEmptyDefinition(t *testing.T) {
	env := newTestEnv(t)

	def, err := Parse("", "# nothing to do")
	require.NoError(t, err)

	_, err = env.builder.Build(context.Background(), def, env.context, reference.Tagged{Repository: "test", Tag: "latest"})
	assert.Error(t, err)
}

func TestBuildDoesNotMutateContext(t *testing.T) {
	env := newTestEnv(t)

	before, err := os.ReadFile(filepath.Join(env.context, "data", "a.txt"))
	require.NoError(t, err)

	env.build(t, "COPY data tree", "test:latest")

	after, err := os.ReadFile(filepath.Join(env.context, "data", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	info, err := os.Stat(filepath.Join(env.context, "data", "a.txt"))
	require.NoError(t, err)
	assert.True(t, info.Mode().Perm()&0o200 != 0)
}
