package transfer

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/stratoreg/strata"
	"github.com/stratoreg/strata/content"
	"github.com/stratoreg/strata/reference"
	"github.com/stratoreg/strata/storage"
)

// Local adapts the on-disk stores to the Endpoint interface so a copy
// can run against the local machine on either side.
type Local struct {
	objects *content.Store
	meta    *storage.Store
}

var _ Endpoint = &Local{}

// NewLocal returns an endpoint over the given stores.
func NewLocal(objects *content.Store, meta *storage.Store) *Local {
	return &Local{objects: objects, meta: meta}
}

func (l *Local) HasLayer(_ context.Context, dgst digest.Digest) (bool, error) {
	return l.meta.HasLayer(dgst)
}

func (l *Local) GetLayer(_ context.Context, dgst digest.Digest) (*strata.Layer, error) {
	return l.meta.GetLayer(dgst)
}

func (l *Local) PutLayer(_ context.Context, layer *strata.Layer) error {
	return l.meta.PutLayer(layer)
}

func (l *Local) HasObject(_ context.Context, dgst digest.Digest) (bool, error) {
	return l.objects.Exists(dgst)
}

func (l *Local) GetObject(_ context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	return l.objects.Get(dgst)
}

func (l *Local) PutObject(_ context.Context, dgst digest.Digest, _ int64, r io.Reader) error {
	_, err := l.objects.PutVerified(dgst, r)
	return err
}

func (l *Local) GetTag(_ context.Context, ref reference.Tagged) (digest.Digest, error) {
	return l.meta.GetTag(ref.Repository, ref.Tag)
}

func (l *Local) SetTag(_ context.Context, ref reference.Tagged, dgst digest.Digest) error {
	return l.meta.SetTag(ref.Repository, ref.Tag, dgst)
}
