// Package transfer synchronizes images between two stores, moving only
// the layers and objects the destination is missing. Push and pull are
// the same copy in opposite directions.
package transfer

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stratoreg/strata"
	"github.com/stratoreg/strata/reference"
)

// Endpoint is the symmetric surface a copy reads from and writes to.
// Both the local store and the registry client implement it.
//
// A conforming endpoint only accepts a layer once its parent, its
// imported heads and its objects are present, and only accepts a tag
// once the full chain is present. Copy relies on this to resume after
// interruption: whatever already landed is valid, and the tag is the
// last thing to move.
type Endpoint interface {
	HasLayer(ctx context.Context, dgst digest.Digest) (bool, error)
	GetLayer(ctx context.Context, dgst digest.Digest) (*strata.Layer, error)
	PutLayer(ctx context.Context, layer *strata.Layer) error

	HasObject(ctx context.Context, dgst digest.Digest) (bool, error)
	GetObject(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error)
	PutObject(ctx context.Context, dgst digest.Digest, size int64, r io.Reader) error

	GetTag(ctx context.Context, ref reference.Tagged) (digest.Digest, error)
	SetTag(ctx context.Context, ref reference.Tagged, dgst digest.Digest) error
}

// Summary counts what a copy actually moved.
type Summary struct {
	Layers  int64
	Objects int64
	Bytes   int64
}

// objectConcurrency bounds parallel object transfers within a layer.
const objectConcurrency = 4

// retryAttempts bounds retries of idempotent operations that fail with
// a temporary error.
const retryAttempts = 3

// Copy replicates the image ref from src to dst and returns a summary
// of the transfer. Layers move ancestors first, the tag moves last, and
// anything the destination already holds is skipped, so an interrupted
// copy never publishes a tag and a re-run picks up where it stopped.
func Copy(ctx context.Context, src, dst Endpoint, ref reference.Tagged) (*Summary, error) {
	head, err := src.GetTag(ctx, ref)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"image": ref.String(), "digest": head}).Info("copying image")

	c := &copier{src: src, dst: dst, visited: map[digest.Digest]bool{}}
	if err := c.copyChain(ctx, head); err != nil {
		return nil, err
	}

	// The tag commit is attempted exactly once. A failure here leaves
	// everything the copy moved in place but nothing published; the
	// caller re-runs Copy, which re-diffs and finds only the tag left
	// to set.
	if err := dst.SetTag(ctx, ref, head); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"image":   ref.String(),
		"layers":  c.summary.Layers,
		"objects": c.summary.Objects,
		"bytes":   c.summary.Bytes,
	}).Info("copy complete")
	return &c.summary, nil
}

type copier struct {
	src     Endpoint
	dst     Endpoint
	visited map[digest.Digest]bool
	summary Summary
}

// copyChain transfers the layer and everything it depends on,
// dependencies strictly first. A layer the destination already holds is
// skipped along with its whole ancestry: an endpoint never accepts a
// layer without its dependencies, so presence implies completeness.
func (c *copier) copyChain(ctx context.Context, dgst digest.Digest) error {
	if c.visited[dgst] {
		return nil
	}
	c.visited[dgst] = true

	ok, err := hasLayerRetry(ctx, c.dst, dgst)
	if err != nil {
		return err
	}
	if ok {
		logrus.WithField("digest", dgst).Debug("layer already present, skipping subtree")
		return nil
	}

	layer, err := c.src.GetLayer(ctx, dgst)
	if err != nil {
		return err
	}
	if layer.Parent != "" {
		if err := c.copyChain(ctx, layer.Parent); err != nil {
			return err
		}
	}
	for _, imported := range layer.ReferencedHeads() {
		if err := c.copyChain(ctx, imported); err != nil {
			return err
		}
	}

	if err := c.copyObjects(ctx, layer); err != nil {
		return err
	}

	if err := withRetry(ctx, "put layer", func() error {
		return c.dst.PutLayer(ctx, layer)
	}); err != nil {
		return err
	}
	atomic.AddInt64(&c.summary.Layers, 1)
	return nil
}

func (c *copier) copyObjects(ctx context.Context, layer *strata.Layer) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(objectConcurrency)

	for _, op := range layer.Operations {
		op := op
		if op.Kind != strata.OpFile {
			continue
		}
		g.Go(func() error {
			ok, err := c.dst.HasObject(gctx, op.Object)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			if err := withRetry(gctx, "put object", func() error {
				rc, err := c.src.GetObject(gctx, op.Object)
				if err != nil {
					return err
				}
				defer rc.Close()
				return c.dst.PutObject(gctx, op.Object, op.Size, rc)
			}); err != nil {
				return err
			}
			atomic.AddInt64(&c.summary.Objects, 1)
			atomic.AddInt64(&c.summary.Bytes, op.Size)
			return nil
		})
	}
	return g.Wait()
}

func hasLayerRetry(ctx context.Context, ep Endpoint, dgst digest.Digest) (bool, error) {
	var ok bool
	err := withRetry(ctx, "check layer", func() error {
		var err error
		ok, err = ep.HasLayer(ctx, dgst)
		return err
	})
	return ok, err
}

// withRetry re-runs an idempotent operation on temporary failures, with
// a short delay between attempts. Permanent errors return immediately.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if attempt > 1 {
			logrus.WithError(err).WithField("attempt", attempt).Debugf("retrying %s", op)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		err = fn()
		if err == nil || !isTemporary(err) {
			return err
		}
	}
	return err
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
