package storage

import (
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/stratoreg/strata/content"
)

// GCResult reports what a garbage-collection pass removed.
type GCResult struct {
	Layers  int
	Objects int
}

// GarbageCollect removes every layer record and content object that is
// not reachable from any tagged image: mark over all tags via
// ResolveChain, then sweep. With dryRun set it only reports what would
// be removed. Paths already materialized as hard links stay valid;
// removing a store object only drops the store's own link to the
// bytes.
func (s *Store) GarbageCollect(objects *content.Store, dryRun bool) (GCResult, error) {
	markedLayers := map[digest.Digest]bool{}
	markedObjects := map[digest.Digest]bool{}

	images, err := s.ListImages()
	if err != nil {
		return GCResult{}, err
	}
	for _, image := range images {
		chain, err := s.ResolveChain(image.Digest)
		if err != nil {
			return GCResult{}, err
		}
		for _, layer := range chain {
			markedLayers[layer.Digest] = true
			for _, object := range layer.Objects() {
				markedObjects[object] = true
			}
		}
	}

	var result GCResult

	layers, err := s.AllLayers()
	if err != nil {
		return GCResult{}, err
	}
	for _, dgst := range layers {
		if markedLayers[dgst] {
			continue
		}
		logrus.WithField("digest", dgst).Info("sweeping layer")
		if !dryRun {
			if err := s.RemoveLayer(dgst); err != nil {
				return result, err
			}
		}
		result.Layers++
	}

	err = objects.Walk(func(dgst digest.Digest) error {
		if markedObjects[dgst] {
			return nil
		}
		logrus.WithField("digest", dgst).Info("sweeping object")
		if !dryRun {
			if err := objects.Remove(dgst); err != nil {
				return err
			}
		}
		result.Objects++
		return nil
	})
	return result, err
}
