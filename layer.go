package strata

import (
	"encoding/json"
	"time"

	"github.com/opencontainers/go-digest"
)

// OperationKind names a primitive action recorded by a layer.
type OperationKind string

const (
	// OpFile places a content object at a path.
	OpFile OperationKind = "file"
	// OpDirectory creates a directory.
	OpDirectory OperationKind = "directory"
	// OpImage imports another image's full tree by head digest.
	OpImage OperationKind = "image"
)

// LinkMode selects how a read-only file is materialized on disk.
type LinkMode string

const (
	// LinkHard materializes the file as a hard link to the stored
	// object. Falls back to a symbolic link across devices.
	LinkHard LinkMode = "hard"
	// LinkSoft materializes the file as a symbolic link.
	LinkSoft LinkMode = "soft"
)

// Operation is one primitive action of a layer. The populated fields
// depend on Kind: file operations carry Path, Object, Size, Link and
// Writable; directory operations carry Path; image operations carry
// Image.
type Operation struct {
	Kind     OperationKind `json:"kind"`
	Path     string        `json:"path,omitempty"`
	Object   digest.Digest `json:"object,omitempty"`
	Size     int64         `json:"size,omitempty"`
	Link     LinkMode      `json:"link,omitempty"`
	Writable bool          `json:"writable,omitempty"`
	Image    digest.Digest `json:"image,omitempty"`
}

// Layer is an immutable record of one or more operations plus the
// digests of everything it depends on. A layer with several operations
// is an atomic group: consumers apply all of them or none.
type Layer struct {
	Digest     digest.Digest `json:"digest"`
	Parent     digest.Digest `json:"parent,omitempty"`
	Operations []Operation   `json:"operations"`
	Created    time.Time     `json:"created"`
}

// layerPayload is the canonical form a layer digest is computed over.
// It deliberately excludes Created: identical builds must produce
// identical digests regardless of when they ran.
type layerPayload struct {
	Parent     digest.Digest `json:"parent,omitempty"`
	Operations []Operation   `json:"operations"`
}

// NewLayer assembles a layer and computes its digest from the parent
// digest and the ordered operations. Calling it twice with the same
// inputs yields the same digest.
func NewLayer(parent digest.Digest, operations []Operation) *Layer {
	return &Layer{
		Digest:     ComputeLayerDigest(parent, operations),
		Parent:     parent,
		Operations: operations,
		Created:    time.Now().UTC(),
	}
}

// ComputeLayerDigest returns the digest of the canonical payload for
// the given parent and operations.
func ComputeLayerDigest(parent digest.Digest, operations []Operation) digest.Digest {
	payload, err := json.Marshal(layerPayload{Parent: parent, Operations: operations})
	if err != nil {
		// Marshaling a struct of strings and integers cannot fail.
		panic(err)
	}
	return digest.Canonical.FromBytes(payload)
}

// Verify recomputes the layer digest from its payload and reports a
// CorruptedError on mismatch.
func (l *Layer) Verify() error {
	actual := ComputeLayerDigest(l.Parent, l.Operations)
	if actual != l.Digest {
		return CorruptedError{Digest: l.Digest, Actual: actual}
	}
	return nil
}

// ReferencedHeads returns the head digests of images imported by this
// layer's operations, in operation order.
func (l *Layer) ReferencedHeads() []digest.Digest {
	var heads []digest.Digest
	for _, op := range l.Operations {
		if op.Kind == OpImage {
			heads = append(heads, op.Image)
		}
	}
	return heads
}

// Objects returns the content objects referenced by this layer's file
// operations, in operation order.
func (l *Layer) Objects() []digest.Digest {
	var objects []digest.Digest
	for _, op := range l.Operations {
		if op.Kind == OpFile {
			objects = append(objects, op.Object)
		}
	}
	return objects
}

// Image maps a repository name and tag to the digest of the image's
// current head layer. Tags are the only mutable entity in the model.
type Image struct {
	Repository string        `json:"repository"`
	Tag        string        `json:"tag"`
	Digest     digest.Digest `json:"digest"`
}

// Name returns the image reference in name:tag form.
func (i Image) Name() string { return i.Repository + ":" + i.Tag }
