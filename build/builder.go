package build

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/stratoreg/strata"
	"github.com/stratoreg/strata/content"
	"github.com/stratoreg/strata/reference"
	"github.com/stratoreg/strata/storage"
)

// SourceNotFoundError reports a COPY source missing from the build
// context.
type SourceNotFoundError struct {
	Path string
}

func (e SourceNotFoundError) Error() string {
	return fmt.Sprintf("source file %q does not exist in the build context", e.Path)
}

// UnknownImageError reports a FROM or IMAGE reference that does not
// resolve to a tagged image.
type UnknownImageError struct {
	Reference reference.Tagged
}

func (e UnknownImageError) Error() string {
	return fmt.Sprintf("unknown image %s", e.Reference)
}

// Builder turns parsed definitions into stored layer chains. It reads
// the build context, never writes to it.
type Builder struct {
	objects *content.Store
	meta    *storage.Store
}

// NewBuilder returns a builder over the given stores.
func NewBuilder(objects *content.Store, meta *storage.Store) *Builder {
	return &Builder{objects: objects, meta: meta}
}

// Build produces the image named by target from def, reading file
// sources relative to contextDir. Building the same definition against
// the same context twice yields the same head digest and stores
// nothing new.
func (b *Builder) Build(ctx context.Context, def *Definition, contextDir string, target reference.Tagged) (*strata.Image, error) {
	var parent digest.Digest

	if def.Base != nil {
		head, err := b.meta.GetTag(def.Base.Repository, def.Base.Tag)
		if err != nil {
			if errors.Is(err, strata.ErrNotFound) {
				return nil, UnknownImageError{Reference: *def.Base}
			}
			return nil, err
		}
		parent = head
	}

	for i, step := range def.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logrus.WithField("image", target).Infof("step %d/%d: %s", i+1, len(def.Steps), step.Source)

		operations, err := b.expand(contextDir, step.Operations)
		if err != nil {
			return nil, err
		}

		layer := strata.NewLayer(parent, operations)
		exists, err := b.meta.HasLayer(layer.Digest)
		if err != nil {
			return nil, err
		}
		if exists {
			logrus.WithField("digest", layer.Digest).Info("layer already built")
		} else if err := b.meta.PutLayer(layer); err != nil {
			return nil, err
		}
		parent = layer.Digest
	}

	if parent == "" {
		return nil, fmt.Errorf("definition produces no layers and has no base image")
	}

	if err := b.meta.SetTag(target.Repository, target.Tag, parent); err != nil {
		return nil, err
	}
	return &strata.Image{Repository: target.Repository, Tag: target.Tag, Digest: parent}, nil
}

// expand resolves one step's operation definitions into concrete layer
// operations: file sources are read and stored, directory sources are
// expanded recursively, and image references are resolved to their
// current heads.
func (b *Builder) expand(contextDir string, defs []OperationDef) ([]strata.Operation, error) {
	var operations []strata.Operation

	for _, def := range defs {
		switch def.Kind {
		case strata.OpDirectory:
			operations = append(operations, strata.Operation{
				Kind: strata.OpDirectory,
				Path: cleanDestination(def.Path),
			})

		case strata.OpImage:
			head, err := b.meta.GetTag(def.Image.Repository, def.Image.Tag)
			if err != nil {
				if errors.Is(err, strata.ErrNotFound) {
					return nil, UnknownImageError{Reference: def.Image}
				}
				return nil, err
			}
			operations = append(operations, strata.Operation{Kind: strata.OpImage, Image: head})

		case strata.OpFile:
			expanded, err := b.expandCopy(contextDir, def)
			if err != nil {
				return nil, err
			}
			operations = append(operations, expanded...)
		}
	}

	return operations, nil
}

func (b *Builder) expandCopy(contextDir string, def OperationDef) ([]strata.Operation, error) {
	source := filepath.Join(contextDir, filepath.FromSlash(def.Source))
	info, err := os.Stat(source)
	if errors.Is(err, os.ErrNotExist) {
		return nil, SourceNotFoundError{Path: def.Source}
	}
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		op, err := b.storeFile(source, singleFileDestination(def.Path, source), def)
		if err != nil {
			return nil, err
		}
		return []strata.Operation{op}, nil
	}

	// Directory copy: one operation per entry, directories before
	// their contents. WalkDir's lexical order keeps expansion
	// deterministic across builds.
	var operations []strata.Operation
	base := cleanDestination(def.Path)
	err = filepath.WalkDir(source, func(entryPath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entryPath == source {
			return nil
		}
		rel, err := filepath.Rel(source, entryPath)
		if err != nil {
			return err
		}
		destination := path.Join(base, filepath.ToSlash(rel))

		if entry.IsDir() {
			operations = append(operations, strata.Operation{Kind: strata.OpDirectory, Path: destination})
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		op, err := b.storeFile(entryPath, destination, def)
		if err != nil {
			return err
		}
		operations = append(operations, op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return operations, nil
}

func (b *Builder) storeFile(source, destination string, def OperationDef) (strata.Operation, error) {
	f, err := os.Open(source)
	if errors.Is(err, os.ErrNotExist) {
		return strata.Operation{}, SourceNotFoundError{Path: source}
	}
	if err != nil {
		return strata.Operation{}, err
	}
	defer f.Close()

	dgst, size, err := b.objects.Put(f)
	if err != nil {
		return strata.Operation{}, fmt.Errorf("storing %s: %w", source, err)
	}

	return strata.Operation{
		Kind:     strata.OpFile,
		Path:     destination,
		Object:   dgst,
		Size:     size,
		Link:     def.Link,
		Writable: def.Writable,
	}, nil
}

// singleFileDestination resolves the destination for a single-file
// COPY: a trailing slash appends the source basename, and "." places
// the source basename at the root.
func singleFileDestination(destination, source string) string {
	switch {
	case destination == ".":
		return filepath.Base(source)
	case strings.HasSuffix(destination, "/"):
		return path.Join(cleanDestination(destination), filepath.Base(source))
	default:
		return cleanDestination(destination)
	}
}

// cleanDestination normalizes a destination path inside the image
// tree. Destinations are always slash-separated and relative.
func cleanDestination(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
