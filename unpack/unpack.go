// Package unpack materializes an image's layer DAG into a directory
// tree. Read-only files become links into the content store (hard
// links on the same device, symbolic links otherwise), so a
// materialized tree costs no additional space; writable files become
// private copies so edits cannot reach the immutable store.
package unpack

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/stratoreg/strata"
	"github.com/stratoreg/strata/content"
	"github.com/stratoreg/strata/storage"
)

var (
	// ErrDestinationNotEmpty is returned when a first-time unpack
	// targets a non-empty directory that is not a tracked instance.
	ErrDestinationNotEmpty = errors.New("destination directory is not empty")
)

// Options control a single unpack run.
type Options struct {
	// DryRun logs the planned filesystem actions without applying
	// them or recording the instance.
	DryRun bool
}

// Unpacker materializes layer chains using the content store for link
// targets and the metadata store for chain resolution and instance
// tracking.
type Unpacker struct {
	objects *content.Store
	meta    *storage.Store
}

// New returns an unpacker over the given stores.
func New(objects *content.Store, meta *storage.Store) *Unpacker {
	return &Unpacker{objects: objects, meta: meta}
}

// entry is the desired final state of one path in the tree.
type entry struct {
	kind     string // storage.PathLink, PathCopy or PathDir
	object   digest.Digest
	link     strata.LinkMode
	writable bool
}

// Unpack materializes the image headed by head into destination.
//
// Re-running against an instance already at head is a no-op. Running
// against an instance of a different image only touches paths whose
// backing content differs; everything else, including edited writable
// copies of unchanged objects, is left alone.
func (u *Unpacker) Unpack(head digest.Digest, destination string, opts Options) error {
	destination, err := filepath.Abs(destination)
	if err != nil {
		return err
	}

	desired, err := u.plan(head)
	if err != nil {
		return err
	}

	recorded := map[string]storage.UnpackedPath{}
	instance, recordedPaths, err := u.meta.GetUnpacking(destination)
	switch {
	case err == nil:
		if instance.Digest == head {
			logrus.WithFields(logrus.Fields{"digest": head, "destination": destination}).
				Info("already unpacked, nothing to do")
			return nil
		}
		for _, p := range recordedPaths {
			recorded[p.Path] = p
		}
	case errors.Is(err, strata.ErrNotFound):
		if err := checkFreshDestination(destination, opts.DryRun); err != nil {
			return err
		}
	default:
		return err
	}

	logrus.WithFields(logrus.Fields{"digest": head, "destination": destination}).Info("unpacking image")

	if err := u.applyDiff(destination, recorded, desired, opts.DryRun); err != nil {
		return err
	}
	if opts.DryRun {
		return nil
	}

	return u.meta.PutUnpacking(
		storage.Unpacking{Destination: destination, Digest: head, Created: time.Now().UTC()},
		desiredPaths(desired),
	)
}

// Contents returns the sorted paths a materialized tree of the image
// headed by head would contain, without touching the filesystem.
func (u *Unpacker) Contents(head digest.Digest) ([]string, error) {
	desired, err := u.plan(head)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(desired))
	for p := range desired {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Remove deletes every tracked path of the instance at destination, in
// reverse order, and drops the instance record. With force set,
// filesystem errors are logged and skipped so a half-deleted tree can
// still be untracked.
func (u *Unpacker) Remove(destination string, force bool) error {
	destination, err := filepath.Abs(destination)
	if err != nil {
		return err
	}
	_, recordedPaths, err := u.meta.GetUnpacking(destination)
	if err != nil {
		return err
	}

	for _, p := range removalOrder(recordedPaths) {
		target := filepath.Join(destination, filepath.FromSlash(p.Path))
		rmErr := os.Remove(target)
		if rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			if !force {
				return fmt.Errorf("removing %s: %w", target, rmErr)
			}
			logrus.WithError(rmErr).WithField("path", target).Warn("skipping path during forced removal")
		}
	}

	return u.meta.RemoveUnpacking(destination)
}

// plan computes the desired final state of every path by replaying the
// chain the way a consumer observes it: parents before children, an
// imported image's full tree at the position of its import operation,
// each layer applied exactly once, later writes overwriting earlier
// ones.
func (u *Unpacker) plan(head digest.Digest) (map[string]entry, error) {
	desired := map[string]entry{}
	applied := map[digest.Digest]bool{}

	var apply func(digest.Digest) error
	apply = func(dgst digest.Digest) error {
		if applied[dgst] {
			return nil
		}
		applied[dgst] = true

		layer, err := u.meta.GetLayer(dgst)
		if err != nil {
			return err
		}
		if layer.Parent != "" {
			if err := apply(layer.Parent); err != nil {
				return err
			}
		}

		for _, op := range layer.Operations {
			switch op.Kind {
			case strata.OpImage:
				if err := apply(op.Image); err != nil {
					return err
				}
			case strata.OpDirectory:
				if err := checkTreePath(op.Path); err != nil {
					return fmt.Errorf("layer %s: %w", dgst, err)
				}
				desired[op.Path] = entry{kind: storage.PathDir}
			case strata.OpFile:
				if err := checkTreePath(op.Path); err != nil {
					return fmt.Errorf("layer %s: %w", dgst, err)
				}
				kind := storage.PathLink
				if op.Writable {
					kind = storage.PathCopy
				}
				desired[op.Path] = entry{
					kind:     kind,
					object:   op.Object,
					link:     op.Link,
					writable: op.Writable,
				}
			}
		}
		return nil
	}

	if err := apply(head); err != nil {
		return nil, err
	}
	return desired, nil
}

// applyDiff brings the tree at destination from the recorded state to
// the desired state, touching only paths that actually differ.
func (u *Unpacker) applyDiff(destination string, recorded map[string]storage.UnpackedPath, desired map[string]entry, dryRun bool) error {
	// Stale paths first: anything recorded that is gone or changed.
	var stale []storage.UnpackedPath
	for p, rec := range recorded {
		want, ok := desired[p]
		if ok && rec.Kind == want.kind && rec.Object == want.object {
			continue
		}
		stale = append(stale, rec)
	}
	for _, rec := range removalOrder(stale) {
		target := filepath.Join(destination, filepath.FromSlash(rec.Path))
		logrus.WithField("path", target).Debug("removing stale path")
		if dryRun {
			logrus.WithField("path", target).Info("would remove")
			continue
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			// A tracked directory may still hold files we never
			// created; those are the user's and stay.
			if info, statErr := os.Stat(target); statErr == nil && info.IsDir() {
				logrus.WithField("path", target).Warn("keeping non-empty directory")
				continue
			}
			return fmt.Errorf("removing stale path %s: %w", target, err)
		}
	}

	// Then creations, parents before children.
	var paths []string
	for p := range desired {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		want := desired[p]
		if rec, ok := recorded[p]; ok && rec.Kind == want.kind && rec.Object == want.object {
			// Unchanged; an edited writable copy of the same object
			// is deliberately preserved.
			continue
		}

		target := filepath.Join(destination, filepath.FromSlash(p))
		if dryRun {
			logrus.WithFields(logrus.Fields{"path": target, "kind": want.kind}).Info("would create")
			continue
		}
		if err := u.create(target, want); err != nil {
			return err
		}
	}
	return nil
}

func (u *Unpacker) create(target string, want entry) error {
	if want.kind == storage.PathDir {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	// An overwritten path may still hold the previous image's file.
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if want.writable {
		return u.copyObject(target, want.object)
	}

	source := u.objects.Path(want.object)
	if ok, err := u.objects.Exists(want.object); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("object %s for %s: %w", want.object, target, strata.ErrNotFound)
	}

	if want.link == strata.LinkSoft {
		return os.Symlink(source, target)
	}
	if err := os.Link(source, target); err != nil {
		// Cross-device trees cannot share hard links; degrade to a
		// symbolic link rather than copying.
		logrus.WithError(err).WithField("path", target).Debug("hard link failed, using symlink")
		return os.Symlink(source, target)
	}
	return nil
}

func (u *Unpacker) copyObject(target string, object digest.Digest) error {
	rc, err := u.objects.Get(object)
	if err != nil {
		return fmt.Errorf("object for %s: %w", target, err)
	}
	defer rc.Close()

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// desiredPaths converts the plan into instance rows.
func desiredPaths(desired map[string]entry) []storage.UnpackedPath {
	var paths []storage.UnpackedPath
	for p, e := range desired {
		paths = append(paths, storage.UnpackedPath{Path: p, Kind: e.kind, Object: e.object})
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].Path < paths[j].Path })
	return paths
}

// removalOrder sorts paths children-first so directories empty out
// before their own removal, files before directories.
func removalOrder(paths []storage.UnpackedPath) []storage.UnpackedPath {
	ordered := make([]storage.UnpackedPath, len(paths))
	copy(ordered, paths)
	sort.Slice(ordered, func(i, j int) bool {
		if (ordered[i].Kind == storage.PathDir) != (ordered[j].Kind == storage.PathDir) {
			return ordered[i].Kind != storage.PathDir
		}
		return ordered[i].Path > ordered[j].Path
	})
	return ordered
}

// checkTreePath rejects layer paths that would escape the destination.
func checkTreePath(p string) error {
	if p == "" {
		return nil
	}
	if path.IsAbs(p) || p != path.Clean(p) || p == ".." || strings.HasPrefix(p, "../") {
		return fmt.Errorf("invalid path %q in layer", p)
	}
	return nil
}

func checkFreshDestination(destination string, dryRun bool) error {
	entries, err := os.ReadDir(destination)
	if errors.Is(err, os.ErrNotExist) {
		if dryRun {
			return nil
		}
		return os.MkdirAll(destination, 0o755)
	}
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("%s: %w", destination, ErrDestinationNotEmpty)
	}
	return nil
}
