// Package strata holds the core data model for content-addressed,
// layered file collections: immutable layers, the operations they
// record, and the mutable name:tag references that point at them.
//
// A layer's digest is computed over its canonical payload, which
// includes the digests of everything the layer depends on (its parent
// and any imported image heads). Ancestry is therefore part of a
// layer's identity, and the dependency graph is acyclic by
// construction: a digest cannot reference a layer created after it.
package strata
