package strata

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrNotFound is returned when an object, layer or tag does not
	// exist in the store being queried.
	ErrNotFound = errors.New("not found")

	// ErrCorrupted is returned when stored bytes do not match their
	// claimed digest. A corrupted read is fatal for that operation and
	// is never repaired automatically.
	ErrCorrupted = errors.New("content corrupted")

	// ErrDanglingReference is returned when a tag or layer references
	// a digest that is not present. Dangling references are rejected
	// at write time and never allowed to land.
	ErrDanglingReference = errors.New("dangling reference")

	// ErrUnauthenticated is returned when a registry caller presents
	// missing or invalid credentials.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrForbidden is returned when an authenticated caller lacks the
	// permission scope for the requested action.
	ErrForbidden = errors.New("access forbidden")
)

// CorruptedError reports a digest whose stored bytes hashed to
// something else. It unwraps to ErrCorrupted.
type CorruptedError struct {
	Digest digest.Digest
	Actual digest.Digest
}

func (e CorruptedError) Error() string {
	return fmt.Sprintf("content of %s hashes to %s: %v", e.Digest, e.Actual, ErrCorrupted)
}

func (e CorruptedError) Unwrap() error { return ErrCorrupted }

// DanglingReferenceError reports the missing digest that a write
// referenced. It unwraps to ErrDanglingReference.
type DanglingReferenceError struct {
	Digest digest.Digest
}

func (e DanglingReferenceError) Error() string {
	return fmt.Sprintf("reference to missing content %s: %v", e.Digest, ErrDanglingReference)
}

func (e DanglingReferenceError) Unwrap() error { return ErrDanglingReference }
