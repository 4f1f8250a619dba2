// Package reference provides a general type to represent any way of
// referencing an image: by name and tag, or directly by the digest of
// a head layer.
//
// Grammar:
//
//	reference  := tag | digest
//	tag        := name [ ":" tagname ]   ; tagname defaults to "latest"
//	name       := /[a-z0-9]+(?:[._-][a-z0-9]+)*/
//	tagname    := /[A-Za-z0-9_][A-Za-z0-9._-]{0,127}/
//	digest     := algorithm ":" hex      ; e.g. sha256:abcd...
package reference

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrReferenceInvalidFormat is returned when a string cannot be
	// parsed as either a tag or a digest reference.
	ErrReferenceInvalidFormat = errors.New("invalid reference format")

	// ErrNameInvalidFormat is returned for malformed repository names.
	ErrNameInvalidFormat = errors.New("invalid repository name")

	// ErrTagInvalidFormat is returned for malformed tag names.
	ErrTagInvalidFormat = errors.New("invalid tag format")
)

var (
	nameRegexp = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*$`)
	tagRegexp  = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,127}$`)
)

// Reference is either a Tagged or a Digested reference.
type Reference interface {
	// String returns the full reference string.
	String() string
}

// Tagged is a name:tag reference.
type Tagged struct {
	Repository string
	Tag        string
}

func (t Tagged) String() string { return t.Repository + ":" + t.Tag }

// Digested is a direct head-layer digest reference.
type Digested struct {
	Digest digest.Digest
}

func (d Digested) String() string { return d.Digest.String() }

// Parse interprets s as a digest reference if it validates as one, and
// as a name:tag reference otherwise.
func Parse(s string) (Reference, error) {
	if dgst, err := digest.Parse(s); err == nil {
		return Digested{Digest: dgst}, nil
	}

	tagged, err := ParseTag(s)
	if err != nil {
		return nil, err
	}
	return tagged, nil
}

// ParseTag parses a name[:tag] reference, defaulting the tag to
// "latest" when omitted.
func ParseTag(s string) (Tagged, error) {
	name, tag := s, "latest"
	if i := strings.LastIndex(s, ":"); i >= 0 {
		name, tag = s[:i], s[i+1:]
	}

	if !nameRegexp.MatchString(name) {
		return Tagged{}, fmt.Errorf("%q: %w", name, ErrNameInvalidFormat)
	}
	if !tagRegexp.MatchString(tag) {
		return Tagged{}, fmt.Errorf("%q: %w", tag, ErrTagInvalidFormat)
	}

	return Tagged{Repository: name, Tag: tag}, nil
}
