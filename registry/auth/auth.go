// Package auth decides who may do what against the registry. Users
// carry bcrypt password hashes and a set of scopes; every request is
// checked against the scope its operation requires.
package auth

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/crypto/bcrypt"

	"github.com/stratoreg/strata"
	"github.com/stratoreg/strata/storage"
)

// Scope names a class of registry operations a user may perform.
type Scope string

const (
	// ScopeList covers enumerating images and reading tag metadata.
	ScopeList Scope = "list"
	// ScopeDownload covers fetching layers and objects.
	ScopeDownload Scope = "download"
	// ScopeUpload covers pushing layers, objects and tags.
	ScopeUpload Scope = "upload"
	// ScopeDelete covers removing tags.
	ScopeDelete Scope = "delete"
)

// AllScopes lists every scope, for full-access users.
var AllScopes = []Scope{ScopeList, ScopeDownload, ScopeUpload, ScopeDelete}

// dummyHash is compared when the user does not exist, so a missing
// username costs the same as a wrong password.
const dummyHash = "$2a$10$Xt2KMR5WpfyxpyP2uDMzvOE4BVBbdLHzmiWnFvO4o0XOBBBSGTK9u"

// Controller authorizes registry requests against stored users.
type Controller struct {
	meta *storage.Store
}

// NewController returns a controller backed by the given store.
func NewController(meta *storage.Store) *Controller {
	return &Controller{meta: meta}
}

// Authenticate checks the credentials alone. Bad credentials return
// ErrUnauthenticated.
func (c *Controller) Authenticate(username, password string) (*storage.User, error) {
	user, err := c.meta.GetUser(username)
	if errors.Is(err, strata.ErrNotFound) {
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return nil, strata.ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, strata.ErrUnauthenticated
	}
	return user, nil
}

// Authorize checks the credentials and then the scope. Bad credentials
// return ErrUnauthenticated; good credentials without the scope return
// ErrForbidden, so callers can distinguish "who are you" from "not
// yours to touch".
func (c *Controller) Authorize(username, password string, scope Scope) error {
	user, err := c.Authenticate(username, password)
	if err != nil {
		return err
	}
	for _, s := range user.Scopes {
		if Scope(s) == scope {
			return nil
		}
	}
	return fmt.Errorf("user %s lacks scope %s: %w", username, scope, strata.ErrForbidden)
}

// HashPassword produces a bcrypt hash suitable for storage.User.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ParseScopes validates scope names, deduplicates them and returns them
// sorted.
func ParseScopes(names []string) ([]string, error) {
	seen := map[Scope]bool{}
	for _, name := range names {
		scope := Scope(name)
		switch scope {
		case ScopeList, ScopeDownload, ScopeUpload, ScopeDelete:
			seen[scope] = true
		default:
			return nil, fmt.Errorf("unknown scope %q", name)
		}
	}
	var scopes []string
	for s := range seen {
		scopes = append(scopes, string(s))
	}
	sort.Strings(scopes)
	return scopes, nil
}
