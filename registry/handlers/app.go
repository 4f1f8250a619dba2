// Package handlers implements the registry HTTP API. Layers and tags
// travel as JSON, objects as raw bytes; every route except ping is
// gated on the scope its operation requires.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/stratoreg/strata"
	"github.com/stratoreg/strata/content"
	"github.com/stratoreg/strata/registry/auth"
	"github.com/stratoreg/strata/storage"
)

// App wires the stores and the authorizer into an http.Handler serving
// the registry API.
type App struct {
	handler http.Handler
	objects *content.Store
	meta    *storage.Store
	authz   *auth.Controller
	version string
}

var _ http.Handler = &App{}

// NewApp assembles the registry application. A nil authorizer disables
// access control entirely; every request is then anonymous with full
// access.
func NewApp(objects *content.Store, meta *storage.Store, authz *auth.Controller, version string) *App {
	a := &App{objects: objects, meta: meta, authz: authz, version: version}

	r := mux.NewRouter()
	r.Use(requestID)
	r.HandleFunc("/v1/ping", a.authenticated(a.ping)).Methods(http.MethodGet)

	r.HandleFunc("/v1/images", a.authorized(auth.ScopeList, a.listImages)).Methods(http.MethodGet)
	r.HandleFunc("/v1/images/{repository}/{tag}", a.authorized(auth.ScopeList, a.getTag)).Methods(http.MethodGet)
	r.HandleFunc("/v1/images/{repository}/{tag}", a.authorized(auth.ScopeUpload, a.setTag)).Methods(http.MethodPut)
	r.HandleFunc("/v1/images/{repository}/{tag}", a.authorized(auth.ScopeDelete, a.deleteTag)).Methods(http.MethodDelete)

	r.HandleFunc("/v1/layers/{digest}", a.authorized(auth.ScopeDownload, a.getLayer)).Methods(http.MethodGet)
	r.HandleFunc("/v1/layers/{digest}", a.authorized(auth.ScopeDownload, a.headLayer)).Methods(http.MethodHead)
	r.HandleFunc("/v1/layers/{digest}", a.authorized(auth.ScopeUpload, a.putLayer)).Methods(http.MethodPut)

	r.HandleFunc("/v1/objects/{digest}", a.authorized(auth.ScopeDownload, a.getObject)).Methods(http.MethodGet)
	r.HandleFunc("/v1/objects/{digest}", a.authorized(auth.ScopeDownload, a.headObject)).Methods(http.MethodHead)
	r.HandleFunc("/v1/objects/{digest}", a.authorized(auth.ScopeUpload, a.putObject)).Methods(http.MethodPut)

	a.handler = handlers.CombinedLoggingHandler(logrus.StandardLogger().Writer(), r)
	return a
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

// requestID tags every request so log lines from one request can be
// correlated.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		logrus.WithFields(logrus.Fields{
			"id":     id,
			"method": r.Method,
			"path":   r.URL.Path,
		}).Debug("request")
		next.ServeHTTP(w, r)
	})
}

// authenticated wraps a handler with a credential check only; any valid
// user passes regardless of scopes. Clients use ping through this to
// verify a login.
func (a *App) authenticated(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.authz != nil {
			username, password, ok := r.BasicAuth()
			if !ok {
				a.renderError(w, strata.ErrUnauthenticated)
				return
			}
			if _, err := a.authz.Authenticate(username, password); err != nil {
				a.renderError(w, err)
				return
			}
		}
		h(w, r)
	}
}

// authorized wraps a handler with basic-auth credential and scope
// checks. Authentication failures and missing scopes render as distinct
// statuses so clients can tell them apart.
func (a *App) authorized(scope auth.Scope, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.authz != nil {
			username, password, ok := r.BasicAuth()
			if !ok {
				a.renderError(w, strata.ErrUnauthenticated)
				return
			}
			if err := a.authz.Authorize(username, password, scope); err != nil {
				a.renderError(w, err)
				return
			}
		}
		h(w, r)
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Errors []apiError `json:"errors"`
}

func (a *App) renderError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, strata.ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", `Basic realm="strata-registry"`)
		status, code = http.StatusUnauthorized, "UNAUTHENTICATED"
	case errors.Is(err, strata.ErrForbidden):
		status, code = http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, strata.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, strata.ErrDanglingReference):
		status, code = http.StatusConflict, "DANGLING_REFERENCE"
	case errors.Is(err, strata.ErrCorrupted):
		status, code = http.StatusInternalServerError, "CORRUPTED"
	}
	if status >= http.StatusInternalServerError {
		logrus.WithError(err).Error("request failed")
	}
	writeJSON(w, status, errorEnvelope{Errors: []apiError{{Code: code, Message: err.Error()}}})
}

func (a *App) renderBadRequest(w http.ResponseWriter, code string, err error) {
	writeJSON(w, http.StatusBadRequest, errorEnvelope{Errors: []apiError{{Code: code, Message: err.Error()}}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("writing response")
	}
}

func requestDigest(r *http.Request) (digest.Digest, error) {
	return digest.Parse(mux.Vars(r)["digest"])
}

type pingResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

func (a *App) ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, pingResponse{Service: "strata-registry", Version: a.version})
}

func (a *App) listImages(w http.ResponseWriter, _ *http.Request) {
	images, err := a.meta.ListImages()
	if err != nil {
		a.renderError(w, err)
		return
	}
	if images == nil {
		images = []strata.Image{}
	}
	writeJSON(w, http.StatusOK, images)
}

func (a *App) getTag(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	head, err := a.meta.GetTag(vars["repository"], vars["tag"])
	if err != nil {
		a.renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, strata.Image{
		Repository: vars["repository"],
		Tag:        vars["tag"],
		Digest:     head,
	})
}

type setTagRequest struct {
	Digest digest.Digest `json:"digest"`
}

func (a *App) setTag(w http.ResponseWriter, r *http.Request) {
	var req setTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.renderBadRequest(w, "INVALID_REQUEST", err)
		return
	}
	if err := req.Digest.Validate(); err != nil {
		a.renderBadRequest(w, "DIGEST_INVALID", err)
		return
	}

	vars := mux.Vars(r)
	if err := a.meta.SetTag(vars["repository"], vars["tag"], req.Digest); err != nil {
		a.renderError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *App) deleteTag(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.meta.RemoveTag(vars["repository"], vars["tag"]); err != nil {
		a.renderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) getLayer(w http.ResponseWriter, r *http.Request) {
	dgst, err := requestDigest(r)
	if err != nil {
		a.renderBadRequest(w, "DIGEST_INVALID", err)
		return
	}
	layer, err := a.meta.GetLayer(dgst)
	if err != nil {
		a.renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, layer)
}

func (a *App) headLayer(w http.ResponseWriter, r *http.Request) {
	dgst, err := requestDigest(r)
	if err != nil {
		a.renderBadRequest(w, "DIGEST_INVALID", err)
		return
	}
	ok, err := a.meta.HasLayer(dgst)
	if err != nil {
		a.renderError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// putLayer accepts a layer only once everything it references is
// already here: objects, parent and imported heads. Out-of-order pushes
// get a conflict and are expected to retry after uploading the missing
// pieces.
func (a *App) putLayer(w http.ResponseWriter, r *http.Request) {
	dgst, err := requestDigest(r)
	if err != nil {
		a.renderBadRequest(w, "DIGEST_INVALID", err)
		return
	}

	var layer strata.Layer
	if err := json.NewDecoder(r.Body).Decode(&layer); err != nil {
		a.renderBadRequest(w, "INVALID_REQUEST", err)
		return
	}
	if layer.Digest != dgst {
		a.renderBadRequest(w, "DIGEST_INVALID",
			fmt.Errorf("body digest %s does not match URL digest %s", layer.Digest, dgst))
		return
	}

	for _, object := range layer.Objects() {
		ok, err := a.objects.Exists(object)
		if err != nil {
			a.renderError(w, err)
			return
		}
		if !ok {
			a.renderError(w, strata.DanglingReferenceError{Digest: object})
			return
		}
	}

	if err := a.meta.PutLayer(&layer); err != nil {
		a.renderError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *App) getObject(w http.ResponseWriter, r *http.Request) {
	dgst, err := requestDigest(r)
	if err != nil {
		a.renderBadRequest(w, "DIGEST_INVALID", err)
		return
	}
	size, err := a.objects.Size(dgst)
	if err != nil {
		a.renderError(w, err)
		return
	}
	rc, err := a.objects.Get(dgst)
	if err != nil {
		a.renderError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(size))
	if _, err := io.Copy(w, rc); err != nil {
		logrus.WithError(err).WithField("digest", dgst).Error("streaming object")
	}
}

func (a *App) headObject(w http.ResponseWriter, r *http.Request) {
	dgst, err := requestDigest(r)
	if err != nil {
		a.renderBadRequest(w, "DIGEST_INVALID", err)
		return
	}
	size, err := a.objects.Size(dgst)
	if errors.Is(err, strata.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		a.renderError(w, err)
		return
	}
	w.Header().Set("Content-Length", fmt.Sprint(size))
	w.WriteHeader(http.StatusOK)
}

// putObject verifies the uploaded bytes against the digest in the URL;
// a mismatch stores nothing and is the uploader's error, not ours.
func (a *App) putObject(w http.ResponseWriter, r *http.Request) {
	dgst, err := requestDigest(r)
	if err != nil {
		a.renderBadRequest(w, "DIGEST_INVALID", err)
		return
	}
	if _, err := a.objects.PutVerified(dgst, r.Body); err != nil {
		if errors.Is(err, strata.ErrCorrupted) {
			a.renderBadRequest(w, "DIGEST_INVALID", err)
			return
		}
		a.renderError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
