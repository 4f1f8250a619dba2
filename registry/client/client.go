// Package client is the HTTP client side of the registry API. A Remote
// satisfies the transfer endpoint interface, so push and pull are plain
// copies between it and the local store.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/stratoreg/strata"
	"github.com/stratoreg/strata/reference"
	"github.com/stratoreg/strata/transfer"
)

// Options configure a remote registry connection.
type Options struct {
	Username string
	Password string
	// Insecure skips TLS certificate verification.
	Insecure bool
}

// Remote talks to a registry over its HTTP API.
type Remote struct {
	base     *url.URL
	username string
	password string
	client   *http.Client
}

var _ transfer.Endpoint = &Remote{}

// New returns a remote for the registry at baseURL, e.g.
// "https://registry.example.com:7323".
func New(baseURL string, opts Options) (*Remote, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("registry url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("registry url %q: scheme must be http or https", baseURL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Remote{
		base:     base,
		username: opts.Username,
		password: opts.Password,
		client:   &http.Client{Transport: transport, Timeout: 5 * time.Minute},
	}, nil
}

// StatusError is an unexpected registry response. Server-side errors
// are temporary: a retried idempotent request may succeed.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("registry: %s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("registry: unexpected status %d", e.Status)
}

func (e *StatusError) Temporary() bool { return e.Status >= 500 }

func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return strata.ErrUnauthenticated
	case http.StatusForbidden:
		return strata.ErrForbidden
	case http.StatusNotFound:
		return strata.ErrNotFound
	case http.StatusConflict:
		return strata.ErrDanglingReference
	}
	return nil
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireErrors struct {
	Errors []wireError `json:"errors"`
}

// statusError drains the response body for an error envelope and wraps
// the status.
func statusError(resp *http.Response) error {
	defer resp.Body.Close()
	se := &StatusError{Status: resp.StatusCode}
	var envelope wireErrors
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&envelope); err == nil && len(envelope.Errors) > 0 {
		se.Code = envelope.Errors[0].Code
		se.Message = envelope.Errors[0].Message
	}
	return se
}

func (r *Remote) url(parts ...string) string {
	u := *r.base
	u.Path = "/v1"
	for _, p := range parts {
		u.Path += "/" + p
	}
	return u.String()
}

func (r *Remote) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if r.username != "" {
		req.SetBasicAuth(r.username, r.password)
	}
	return r.client.Do(req)
}

func (r *Remote) exists(ctx context.Context, url string) (bool, error) {
	resp, err := r.do(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, statusError(resp)
}

func (r *Remote) HasLayer(ctx context.Context, dgst digest.Digest) (bool, error) {
	return r.exists(ctx, r.url("layers", dgst.String()))
}

// GetLayer fetches and verifies a layer. A layer whose payload does not
// hash to its claimed digest is never returned to the caller.
func (r *Remote) GetLayer(ctx context.Context, dgst digest.Digest) (*strata.Layer, error) {
	resp, err := r.do(ctx, http.MethodGet, r.url("layers", dgst.String()), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	defer resp.Body.Close()

	var layer strata.Layer
	if err := json.NewDecoder(resp.Body).Decode(&layer); err != nil {
		return nil, fmt.Errorf("decoding layer %s: %w", dgst, err)
	}
	if layer.Digest != dgst {
		return nil, strata.CorruptedError{Digest: dgst, Actual: layer.Digest}
	}
	if err := layer.Verify(); err != nil {
		return nil, err
	}
	return &layer, nil
}

func (r *Remote) PutLayer(ctx context.Context, layer *strata.Layer) error {
	body, err := json.Marshal(layer)
	if err != nil {
		return err
	}
	resp, err := r.do(ctx, http.MethodPut, r.url("layers", layer.Digest.String()), bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

func (r *Remote) HasObject(ctx context.Context, dgst digest.Digest) (bool, error) {
	return r.exists(ctx, r.url("objects", dgst.String()))
}

func (r *Remote) GetObject(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	resp, err := r.do(ctx, http.MethodGet, r.url("objects", dgst.String()), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

func (r *Remote) PutObject(ctx context.Context, dgst digest.Digest, size int64, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.url("objects", dgst.String()), body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	if r.username != "" {
		req.SetBasicAuth(r.username, r.password)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

func (r *Remote) GetTag(ctx context.Context, ref reference.Tagged) (digest.Digest, error) {
	resp, err := r.do(ctx, http.MethodGet, r.url("images", ref.Repository, ref.Tag), nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	defer resp.Body.Close()

	var image strata.Image
	if err := json.NewDecoder(resp.Body).Decode(&image); err != nil {
		return "", fmt.Errorf("decoding image %s: %w", ref.String(), err)
	}
	return image.Digest, nil
}

func (r *Remote) SetTag(ctx context.Context, ref reference.Tagged, dgst digest.Digest) error {
	body, err := json.Marshal(map[string]digest.Digest{"digest": dgst})
	if err != nil {
		return err
	}
	resp, err := r.do(ctx, http.MethodPut, r.url("images", ref.Repository, ref.Tag), bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

// ListImages returns every tag the registry holds.
func (r *Remote) ListImages(ctx context.Context) ([]strata.Image, error) {
	resp, err := r.do(ctx, http.MethodGet, r.url("images"), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	defer resp.Body.Close()

	var images []strata.Image
	if err := json.NewDecoder(resp.Body).Decode(&images); err != nil {
		return nil, fmt.Errorf("decoding image list: %w", err)
	}
	return images, nil
}

// DeleteTag removes a tag from the registry. Layers stay until the
// registry's garbage collector runs.
func (r *Remote) DeleteTag(ctx context.Context, ref reference.Tagged) error {
	resp, err := r.do(ctx, http.MethodDelete, r.url("images", ref.Repository, ref.Tag), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

// Ping checks reachability and returns the registry's reported version.
func (r *Remote) Ping(ctx context.Context) (string, error) {
	resp, err := r.do(ctx, http.MethodGet, r.url("ping"), nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	defer resp.Body.Close()

	var status struct {
		Service string `json:"service"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", fmt.Errorf("decoding ping response: %w", err)
	}
	return status.Version, nil
}
