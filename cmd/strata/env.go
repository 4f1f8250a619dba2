package main

import (
	"fmt"
	"path/filepath"

	"github.com/stratoreg/strata/content"
	"github.com/stratoreg/strata/registry/client"
	"github.com/stratoreg/strata/storage"
)

// env bundles the opened local stores for one command invocation.
type env struct {
	objects *content.Store
	meta    *storage.Store
}

// openEnv opens the stores under the configured data directory.
func openEnv() (*env, error) {
	objects, err := content.NewStore(filepath.Join(config.DataDir, "objects"))
	if err != nil {
		return nil, fmt.Errorf("opening object store: %w", err)
	}
	meta, err := storage.Open(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}
	return &env{objects: objects, meta: meta}, nil
}

func (e *env) close() {
	e.meta.Close()
}

// openRemote connects to the configured remote registry, with flag
// overrides applied when non-empty.
func openRemote(urlOverride string) (*client.Remote, error) {
	url := config.Remote.URL
	if urlOverride != "" {
		url = urlOverride
	}
	if url == "" {
		return nil, fmt.Errorf("no remote registry configured; set [remote] url or pass --registry")
	}
	return client.New(url, client.Options{
		Username: config.Remote.Username,
		Password: config.Remote.Password,
		Insecure: config.Remote.Insecure,
	})
}
