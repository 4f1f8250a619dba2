// Package configuration loads tool settings from a TOML file, filling
// in defaults for anything the file leaves out.
package configuration

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Configuration holds every setting the CLI and the registry server
// read.
type Configuration struct {
	// DataDir is the root under which the object store and the
	// metadata database live.
	DataDir string `toml:"data_dir"`
	// LogLevel is a logrus level name: debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	Registry Registry `toml:"registry"`
	Remote   Remote   `toml:"remote"`
}

// Registry configures the server side.
type Registry struct {
	// Addr is the listen address, e.g. ":7323".
	Addr string `toml:"addr"`
	// TLSCertificate and TLSKey, when both set, switch the listener
	// to HTTPS.
	TLSCertificate string `toml:"tls_certificate"`
	TLSKey         string `toml:"tls_key"`
	// Users are synced into the user table at startup.
	Users []User `toml:"users"`
}

// User seeds one registry credential. PasswordHash is a bcrypt hash;
// `strata registry add-user` writes these entries.
type User struct {
	Username     string   `toml:"username"`
	PasswordHash string   `toml:"password_hash"`
	Scopes       []string `toml:"scopes"`
}

// Remote configures the default registry that push and pull talk to.
type Remote struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	// Insecure skips TLS certificate verification.
	Insecure bool `toml:"insecure"`
}

// Default returns the configuration used when no file exists.
func Default() *Configuration {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Configuration{
		DataDir:  filepath.Join(home, ".strata"),
		LogLevel: "info",
		Registry: Registry{Addr: ":7323"},
	}
}

// DefaultPath returns the conventional configuration file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".strata", "config.toml")
}

// Load reads the file at path over the defaults. An explicitly named
// file must exist; the default path may be absent, in which case the
// defaults are returned as-is.
func Load(path string) (*Configuration, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading configuration %s: %w", path, err)
	}
	return cfg, nil
}

// ParseLogLevel resolves the configured level name.
func (c *Configuration) ParseLogLevel() (logrus.Level, error) {
	return logrus.ParseLevel(c.LogLevel)
}
