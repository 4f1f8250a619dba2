// Package version records build-time information about the binary.
package version

// Package is the canonical import path of the project.
var Package = "github.com/stratoreg/strata"

// Version is set at build time through
// -ldflags "-X github.com/stratoreg/strata/version.Version=...".
var Version = "v0.1.0+unknown"
