// Package version holds build-time identifiers, overridden via -ldflags.
package version

var (
	// Version is the semantic version of this build.
	Version = "dev"
	// Commit is the VCS commit SHA of this build.
	Commit = "unknown"
)
