// Package agentversion holds the build information injected with -ldflags.
package agentversion

import (
	"fmt"

	"golang.org/x/mod/semver"
)

var (
	version   string
	commit    string
	buildTime string
)

// Version returns agent version.
func Version() string {
	if version == "" {
		return "dev"
	}
	return version
}

// Commit returns the git commit the agent was built from.
func Commit() string {
	if commit == "" {
		return "unknown"
	}
	return commit
}

// BuildTime returns when the agent was built.
func BuildTime() string {
	if buildTime == "" {
		return "unknown"
	}
	return buildTime
}

// String describes the build in one line.
func String() string {
	return fmt.Sprintf("version: %s, commit: %s, built at: %s", Version(), Commit(), BuildTime())
}

// IsRelease reports whether the agent was built from a release tag: a valid
// semantic version without a pre-release suffix.
func IsRelease() bool {
	v := Version()
	return semver.IsValid(v) && semver.Prerelease(v) == "" && semver.Build(v) == ""
}
