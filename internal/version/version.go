// Package version carries build metadata for gcpmatch, set with
// -ldflags "-X hexagon-gcp/internal/version.Version=...".
package version

import "fmt"

var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// String formats the build metadata for -version output.
func String() string {
	return fmt.Sprintf("gcpmatch %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
