// Package version holds build metadata injected with -ldflags.
package version

import "fmt"

var (
	// Version is the release version reported by /get_version.
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns the long form used in start-up logs.
func String() string {
	return fmt.Sprintf("sonde.report %s (%s, built %s)", Version, GitSHA, BuildTime)
}
