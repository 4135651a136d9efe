// Package version carries the build identity stamped in via ldflags at
// release time.
package version

var (
	// Version is the semantic version of this build.
	Version = "v0.0.0-dev"

	// GitCommit is the commit hash of this build.
	GitCommit = "unknown"

	// BuildTime is the timestamp of this build.
	BuildTime = "unknown"
)

// Info renders the one-line version string the CLI prints.
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
