// Package version contains build version information.
package version

// Version is the current engine version.
// This value is updated automatically by Release Please.
var Version = "0.0.0"

// GitCommit is the git commit hash, set at build time via ldflags.
var GitCommit = "unknown"

// BuildDate is the build date, set at build time via ldflags.
var BuildDate = "unknown"
