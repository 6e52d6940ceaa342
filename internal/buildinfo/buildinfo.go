// Package buildinfo holds version metadata stamped at build time via
// -ldflags "-X github.com/nugget/tally/internal/buildinfo.Version=...".
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Keys lists the BuildInfo fields in display order.
var Keys = []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"}

// BuildInfo returns the static build metadata keyed by Keys.
func BuildInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// RuntimeInfo is BuildInfo plus process uptime, served by /v1/version.
func RuntimeInfo() map[string]string {
	info := BuildInfo()
	info["uptime"] = Uptime().String()
	return info
}

// Uptime returns the time since process start, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// LogAttrs returns the build identity as slog key/value pairs.
func LogAttrs() []any {
	return []any{"version", Version, "commit", GitCommit, "branch", GitBranch, "built", BuildTime}
}

// UserAgent is sent on every completion-engine request.
func UserAgent() string {
	return fmt.Sprintf("Tally/%s (%s)", Version, runtime.GOOS)
}

// String returns a one-line summary.
func String() string {
	return fmt.Sprintf("Tally %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
