// Package buildinfo holds version metadata stamped at link time via
// -ldflags, with a fallback to the VCS data the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set with -ldflags "-X github.com/nugget/turnloop/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// AgentName is the name reported in snapshot runtime hints.
const AgentName = "turnloop"

var startTime = time.Now()

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok {
		fillFromVCS(bi.Settings)
	}
}

// fillFromVCS replaces unstamped values with the toolchain's VCS
// settings. A dirty tree is marked with a "+dirty" commit suffix.
func fillFromVCS(settings []debug.BuildSetting) {
	var revision, modified, vcsTime string
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value
		case "vcs.time":
			vcsTime = s.Value
		}
	}
	if GitCommit == "unknown" && revision != "" {
		if len(revision) > 12 {
			revision = revision[:12]
		}
		GitCommit = revision
		if modified == "true" {
			GitCommit += "+dirty"
		}
	}
	if BuildTime == "unknown" && vcsTime != "" {
		BuildTime = vcsTime
	}
}

// Info returns build and runtime metadata for version output and the
// API version endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent returns the User-Agent header for provider requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (+%s)", AgentName, Version, runtime.Version())
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("%s %s (%s) built %s", AgentName, Version, GitCommit, BuildTime)
}
