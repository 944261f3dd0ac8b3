// Package buildinfo reports what trialmatch binary is running. Values
// come from -ldflags at release build time; a plain "go build" falls
// back to the VCS stamp the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set with -ldflags "-X github.com/nugget/trialmatch/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok {
		applyVCS(bi.Settings)
	}
}

// applyVCS fills commit and build time from the toolchain's vcs.*
// settings when ldflags left them unset. A dirty tree is marked with a
// "-dirty" suffix on the commit.
func applyVCS(settings []debug.BuildSetting) {
	var revision, at string
	var dirty bool
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			at = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if GitCommit == "unknown" && revision != "" {
		GitCommit = revision[:min(len(revision), 12)]
		if dirty {
			GitCommit += "-dirty"
		}
	}
	if BuildTime == "unknown" && at != "" {
		BuildTime = at
	}
}

// BuildInfo returns the static build metadata as a map.
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

// RuntimeInfo adds process uptime to BuildInfo, for the version
// endpoint.
func RuntimeInfo() map[string]string {
	info := BuildInfo()
	info["uptime"] = Uptime().String()
	return info
}

// Uptime returns the time since process start, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging and "trialmatch version".
func String() string {
	return fmt.Sprintf("trialmatch %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent is sent on every outbound request, including to
// ClinicalTrials.gov, which asks API clients to identify themselves.
func UserAgent() string {
	return fmt.Sprintf("trialmatch/%s (+%s)", Version, runtime.Version())
}
