package buildinfo

import (
	"runtime/debug"
	"strings"
	"testing"
)

// withVars restores the ldflags variables after a test rewrites them.
func withVars(t *testing.T, commit, built string) {
	t.Helper()
	oldCommit, oldBuilt := GitCommit, BuildTime
	GitCommit, BuildTime = commit, built
	t.Cleanup(func() { GitCommit, BuildTime = oldCommit, oldBuilt })
}

func TestApplyVCS(t *testing.T) {
	withVars(t, "unknown", "unknown")
	applyVCS([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-03-01T12:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	})
	if GitCommit != "0123456789ab-dirty" {
		t.Errorf("GitCommit = %q", GitCommit)
	}
	if BuildTime != "2026-03-01T12:00:00Z" {
		t.Errorf("BuildTime = %q", BuildTime)
	}
}

func TestApplyVCS_LdflagsWin(t *testing.T) {
	withVars(t, "release1", "2026-01-01")
	applyVCS([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.time", Value: "2026-03-01T12:00:00Z"},
	})
	if GitCommit != "release1" || BuildTime != "2026-01-01" {
		t.Errorf("ldflags values overwritten: %q %q", GitCommit, BuildTime)
	}
}

func TestApplyVCS_ShortRevision(t *testing.T) {
	withVars(t, "unknown", "unknown")
	applyVCS([]debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}})
	if GitCommit != "abc" {
		t.Errorf("GitCommit = %q, want abc", GitCommit)
	}
}

func TestStringAndUserAgent(t *testing.T) {
	if !strings.HasPrefix(String(), "trialmatch "+Version) {
		t.Errorf("String() = %q", String())
	}
	if !strings.HasPrefix(UserAgent(), "trialmatch/"+Version) {
		t.Errorf("UserAgent() = %q", UserAgent())
	}
	info := RuntimeInfo()
	for _, k := range []string{"version", "git_commit", "go_version", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("RuntimeInfo() missing %q", k)
		}
	}
}
