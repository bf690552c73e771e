package buildinfo

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestFillFromVCS(t *testing.T) {
	oldCommit, oldTime := GitCommit, BuildTime
	t.Cleanup(func() { GitCommit, BuildTime = oldCommit, oldTime })

	GitCommit, BuildTime = "unknown", "unknown"
	fillFromVCS([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.modified", Value: "true"},
		{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
	})
	if GitCommit != "0123456789ab+dirty" {
		t.Errorf("GitCommit = %q, want %q", GitCommit, "0123456789ab+dirty")
	}
	if BuildTime != "2026-10-01T12:00:00Z" {
		t.Errorf("BuildTime = %q, want vcs time", BuildTime)
	}
}

func TestFillFromVCS_KeepsLinkerValues(t *testing.T) {
	oldCommit := GitCommit
	t.Cleanup(func() { GitCommit = oldCommit })

	GitCommit = "abc1234"
	fillFromVCS([]debug.BuildSetting{{Key: "vcs.revision", Value: "ffffffffffff"}})
	if GitCommit != "abc1234" {
		t.Errorf("GitCommit = %q, want linker value kept", GitCommit)
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "turnloop/") {
		t.Errorf("UserAgent() = %q, want turnloop/ prefix", ua)
	}
}
