package version

import "testing"

func TestGetVersionInfo(t *testing.T) {
	previousVersion := Version
	previousBuilt := Built
	previousCommit := GitCommit

	Version = "v1.2.3-rc.1"
	Built = "2026-01-11T12:34:56Z"
	GitCommit = "abc123"

	t.Cleanup(func() {
		Version = previousVersion
		Built = previousBuilt
		GitCommit = previousCommit
	})

	info := GetVersionInfo()
	if info.Major != 1 || info.Minor != 2 || info.Patch != 3 {
		t.Fatalf("expected 1.2.3, got %d.%d.%d", info.Major, info.Minor, info.Patch)
	}
	if info.Built != "2026-01-11T12:34:56Z" {
		t.Fatalf("expected built timestamp to be preserved, got %q", info.Built)
	}
	if got := info.String(); got != "promptchain v1.2.3-rc.1 (abc123) built 2026-01-11T12:34:56Z" {
		t.Fatalf("unexpected version line %q", got)
	}
	if got := UserAgent(); got != "promptchain/v1.2.3-rc.1" {
		t.Fatalf("unexpected user agent %q", got)
	}
}

func TestGetVersionInfoDev(t *testing.T) {
	previousVersion := Version
	t.Cleanup(func() { Version = previousVersion })
	Version = "dev"

	info := GetVersionInfo()
	if info.Major != 0 || info.Minor != 0 || info.Patch != 0 {
		t.Fatalf("expected 0.0.0 for dev, got %d.%d.%d", info.Major, info.Minor, info.Patch)
	}
	if info.String() != "promptchain dev" {
		t.Fatalf("unexpected version line %q", info.String())
	}
}
