package version

import (
	"runtime/debug"
	"testing"
	"time"
)

func TestOverrideWins(t *testing.T) {
	info := &debug.BuildInfo{Main: debug.Module{Path: "example.com/x", Version: "v9.9.9"}}
	got := fromBuildInfo(info, "v1.2.3+dirty")
	if got.Version != "v1.2.3" {
		t.Fatalf("expected override without dirty suffix, got %q", got.Version)
	}
	if got.Module != "example.com/x" {
		t.Fatalf("unexpected module %q", got.Module)
	}
}

func TestPseudoVersionFromVCS(t *testing.T) {
	ts := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	info := &debug.BuildInfo{
		Main: debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := fromBuildInfo(info, "")
	if got.Version != "v0.0.0-20250102030405-1234567890ab" {
		t.Fatalf("unexpected pseudo version %q", got.Version)
	}
	if !got.Dirty {
		t.Fatalf("expected dirty flag")
	}
	if got.Module != defaultModule {
		t.Fatalf("expected default module, got %q", got.Module)
	}
}

func TestNilBuildInfo(t *testing.T) {
	got := fromBuildInfo(nil, "")
	if got.Version != "v0.0.0-unknown" || got.Module != defaultModule {
		t.Fatalf("unexpected fallback %+v", got)
	}
}

func TestStringMarksModified(t *testing.T) {
	s := Info{Module: "m", Version: "v1", Dirty: true, GoVersion: "go1.25"}.String()
	if s != "m v1 (modified) go1.25" {
		t.Fatalf("unexpected string %q", s)
	}
}
