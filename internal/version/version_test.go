package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestInfoString(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want []string
	}{
		{
			name: "release build",
			info: Info{Version: "1.0.0", Commit: "abc123def456", Date: "2026-01-01", GoVersion: "go1.24.6", Platform: "linux/amd64"},
			want: []string{"conduit 1.0.0", "(abc123de)", "built 2026-01-01", "with go1.24.6", "for linux/amd64"},
		},
		{
			name: "short commit",
			info: Info{Version: "1.0.0", Commit: "abc123", Platform: "darwin/arm64"},
			want: []string{"(abc123)"},
		},
		{
			name: "modified tree",
			info: Info{Version: "dev", Commit: "abc123def456", Modified: true},
			want: []string{"(abc123de-dirty)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.info.String()
			for _, substr := range tt.want {
				if !strings.Contains(got, substr) {
					t.Errorf("Info.String() = %q, missing %q", got, substr)
				}
			}
		})
	}
}

func TestFromBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2026-03-01T10:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	info := Info{Version: "dev", Commit: "unknown", Date: "unknown"}
	fromBuildInfo(&info, bi)
	if info.Version != "v0.3.0" || info.Commit != "0123456789abcdef" || info.Date != "2026-03-01T10:00:00Z" || !info.Modified {
		t.Errorf("unexpected info: %+v", info)
	}

	// ldflags win over the VCS stamp.
	info = Info{Version: "v1.0.0", Commit: "feedface", Date: "2026-01-01"}
	fromBuildInfo(&info, bi)
	if info.Version != "v1.0.0" || info.Commit != "feedface" || info.Date != "2026-01-01" {
		t.Errorf("ldflags values were overwritten: %+v", info)
	}

	info = Info{Version: "dev"}
	fromBuildInfo(&info, &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	if info.Version != "dev" {
		t.Errorf("(devel) must not replace dev, got %q", info.Version)
	}
}

func TestGetInfoDefaults(t *testing.T) {
	info := GetInfo()
	if info.Version == "" || info.Commit == "" || info.Date == "" {
		t.Errorf("defaults must never be empty: %+v", info)
	}
	if info.GoVersion == "" || info.Platform == "" {
		t.Errorf("runtime fields must be set: %+v", info)
	}
	if info.Short() != info.Version {
		t.Errorf("Short() = %q, want %q", info.Short(), info.Version)
	}
}
