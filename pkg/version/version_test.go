package version

import (
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()

	if info.Version == "" {
		t.Error("expected non-empty version")
	}

	if info.GoVersion == "" {
		t.Error("expected non-empty Go version")
	}

	if info.Platform == "" {
		t.Error("expected non-empty platform")
	}
}

func TestString(t *testing.T) {
	info := Get()
	str := info.String()

	if !strings.Contains(str, "isolate version") {
		t.Error("expected version string to contain 'isolate version'")
	}

	if !strings.Contains(str, info.Version) {
		t.Error("expected version string to contain version number")
	}

	if !strings.Contains(str, info.GoVersion) {
		t.Error("expected version string to contain Go version")
	}
}

func TestShort(t *testing.T) {
	// Set a known commit for testing
	originalCommit := GitCommit
	GitCommit = "1234567890abcdef"
	defer func() { GitCommit = originalCommit }()

	info := Get()
	short := info.Short()

	if !strings.Contains(short, "isolate") {
		t.Error("expected short version to contain 'isolate'")
	}

	if !strings.Contains(short, info.Version) {
		t.Error("expected short version to contain version number")
	}

	if !strings.Contains(short, "1234567") {
		t.Error("expected short version to contain short commit hash")
	}
}

func TestShortKeepsUnknownCommitUntruncated(t *testing.T) {
	originalCommit := GitCommit
	GitCommit = "unknown"
	defer func() { GitCommit = originalCommit }()

	info := Get()
	short := info.Short()

	if !strings.Contains(short, "unknown") {
		t.Errorf("expected short version to retain short commit placeholder, got %q", short)
	}
}

func TestInfoFields(t *testing.T) {
	info := Get()

	tests := []struct {
		name  string
		value string
	}{
		{"Version", info.Version},
		{"GitCommit", info.GitCommit},
		{"BuildDate", info.BuildDate},
		{"GoVersion", info.GoVersion},
		{"Platform", info.Platform},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value == "" {
				t.Errorf("%s should not be empty", tt.name)
			}
		})
	}
}
