package vcs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		metaDir string
		want    Type
	}{
		{"git", ".git", TypeGit},
		{"hg", ".hg", TypeHg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			if err := os.Mkdir(filepath.Join(root, tt.metaDir), 0o755); err != nil {
				t.Fatal(err)
			}

			result, err := Detect(root)
			if err != nil {
				t.Fatalf("Detect failed: %v", err)
			}
			if result.Type != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, result.Type)
			}
			if result.VCSDir != filepath.Join(root, tt.metaDir) {
				t.Errorf("Unexpected VCSDir %s", result.VCSDir)
			}
		})
	}
}

func TestDetectDoesNotWalkUp(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	child := filepath.Join(root, "child")
	if err := os.Mkdir(child, 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := Detect(child); !errors.Is(err, ErrNotInVCS) {
		t.Errorf("Expected ErrNotInVCS, got %v", err)
	}
}

func TestOpenUnregistered(t *testing.T) {
	_, err := Open(Options{Root: t.TempDir()})
	if !errors.Is(err, ErrNotInVCS) {
		t.Errorf("Expected ErrNotInVCS, got %v", err)
	}
}

func TestSemver(t *testing.T) {
	tests := []struct {
		banner string
		want   string
	}{
		{"git version 2.43.0", "v2.43.0"},
		{"git version 2.39.3 (Apple Git-146)", "v2.39.3"},
		{"Mercurial Distributed SCM (version 6.7)", "v6.7.0"},
		{"no digits here", ""},
	}

	for _, tt := range tests {
		if got := Semver(tt.banner); got != tt.want {
			t.Errorf("Semver(%q) = %q, want %q", tt.banner, got, tt.want)
		}
	}
}

type versionBackend struct {
	mockBackend
	banner string
}

func (v *versionBackend) Version() (string, error) { return v.banner, nil }

func TestCheckVersion(t *testing.T) {
	old := &versionBackend{mockBackend: mockBackend{name: TypeGit}, banner: "git version 1.8.5"}
	if err := CheckVersion(old); err == nil {
		t.Error("Expected error for old git")
	}

	current := &versionBackend{mockBackend: mockBackend{name: TypeGit}, banner: "git version 2.43.0"}
	if err := CheckVersion(current); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	unknown := &versionBackend{mockBackend: mockBackend{name: "other"}, banner: "1.0"}
	if err := CheckVersion(unknown); err != nil {
		t.Errorf("Unexpected error for unknown type: %v", err)
	}
}

func TestCheckInstalled(t *testing.T) {
	if !IsAvailable(TypeGit) {
		t.Skip("git not installed")
	}
	banner, err := CheckInstalled(context.Background(), TypeGit)
	if err != nil {
		t.Fatalf("CheckInstalled failed: %v", err)
	}
	if Semver(banner) == "" {
		t.Errorf("banner %q has no version", banner)
	}

	if _, err := CheckInstalled(context.Background(), "no-such-vcs-binary"); !errors.Is(err, ErrVCSNotAvailable) {
		t.Errorf("missing binary: %v", err)
	}
}
