package watcher

import (
	"path/filepath"
	"testing"
)

func TestFilterBuiltins(t *testing.T) {
	root := t.TempDir()
	f, err := NewFilter(root, nil)
	if err != nil {
		t.Fatalf("NewFilter() failed: %v", err)
	}

	tests := []struct {
		path     string
		excluded bool
	}{
		{"notes.txt", false},
		{"docs/report.odt", false},
		{".git", true},
		{".git/objects/ab/cdef", true},
		{"sub/.hg/store", true},
		{".notes.txt.swp", true},
		{"draft.txt~", true},
		{".~lock.report.odt#", true},
		{"#autosave#", true},
		{"package.lock", true},
		{".DS_Store", true},
		{"photos/Thumbs.db", true},
		{"._resource", true},
		{UnsyncedSentinel, true},
		{".gitignore", false},
		{"#tag", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := f.Excluded(tt.path); got != tt.excluded {
				t.Errorf("Excluded(%q) = %v, want %v", tt.path, got, tt.excluded)
			}
			abs := filepath.Join(root, tt.path)
			if got := f.Excluded(abs); got != tt.excluded {
				t.Errorf("Excluded(%q) = %v, want %v", abs, got, tt.excluded)
			}
		})
	}
}

func TestFilterPatterns(t *testing.T) {
	root := t.TempDir()
	f, err := NewFilter(root, []string{"*.tmp", "build/**", "node_modules"})
	if err != nil {
		t.Fatalf("NewFilter() failed: %v", err)
	}

	tests := []struct {
		path     string
		excluded bool
	}{
		{"a.tmp", true},
		{"deep/dir/a.tmp", true},
		{"build/out/app", true},
		{"src/build/app", false},
		{"web/node_modules/pkg/index.js", true},
		{"src/main.go", false},
	}

	for _, tt := range tests {
		if got := f.Excluded(tt.path); got != tt.excluded {
			t.Errorf("Excluded(%q) = %v, want %v", tt.path, got, tt.excluded)
		}
	}
}

func TestFilterOutsideRoot(t *testing.T) {
	root := t.TempDir()
	f, _ := NewFilter(root, nil)

	if !f.Excluded(filepath.Join(filepath.Dir(root), "elsewhere.txt")) {
		t.Error("paths outside the root should be excluded")
	}
	if f.Excluded(root) {
		t.Error("the root itself should not be excluded")
	}
}

func TestFilterInvalidPattern(t *testing.T) {
	if _, err := NewFilter(t.TempDir(), []string{"[unclosed"}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}
