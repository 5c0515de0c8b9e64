package watcher

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/steveyegge/foldersync/internal/metadata"
)

// UnsyncedSentinel is the marker file recording a pending push. It lives
// in the VCS metadata directory but is excluded by name as well.
const UnsyncedSentinel = metadata.UnsyncedFile

// excludedDirs are path components that are never synced
var excludedDirs = map[string]bool{
	".git": true,
	".hg":  true,
}

// excludedNames are exact base names that are never synced
var excludedNames = map[string]bool{
	".DS_Store":      true,
	"Thumbs.db":      true,
	"desktop.ini":    true,
	".directory":     true,
	UnsyncedSentinel: true,
}

// excludedPrefixes and excludedSuffixes match editor swap files, lock
// files and OS metadata forks by base name
var (
	excludedPrefixes = []string{".~lock.", "._", ".#", "~$"}
	excludedSuffixes = []string{".swp", ".swx", ".swo", "~", ".lock", ".part", ".crdownload"}
)

// Filter decides which paths under a root are excluded from syncing.
//
// The built-in rules cover VCS metadata directories, editor swap and lock
// files and OS droppings. User patterns are glob expressions matched
// against the slash-separated path relative to the root; a pattern
// without a slash is also matched against the base name.
type Filter struct {
	root     string
	patterns []string
	globs    []glob.Glob
	baseOnly []bool
}

// NewFilter compiles the user patterns for root.
func NewFilter(root string, patterns []string) (*Filter, error) {
	f := &Filter{root: filepath.Clean(root)}

	for _, p := range patterns {
		p = strings.TrimSpace(filepath.ToSlash(p))
		if p == "" {
			continue
		}
		g, err := glob.Compile(strings.TrimPrefix(p, "/"), '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, p)
		f.globs = append(f.globs, g)
		f.baseOnly = append(f.baseOnly, !strings.Contains(p, "/"))
	}

	return f, nil
}

// Patterns returns the user patterns.
func (f *Filter) Patterns() []string {
	return f.patterns
}

// Excluded returns true if path must not be synced. path may be absolute
// (under the root) or relative to it.
func (f *Filter) Excluded(path string) bool {
	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(f.root, path)
		if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			return true
		}
		rel = r
	}
	if rel == "." || rel == "" {
		return false
	}
	rel = filepath.ToSlash(rel)

	parts := strings.Split(rel, "/")
	for _, part := range parts {
		if excludedDirs[part] {
			return true
		}
	}

	if excludedBase(parts[len(parts)-1]) {
		return true
	}

	for i, g := range f.globs {
		if g.Match(rel) {
			return true
		}
		if f.baseOnly[i] {
			for _, part := range parts {
				if g.Match(part) {
					return true
				}
			}
		}
	}

	return false
}

func excludedBase(base string) bool {
	if excludedNames[base] {
		return true
	}
	// Emacs autosave: #file#
	if len(base) > 1 && strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#") {
		return true
	}
	for _, p := range excludedPrefixes {
		if strings.HasPrefix(base, p) {
			return true
		}
	}
	for _, s := range excludedSuffixes {
		if strings.HasSuffix(base, s) {
			return true
		}
	}
	return false
}
