package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/steveyegge/foldersync/internal/vcs"
)

// detect populates git repository information
func (g *Git) detect(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%s: %w", absPath, vcs.ErrNotInVCS)
	}

	// Use git rev-parse to get all info in one call
	probe := &vcs.Runner{Binary: "git", Dir: absPath, Env: g.run.Env}
	output, err := probe.Run(context.Background(), "detect", "rev-parse", "--git-dir", "--show-toplevel")
	if err != nil {
		if vcs.IsFatal(err) {
			return err
		}
		return fmt.Errorf("%s: %w", absPath, vcs.ErrNotInVCS)
	}

	lines := vcs.ParseLines(output)
	if len(lines) < 2 {
		return fmt.Errorf("unexpected git rev-parse output: got %d lines, expected 2", len(lines))
	}

	gitDir := lines[0]
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(absPath, gitDir)
	}

	g.gitDir = filepath.Clean(gitDir)
	g.repoRoot = normalizeRepoRoot(lines[1])

	// A synced folder must be the top of its own working tree
	if normalizeRepoRoot(absPath) != g.repoRoot {
		return fmt.Errorf("%s is inside %s, not a working tree root: %w", absPath, g.repoRoot, vcs.ErrNotInVCS)
	}

	return nil
}

// normalizeRepoRoot normalizes the repository root path
// Resolves symlinks and canonicalizes case on case-insensitive filesystems
func normalizeRepoRoot(path string) string {
	path = filepath.FromSlash(path)

	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}

	return path
}

// remotes returns the configured remote names
func (g *Git) remotes(ctx context.Context) ([]string, error) {
	output, err := g.git(ctx, "remote", "remote")
	if err != nil {
		return nil, err
	}
	return vcs.ParseLines(output), nil
}

// ensureRemote adds url as the default remote when none is configured.
// An existing remote is left alone; its name is used for push and fetch.
func (g *Git) ensureRemote(ctx context.Context, url string) error {
	names, err := g.remotes(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		if name == vcs.DefaultRemote {
			g.remote = name
			return nil
		}
	}
	if len(names) > 0 {
		g.remote = names[0]
		return nil
	}

	if _, err := g.git(ctx, "remote", "remote", "add", vcs.DefaultRemote, strings.TrimSpace(url)); err != nil {
		return err
	}
	g.remote = vcs.DefaultRemote
	return nil
}
