package git

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/steveyegge/foldersync/internal/vcs"
)

// progressReporter adapts git's stderr progress lines to a vcs.ProgressFunc.
// Only lines for the given phase are reported so the percentage does not
// jump backwards between phases.
func progressReporter(phase string, progress vcs.ProgressFunc) func(string) {
	if progress == nil {
		return nil
	}
	return func(line string) {
		if !strings.Contains(line, phase) {
			return
		}
		if percent, speed, ok := vcs.ParseProgress(line); ok {
			progress(percent, speed)
		}
	}
}

// Push pushes the current branch to the remote branch of the same name
func (g *Git) Push(ctx context.Context, progress vcs.ProgressFunc) error {
	branch, err := g.branch(ctx)
	if err != nil {
		return vcs.NewError(vcs.KindGeneric, "push", err)
	}

	return g.run.Stream(ctx, "push", progressReporter("Writing objects", progress),
		"push", "--progress", g.remote, "HEAD:refs/heads/"+branch)
}

// Fetch fetches the current branch from the remote into FETCH_HEAD.
// A remote without the branch (an empty repository) is not an error;
// FETCH_HEAD is left absent and MergeOrRebase reports UpToDate.
func (g *Git) Fetch(ctx context.Context, progress vcs.ProgressFunc) error {
	branch, err := g.branch(ctx)
	if err != nil {
		return vcs.NewError(vcs.KindGeneric, "fetch", err)
	}

	// Stale FETCH_HEAD from an earlier fetch must not be merged again
	if err := os.Remove(filepath.Join(g.gitDir, "FETCH_HEAD")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return vcs.NewError(vcs.KindGeneric, "fetch", err)
	}

	err = g.run.Stream(ctx, "fetch", progressReporter("Receiving objects", progress),
		"fetch", "--progress", "--no-tags", g.remote, "refs/heads/"+branch)
	if err != nil && isMissingRemoteRef(err) {
		return nil
	}
	return err
}

func isMissingRemoteRef(err error) bool {
	var be *vcs.BackendError
	if !errors.As(err, &be) {
		return false
	}
	return strings.Contains(strings.ToLower(be.Output), "couldn't find remote ref")
}

// HasRemoteChanges returns true if the remote branch points at a commit
// that HEAD does not already contain. It probes the remote with ls-remote.
func (g *Git) HasRemoteChanges(ctx context.Context) (bool, error) {
	branch, err := g.branch(ctx)
	if err != nil {
		return false, vcs.NewError(vcs.KindGeneric, "ls-remote", err)
	}

	output, err := g.git(ctx, "ls-remote", "ls-remote", "--heads", g.remote, "refs/heads/"+branch)
	if err != nil {
		return false, err
	}

	remoteHead := vcs.FirstWord(output)
	if remoteHead == "" {
		return false, nil
	}

	head, err := g.CurrentRevision(ctx)
	if err != nil {
		return false, err
	}
	if head == remoteHead {
		return false, nil
	}
	if head == "" {
		return true, nil
	}

	// Remote may lag behind an unpushed local commit
	if _, err := g.git(ctx, "cat-file", "cat-file", "-e", remoteHead+"^{commit}"); err != nil {
		return true, nil
	}
	behind, err := g.isAncestor(ctx, remoteHead, head)
	if err != nil {
		return false, err
	}
	return !behind, nil
}
