package hg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/steveyegge/foldersync/internal/vcs"
)

// now is replaced in tests
var now = time.Now

func unwrapExit(err error) error {
	var be *vcs.BackendError
	if errors.As(err, &be) {
		return be.Err
	}
	return err
}

// MergeOrRebase integrates pulled changesets into the working copy.
//
// Local changes are committed first. With a single head the working copy
// is updated to it; with two heads they are merged. For every file both
// sides changed, the local (p1) version is copied to a conflict name and
// the remote (p2) version is kept at the path before the merge is
// committed.
func (h *Hg) MergeOrRebase(ctx context.Context) (vcs.MergeOutcome, error) {
	if err := h.commitPending(ctx); err != nil {
		return vcs.MergeOutcome{}, err
	}

	tip, err := h.hg(ctx, "tip", "log", "-r", "tip", "--template", "{node}")
	if err != nil {
		return vcs.MergeOutcome{}, err
	}
	if t := vcs.TrimOutput(tip); t == "" || t == nullRevision {
		return vcs.MergeOutcome{Kind: vcs.MergeUpToDate}, nil
	}

	branch, err := h.hg(ctx, "branch", "branch")
	if err != nil {
		return vcs.MergeOutcome{}, err
	}

	output, err := h.hg(ctx, "heads", "heads", "--template", "{node}\n", vcs.TrimOutput(branch))
	if err != nil {
		// No open heads on the branch
		if vcs.GetExitCode(unwrapExit(err)) == 1 {
			return vcs.MergeOutcome{Kind: vcs.MergeUpToDate}, nil
		}
		return vcs.MergeOutcome{}, err
	}
	heads := vcs.ParseLines(output)

	current, err := h.CurrentRevision(ctx)
	if err != nil {
		return vcs.MergeOutcome{}, err
	}

	switch {
	case len(heads) == 0:
		return vcs.MergeOutcome{Kind: vcs.MergeUpToDate}, nil

	case len(heads) == 1:
		if heads[0] == current {
			return vcs.MergeOutcome{Kind: vcs.MergeUpToDate}, nil
		}
		if _, err := h.hg(ctx, "update", "update", "--rev", heads[0]); err != nil {
			return vcs.MergeOutcome{}, err
		}
		return vcs.MergeOutcome{Kind: vcs.MergeMerged}, nil

	case len(heads) > 2:
		return vcs.MergeOutcome{}, vcs.NewError(vcs.KindGeneric, "merge", fmt.Errorf("branch has %d heads", len(heads)))
	}

	other := heads[0]
	if other == current {
		other = heads[1]
	}

	// internal:fail leaves every file both sides touched unresolved
	_, mergeErr := h.hg(ctx, "merge", "merge", "--tool", "internal:fail", "--rev", other)

	renamed, err := h.resolveConflicts(ctx)
	if err != nil {
		_, _ = h.hg(ctx, "update", "update", "--clean", "--rev", current)
		return vcs.MergeOutcome{}, err
	}
	if mergeErr != nil && len(renamed) == 0 && !h.merging(ctx) {
		return vcs.MergeOutcome{}, mergeErr
	}

	message := "Merge"
	if len(renamed) > 0 {
		message = fmt.Sprintf("Merge, keeping both versions of %d conflicting file(s)", len(renamed))
	}
	if _, err := h.hg(ctx, "commit", "commit", "-m", message); err != nil {
		return vcs.MergeOutcome{}, err
	}

	if len(renamed) == 0 {
		return vcs.MergeOutcome{Kind: vcs.MergeMerged}, nil
	}
	return vcs.MergeOutcome{Kind: vcs.MergeConflictsResolved, Renamed: renamed}, nil
}

// commitPending commits any uncommitted changes before merging
func (h *Hg) commitPending(ctx context.Context) error {
	dirty, err := h.HasLocalChanges(ctx)
	if err != nil || !dirty {
		return err
	}
	if err := h.StageAll(ctx); err != nil {
		return err
	}
	statuses, err := h.Status(ctx)
	if err != nil {
		return err
	}
	_, _, err = h.Commit(ctx, vcs.CommitMessage(statuses))
	return err
}

// resolveConflicts applies the keep-both policy to every unresolved file
func (h *Hg) resolveConflicts(ctx context.Context) ([]vcs.Rename, error) {
	output, err := h.hg(ctx, "resolve", "resolve", "--list")
	if err != nil {
		// Not merging: nothing to resolve
		return nil, nil
	}

	var renamed []vcs.Rename
	for _, line := range vcs.ParseLines(output) {
		state, path, ok := strings.Cut(line, " ")
		if !ok || state != "U" {
			continue
		}

		r, err := h.keepBoth(ctx, path)
		if err != nil {
			return nil, err
		}
		renamed = append(renamed, r)
	}
	return renamed, nil
}

// keepBoth moves the local version of path aside and resolves the path to
// the remote version.
func (h *Hg) keepBoth(ctx context.Context, path string) (vcs.Rename, error) {
	conflictPath := vcs.UniqueConflictName(h.repoRoot, path, h.user, now())

	if _, err := h.hg(ctx, "resolve", "resolve", "--tool", "internal:local", "--", path); err != nil {
		return vcs.Rename{}, err
	}
	data, err := os.ReadFile(filepath.Join(h.repoRoot, path))
	if err != nil {
		return vcs.Rename{}, vcs.Classify("resolve", []byte(err.Error()), err)
	}
	if err := os.WriteFile(filepath.Join(h.repoRoot, conflictPath), data, 0o644); err != nil {
		return vcs.Rename{}, vcs.Classify("resolve", []byte(err.Error()), err)
	}

	if _, err := h.hg(ctx, "resolve", "resolve", "--tool", "internal:other", "--", path); err != nil {
		return vcs.Rename{}, err
	}
	if _, err := h.hg(ctx, "add", "add", "--", conflictPath); err != nil {
		return vcs.Rename{}, err
	}

	return vcs.Rename{Path: path, ConflictPath: conflictPath}, nil
}
