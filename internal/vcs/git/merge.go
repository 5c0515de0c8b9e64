package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/steveyegge/foldersync/internal/vcs"
)

// maxRebaseSteps bounds the resolve/continue loop
const maxRebaseSteps = 256

// now is replaced in tests
var now = time.Now

// MergeOrRebase rebases local commits onto FETCH_HEAD.
//
// Uncommitted changes are committed first so nothing in the tree is lost.
// Every conflicted path is resolved by keeping both versions: during a
// rebase "ours" is the upstream commit and "theirs" is the local commit
// being replayed, so the remote content stays at the path and the local
// content is moved to a conflict copy.
func (g *Git) MergeOrRebase(ctx context.Context) (vcs.MergeOutcome, error) {
	upstream, err := g.resolve(ctx, "FETCH_HEAD")
	if err != nil {
		return vcs.MergeOutcome{}, err
	}
	if upstream == "" {
		return vcs.MergeOutcome{Kind: vcs.MergeUpToDate}, nil
	}

	if g.rebaseInProgress() {
		// Left over from a crash; start again from a clean state
		_, _ = g.git(ctx, "rebase", "rebase", "--abort")
	}

	if err := g.commitPending(ctx); err != nil {
		return vcs.MergeOutcome{}, err
	}

	head, err := g.CurrentRevision(ctx)
	if err != nil {
		return vcs.MergeOutcome{}, err
	}

	if head == "" {
		// Unborn branch and a clean tree: adopt upstream as is
		if _, err := g.git(ctx, "reset", "reset", "--hard", upstream); err != nil {
			return vcs.MergeOutcome{}, err
		}
		return vcs.MergeOutcome{Kind: vcs.MergeMerged}, nil
	}

	if head == upstream {
		return vcs.MergeOutcome{Kind: vcs.MergeUpToDate}, nil
	}
	if contained, err := g.isAncestor(ctx, upstream, head); err != nil {
		return vcs.MergeOutcome{}, err
	} else if contained {
		return vcs.MergeOutcome{Kind: vcs.MergeUpToDate}, nil
	}

	if ff, err := g.isAncestor(ctx, head, upstream); err != nil {
		return vcs.MergeOutcome{}, err
	} else if ff {
		if _, err := g.git(ctx, "merge", "merge", "--ff-only", upstream); err != nil {
			return vcs.MergeOutcome{}, err
		}
		return vcs.MergeOutcome{Kind: vcs.MergeMerged}, nil
	}

	if _, err := g.git(ctx, "rebase", "rebase", upstream); err == nil {
		return vcs.MergeOutcome{Kind: vcs.MergeMerged}, nil
	} else if !g.rebaseInProgress() {
		return vcs.MergeOutcome{}, err
	}

	renamed, err := g.resolveRebase(ctx)
	if err != nil {
		_, _ = g.git(ctx, "rebase", "rebase", "--abort")
		return vcs.MergeOutcome{}, err
	}

	if len(renamed) == 0 {
		return vcs.MergeOutcome{Kind: vcs.MergeMerged}, nil
	}
	return vcs.MergeOutcome{Kind: vcs.MergeConflictsResolved, Renamed: renamed}, nil
}

// commitPending commits any uncommitted changes before a rebase
func (g *Git) commitPending(ctx context.Context) error {
	dirty, err := g.HasLocalChanges(ctx)
	if err != nil || !dirty {
		return err
	}
	if err := g.StageAll(ctx); err != nil {
		return err
	}
	statuses, err := g.Status(ctx)
	if err != nil {
		return err
	}
	_, _, err = g.Commit(ctx, vcs.CommitMessage(statuses))
	return err
}

// resolveRebase resolves conflicts and continues until the rebase is done
func (g *Git) resolveRebase(ctx context.Context) ([]vcs.Rename, error) {
	var renamed []vcs.Rename

	for step := 0; g.rebaseInProgress(); step++ {
		if step >= maxRebaseSteps {
			return nil, vcs.NewError(vcs.KindGeneric, "rebase", fmt.Errorf("rebase did not finish after %d steps", step))
		}

		statuses, err := g.Status(ctx)
		if err != nil {
			return nil, err
		}

		for _, s := range statuses {
			code := string(s.StagedCode) + string(s.Status)
			if !isUnmerged(code) {
				continue
			}

			r, err := g.resolvePath(ctx, s.Path, code)
			if err != nil {
				return nil, err
			}
			if r != nil {
				renamed = append(renamed, *r)
			}
		}

		output, err := g.git(ctx, "rebase", "rebase", "--continue")
		if err == nil {
			continue
		}
		// The replayed commit became empty after resolution
		text := strings.ToLower(string(output)) + strings.ToLower(err.Error())
		if strings.Contains(text, "no changes") || strings.Contains(text, "nothing to commit") {
			if _, err := g.git(ctx, "rebase", "rebase", "--skip"); err != nil && !g.rebaseInProgress() {
				return nil, err
			}
			continue
		}
		if !g.rebaseInProgress() {
			return nil, err
		}
		// Stopped on the next conflicting commit; loop to resolve it
	}

	return renamed, nil
}

// isUnmerged reports whether a porcelain XY code is an unmerged state
func isUnmerged(code string) bool {
	switch code {
	case "UU", "AA", "DD", "AU", "UA", "DU", "UD":
		return true
	}
	return false
}

// resolvePath resolves one unmerged path.
//
// When both sides changed the file, the local version (theirs during a
// rebase) is copied to a conflict name and the upstream version (ours) is
// restored at the path. Any other state keeps whatever the working tree
// holds, which is the side that did not delete the file.
func (g *Git) resolvePath(ctx context.Context, path, code string) (*vcs.Rename, error) {
	if code != "UU" && code != "AA" {
		if _, err := g.git(ctx, "add", "add", "--all", "--", path); err != nil {
			return nil, err
		}
		return nil, nil
	}

	conflictPath := vcs.UniqueConflictName(g.repoRoot, path, g.user, now())

	if _, err := g.git(ctx, "checkout", "checkout", "--theirs", "--", path); err != nil {
		return nil, err
	}
	src := filepath.Join(g.repoRoot, path)
	dst := filepath.Join(g.repoRoot, conflictPath)
	if err := os.Rename(src, dst); err != nil {
		return nil, vcs.Classify("rename", []byte(err.Error()), err)
	}

	if _, err := g.git(ctx, "checkout", "checkout", "--ours", "--", path); err != nil {
		return nil, err
	}
	if _, err := g.git(ctx, "add", "add", "--", path, conflictPath); err != nil {
		return nil, err
	}

	return &vcs.Rename{Path: path, ConflictPath: conflictPath}, nil
}
