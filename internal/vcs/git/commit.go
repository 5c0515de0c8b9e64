package git

import (
	"context"
	"strings"

	"github.com/steveyegge/foldersync/internal/vcs"
)

// StageAll stages every change in the working tree, including deletions
func (g *Git) StageAll(ctx context.Context) error {
	_, err := g.git(ctx, "add", "add", "--all")
	return err
}

// HasLocalChanges returns true if there are uncommitted changes
func (g *Git) HasLocalChanges(ctx context.Context) (bool, error) {
	statuses, err := g.Status(ctx)
	if err != nil {
		return false, err
	}
	return len(statuses) > 0, nil
}

// Status returns the status of files in the working directory
func (g *Git) Status(ctx context.Context) ([]vcs.FileStatus, error) {
	output, err := g.git(ctx, "status", "status", "--porcelain", "-z", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parsePorcelainZ(output), nil
}

// parsePorcelainZ parses `git status --porcelain -z` output.
//
// Each entry is "XY path\0"; renames and copies are followed by a second
// NUL-terminated field holding the original path.
func parsePorcelainZ(output []byte) []vcs.FileStatus {
	fields := strings.Split(string(output), "\x00")

	var statuses []vcs.FileStatus
	for i := 0; i < len(fields); i++ {
		entry := fields[i]
		if len(entry) < 4 {
			continue
		}

		// X = staged status, Y = unstaged status
		status := vcs.FileStatus{
			Path:       entry[3:],
			StagedCode: parseStatusCode(entry[0:1]),
			Status:     parseStatusCode(entry[1:2]),
		}

		if entry[0] == 'R' || entry[0] == 'C' {
			if i+1 < len(fields) {
				status.OldPath = fields[i+1]
				i++
			}
		}

		statuses = append(statuses, status)
	}
	return statuses
}

// parseStatusCode converts git status code to vcs.StatusCode
func parseStatusCode(code string) vcs.StatusCode {
	switch code {
	case "M", "T":
		return vcs.StatusModified
	case "A":
		return vcs.StatusAdded
	case "D":
		return vcs.StatusDeleted
	case "R":
		return vcs.StatusRenamed
	case "C":
		return vcs.StatusCopied
	case "?":
		return vcs.StatusUntracked
	case "!":
		return vcs.StatusIgnored
	case "U":
		return vcs.StatusConflict
	default:
		return vcs.StatusUnmodified
	}
}

// hasStaged returns true if any entry has a staged change
func hasStaged(statuses []vcs.FileStatus) bool {
	for _, s := range statuses {
		switch s.StagedCode {
		case vcs.StatusUnmodified, vcs.StatusUntracked, vcs.StatusIgnored, "":
		default:
			return true
		}
	}
	return false
}

// Commit commits the staged tree. Nothing staged is not an error: the
// current revision is returned with committed=false.
func (g *Git) Commit(ctx context.Context, message string) (string, bool, error) {
	statuses, err := g.Status(ctx)
	if err != nil {
		return "", false, err
	}
	if !hasStaged(statuses) {
		rev, err := g.CurrentRevision(ctx)
		return rev, false, err
	}

	if strings.TrimSpace(message) == "" {
		message = vcs.CommitMessage(statuses)
	}

	if _, err := g.git(ctx, "commit", "commit", "--no-verify", "--no-gpg-sign", "-m", message); err != nil {
		return "", false, err
	}

	rev, err := g.CurrentRevision(ctx)
	if err != nil {
		return "", false, err
	}
	return rev, true, nil
}
