package hg

import (
	"context"
	"strings"

	"github.com/steveyegge/foldersync/internal/vcs"
)

// StageAll tracks new files and forgets missing ones
func (h *Hg) StageAll(ctx context.Context) error {
	_, err := h.hg(ctx, "addremove", "addremove")
	return err
}

// Status returns the status of files in the working copy
func (h *Hg) Status(ctx context.Context) ([]vcs.FileStatus, error) {
	output, err := h.hg(ctx, "status", "status", "--print0")
	if err != nil {
		return nil, err
	}
	return parseStatus(output), nil
}

// parseStatus parses `hg status --print0` output: "C path\0" entries
func parseStatus(output []byte) []vcs.FileStatus {
	var statuses []vcs.FileStatus
	for _, entry := range strings.Split(string(output), "\x00") {
		if len(entry) < 3 {
			continue
		}
		statuses = append(statuses, vcs.FileStatus{
			Path:   entry[2:],
			Status: parseStatusCode(entry[0]),
		})
	}
	return statuses
}

// parseStatusCode converts an hg status letter to vcs.StatusCode
func parseStatusCode(code byte) vcs.StatusCode {
	switch code {
	case 'M':
		return vcs.StatusModified
	case 'A':
		return vcs.StatusAdded
	case 'R', '!':
		return vcs.StatusDeleted
	case '?':
		return vcs.StatusUntracked
	case 'I':
		return vcs.StatusIgnored
	default:
		return vcs.StatusUnmodified
	}
}

// HasLocalChanges returns true if the working copy differs from its parent
func (h *Hg) HasLocalChanges(ctx context.Context) (bool, error) {
	statuses, err := h.Status(ctx)
	if err != nil {
		return false, err
	}
	return len(statuses) > 0, nil
}

// committable returns true if a commit would record anything
func committable(statuses []vcs.FileStatus) bool {
	for _, s := range statuses {
		switch s.Status {
		case vcs.StatusModified, vcs.StatusAdded, vcs.StatusDeleted:
			return true
		}
	}
	return false
}

// Commit commits the working copy. Nothing to commit is not an error.
func (h *Hg) Commit(ctx context.Context, message string) (string, bool, error) {
	statuses, err := h.Status(ctx)
	if err != nil {
		return "", false, err
	}
	if !committable(statuses) && !h.merging(ctx) {
		rev, err := h.CurrentRevision(ctx)
		return rev, false, err
	}

	if strings.TrimSpace(message) == "" {
		message = vcs.CommitMessage(statuses)
	}

	if _, err := h.hg(ctx, "commit", "commit", "-m", message); err != nil {
		return "", false, err
	}

	rev, err := h.CurrentRevision(ctx)
	if err != nil {
		return "", false, err
	}
	return rev, true, nil
}

// merging reports whether the working copy has two parents
func (h *Hg) merging(ctx context.Context) bool {
	output, err := h.hg(ctx, "parents", "log", "-r", "parents()", "--template", "{node}\n")
	if err != nil {
		return false
	}
	return len(vcs.ParseLines(output)) > 1
}
