package git

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/foldersync/internal/vcs"
)

// CurrentRevision returns the commit hash of HEAD, or "" on an unborn branch
func (g *Git) CurrentRevision(ctx context.Context) (string, error) {
	return g.resolve(ctx, "HEAD")
}

// resolve returns the commit hash of ref, or "" if it does not exist
func (g *Git) resolve(ctx context.Context, ref string) (string, error) {
	output, err := g.git(ctx, "rev-parse", "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		// --quiet exits 1 with no output for a missing ref
		if vcs.GetExitCode(unwrapExit(err)) == 1 {
			return "", nil
		}
		return "", err
	}
	return vcs.TrimOutput(output), nil
}

// isAncestor reports whether a is an ancestor of (or equal to) b
func (g *Git) isAncestor(ctx context.Context, a, b string) (bool, error) {
	_, err := g.git(ctx, "merge-base", "merge-base", "--is-ancestor", a, b)
	if err == nil {
		return true, nil
	}
	if vcs.GetExitCode(unwrapExit(err)) == 1 {
		return false, nil
	}
	return false, err
}

func unwrapExit(err error) error {
	var be *vcs.BackendError
	if errors.As(err, &be) {
		return be.Err
	}
	return err
}

const (
	logCommit = "commit:"
	logName   = "author:"
	logEmail  = "email:"
	logDate   = "date:"
	logSubj   = "subject:"
)

// Log returns up to limit change sets from HEAD, newest first
func (g *Git) Log(ctx context.Context, limit int) ([]vcs.ChangeSet, error) {
	head, err := g.CurrentRevision(ctx)
	if err != nil || head == "" {
		return nil, err
	}
	if limit <= 0 {
		limit = vcs.DefaultLogLimit
	}

	output, err := g.git(ctx, "log", "log",
		"--raw", "-M", "--no-color", "--no-abbrev",
		"-n", strconv.Itoa(limit),
		"--format="+logCommit+"%H%n"+logName+"%an%n"+logEmail+"%ae%n"+logDate+"%aI%n"+logSubj+"%s")
	if err != nil {
		return nil, err
	}
	return parseLog(string(output)), nil
}

// parseLog parses the --raw log format produced by Log
func parseLog(output string) []vcs.ChangeSet {
	var sets []vcs.ChangeSet
	var cur *vcs.ChangeSet

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, logCommit):
			sets = append(sets, vcs.ChangeSet{Revision: strings.TrimPrefix(line, logCommit)})
			cur = &sets[len(sets)-1]
		case cur == nil:
			continue
		case strings.HasPrefix(line, logName):
			cur.Author.Name = strings.TrimPrefix(line, logName)
		case strings.HasPrefix(line, logEmail):
			cur.Author.Email = strings.TrimPrefix(line, logEmail)
		case strings.HasPrefix(line, logDate):
			if ts, err := time.Parse(time.RFC3339, strings.TrimPrefix(line, logDate)); err == nil {
				cur.Timestamp = ts
			}
		case strings.HasPrefix(line, logSubj):
			cur.Message = strings.TrimPrefix(line, logSubj)
		case strings.HasPrefix(line, ":"):
			if c, ok := parseRawLine(line); ok {
				cur.Changes = append(cur.Changes, c)
			}
		}
	}
	return sets
}

// parseRawLine parses one --raw entry:
//
//	:100644 100644 <sha> <sha> M\tpath
//	:100644 100644 <sha> <sha> R087\told\tnew
func parseRawLine(line string) (vcs.Change, bool) {
	parts := strings.Split(line, "\t")
	if len(parts) < 2 {
		return vcs.Change{}, false
	}
	meta := strings.Fields(parts[0])
	if len(meta) < 5 || meta[4] == "" {
		return vcs.Change{}, false
	}

	switch meta[4][0] {
	case 'A', 'C':
		return vcs.Change{Kind: vcs.ChangeAdded, Path: parts[len(parts)-1]}, true
	case 'D':
		return vcs.Change{Kind: vcs.ChangeDeleted, Path: parts[1]}, true
	case 'R':
		if len(parts) < 3 {
			return vcs.Change{}, false
		}
		return vcs.Change{Kind: vcs.ChangeMoved, OldPath: parts[1], Path: parts[2]}, true
	default:
		return vcs.Change{Kind: vcs.ChangeEdited, Path: parts[1]}, true
	}
}
