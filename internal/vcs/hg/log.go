package hg

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/foldersync/internal/vcs"
)

// CurrentRevision returns the working copy parent, or "" in an empty repository
func (h *Hg) CurrentRevision(ctx context.Context) (string, error) {
	output, err := h.hg(ctx, "identify", "log", "-r", ".", "--template", "{node}")
	if err != nil {
		return "", err
	}
	rev := vcs.TrimOutput(output)
	if rev == nullRevision {
		return "", nil
	}
	return rev, nil
}

// logTemplate prints one block per changeset. Per-file lines are
// tab separated so paths may contain spaces.
const logTemplate = "commit:{node}\n" +
	"author:{author|person}\n" +
	"email:{author|email}\n" +
	"date:{date|rfc3339date}\n" +
	"subject:{desc|firstline}\n" +
	"{file_adds % 'A\t{file}\n'}" +
	"{file_mods % 'M\t{file}\n'}" +
	"{file_dels % 'D\t{file}\n'}" +
	"{file_copies % 'C\t{source}\t{name}\n'}"

// Log returns up to limit change sets, newest first
func (h *Hg) Log(ctx context.Context, limit int) ([]vcs.ChangeSet, error) {
	if limit <= 0 {
		limit = vcs.DefaultLogLimit
	}

	output, err := h.hg(ctx, "log", "log", "--limit", strconv.Itoa(limit), "--template", logTemplate)
	if err != nil {
		return nil, err
	}
	return parseLog(string(output)), nil
}

// parseLog parses the output of logTemplate. A copy whose source was
// deleted in the same changeset is reported as a single move.
func parseLog(output string) []vcs.ChangeSet {
	var sets []vcs.ChangeSet

	type fileLine struct {
		kind       byte
		path, from string
	}
	var files []fileLine

	flush := func() {
		if len(sets) == 0 {
			return
		}
		cur := &sets[len(sets)-1]

		moved := map[string]string{} // new path -> old path
		deleted := map[string]bool{}
		for _, f := range files {
			if f.kind == 'D' {
				deleted[f.path] = true
			}
		}
		for _, f := range files {
			if f.kind == 'C' && deleted[f.from] {
				moved[f.path] = f.from
			}
		}
		movedFrom := map[string]bool{}
		for _, from := range moved {
			movedFrom[from] = true
		}

		for _, f := range files {
			switch f.kind {
			case 'A':
				if from, ok := moved[f.path]; ok {
					cur.Changes = append(cur.Changes, vcs.Change{Kind: vcs.ChangeMoved, OldPath: from, Path: f.path})
				} else {
					cur.Changes = append(cur.Changes, vcs.Change{Kind: vcs.ChangeAdded, Path: f.path})
				}
			case 'M':
				cur.Changes = append(cur.Changes, vcs.Change{Kind: vcs.ChangeEdited, Path: f.path})
			case 'D':
				if !movedFrom[f.path] {
					cur.Changes = append(cur.Changes, vcs.Change{Kind: vcs.ChangeDeleted, Path: f.path})
				}
			}
		}
		files = nil
	}

	for _, line := range strings.Split(output, "\n") {
		key, value, _ := strings.Cut(line, ":")
		switch {
		case key == "commit" && !strings.Contains(line, "\t"):
			flush()
			sets = append(sets, vcs.ChangeSet{Revision: value})
		case len(sets) == 0:
			continue
		case len(line) > 2 && line[1] == '\t':
			parts := strings.Split(line, "\t")
			f := fileLine{kind: line[0], path: parts[len(parts)-1]}
			if f.kind == 'C' && len(parts) == 3 {
				f.from = parts[1]
			}
			files = append(files, f)
		case key == "author":
			sets[len(sets)-1].Author.Name = value
		case key == "email":
			sets[len(sets)-1].Author.Email = value
		case key == "date":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				sets[len(sets)-1].Timestamp = ts
			}
		case key == "subject":
			sets[len(sets)-1].Message = value
		}
	}
	flush()

	return sets
}
