package vcs

import (
	"fmt"
)

// commitBuckets is the order in which a representative path is chosen.
var commitBuckets = []struct {
	marker string
	codes  []StatusCode
}{
	{"+", []StatusCode{StatusAdded, StatusUntracked, StatusCopied}},
	{"/", []StatusCode{StatusModified, StatusConflict}},
	{"-", []StatusCode{StatusDeleted}},
	{">", []StatusCode{StatusRenamed}},
}

// CommitMessage builds a short human-readable commit message from the
// working tree status.
//
// One representative path is chosen (added, else modified, else removed,
// else moved), quoted and prefixed with a marker; if other files changed
// too, " + N" is appended, e.g. "+ ‘notes/todo.txt’ + 3".
//
// Returns "" when statuses contains no changes.
func CommitMessage(statuses []FileStatus) string {
	total := 0
	for _, fs := range statuses {
		if isChange(fs.Code()) {
			total++
		}
	}
	if total == 0 {
		return ""
	}

	var message string
	for _, bucket := range commitBuckets {
		if message != "" {
			break
		}
		for _, fs := range statuses {
			if !hasCode(bucket.codes, fs.Code()) {
				continue
			}
			if fs.Code() == StatusRenamed && fs.OldPath != "" {
				message = fmt.Sprintf("%s ‘%s’ → ‘%s’", bucket.marker, fs.OldPath, fs.Path)
			} else {
				message = fmt.Sprintf("%s ‘%s’", bucket.marker, fs.Path)
			}
			break
		}
	}

	if total > 1 {
		message += fmt.Sprintf(" + %d", total-1)
	}
	return message
}

func isChange(c StatusCode) bool {
	return c != StatusUnmodified && c != StatusIgnored && c != ""
}

func hasCode(codes []StatusCode, c StatusCode) bool {
	for _, x := range codes {
		if x == c {
			return true
		}
	}
	return false
}
