package vcs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ConflictTimeLayout formats the timestamp in conflict copy names.
// Colons are avoided so the name is valid on every filesystem.
const ConflictTimeLayout = "Jan 2 15h04"

// ConflictName returns the name for the local copy of a conflicted file:
//
//	"report.odt" -> "report (Ada, Mar 4 09h15).odt"
//
// The directory part of path is preserved. Dotfiles without another
// extension keep their full name as the stem.
func ConflictName(path, user string, ts time.Time) string {
	dir, base := filepath.Split(path)

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	if user == "" {
		user = "unknown"
	}

	return dir + fmt.Sprintf("%s (%s, %s)%s", stem, user, ts.Format(ConflictTimeLayout), ext)
}

// UniqueConflictName is like ConflictName but appends a counter when a file
// with that name already exists under root.
func UniqueConflictName(root, path, user string, ts time.Time) string {
	name := ConflictName(path, user, ts)
	if !exists(filepath.Join(root, name)) {
		return name
	}

	ext := filepath.Ext(name)
	if strings.HasSuffix(name, ")") {
		ext = ""
	}
	stem := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s %d%s", stem, i, ext)
		if !exists(filepath.Join(root, candidate)) {
			return candidate
		}
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
