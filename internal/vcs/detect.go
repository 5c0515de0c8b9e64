package vcs

import (
	"os"
	"os/exec"
	"path/filepath"
)

// DetectionResult contains information about the detected VCS
type DetectionResult struct {
	// Type is the detected VCS type
	Type Type

	// RepoRoot is the working tree root
	RepoRoot string

	// VCSDir is the VCS metadata directory path (.git or .hg)
	VCSDir string
}

// metaDirs lists the metadata directory for each backend, in detection order.
var metaDirs = []struct {
	t   Type
	dir string
}{
	{TypeGit, ".git"},
	{TypeHg, ".hg"},
}

// MetaDirName returns the metadata directory name for a backend type.
func MetaDirName(t Type) string {
	for _, m := range metaDirs {
		if m.t == t {
			return m.dir
		}
	}
	return ""
}

// Detect identifies the VCS type of a synced folder.
//
// Unlike a developer checkout, a synced folder must be the root of its own
// working tree, so parent directories are not searched. A .git file (a
// worktree) is accepted as well as a directory.
//
// Returns ErrNotInVCS if no VCS is found.
func Detect(path string) (*DetectionResult, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	for _, m := range metaDirs {
		dir := filepath.Join(absPath, m.dir)
		if _, err := os.Stat(dir); err == nil {
			return &DetectionResult{
				Type:     m.t,
				RepoRoot: absPath,
				VCSDir:   dir,
			}, nil
		}
	}

	return nil, ErrNotInVCS
}

// IsAvailable checks if the binary for a VCS type is on PATH.
func IsAvailable(t Type) bool {
	_, err := exec.LookPath(string(t))
	return err == nil
}
