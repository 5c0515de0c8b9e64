// Package git provides a Git implementation of the vcs.Backend interface.
//
// This package wraps Git commands to provide the operations needed by the
// sync engine: staging, committing, pushing and fetching the current
// branch, rebasing local commits onto fetched history, and reading the
// log for change sets.
package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/steveyegge/foldersync/internal/vcs"
)

// Git implements the vcs.Backend interface for git working trees.
type Git struct {
	// repoRoot is the working tree root
	repoRoot string

	// gitDir is the .git directory path
	gitDir string

	// remote is the remote name used for push and fetch
	remote string

	// user names conflict copies
	user string

	run *vcs.Runner
}

// New creates a new Git backend for the working tree at opts.Root.
// If opts.Remote is set and the tree has no remote, it is added as origin.
func New(opts vcs.Options) (*Git, error) {
	g := &Git{
		remote: vcs.DefaultRemote,
		user:   opts.UserName,
		run: &vcs.Runner{
			Binary:  "git",
			Env:     environment(opts),
			Timeout: opts.CommandTimeout,
			Logger:  opts.Logger,
		},
	}

	if err := g.detect(opts.Root); err != nil {
		return nil, err
	}
	g.run.Dir = g.repoRoot

	if opts.Remote != "" {
		if err := g.ensureRemote(context.Background(), opts.Remote); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// environment returns the variables every git invocation runs with.
// Prompts are disabled so a missing credential fails instead of hanging.
func environment(opts vcs.Options) []string {
	env := []string{
		"LC_ALL=C",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_EDITOR=true",
		"GIT_SSH_COMMAND=ssh -o BatchMode=yes",
	}
	if opts.UserName != "" {
		env = append(env, "GIT_AUTHOR_NAME="+opts.UserName, "GIT_COMMITTER_NAME="+opts.UserName)
	}
	if opts.UserEmail != "" {
		env = append(env, "GIT_AUTHOR_EMAIL="+opts.UserEmail, "GIT_COMMITTER_EMAIL="+opts.UserEmail)
	}
	return env
}

// git runs a git command in the working tree.
func (g *Git) git(ctx context.Context, op string, args ...string) ([]byte, error) {
	return g.run.Run(ctx, op, append([]string{"-c", "core.quotepath=false"}, args...)...)
}

// Name returns the VCS type (git)
func (g *Git) Name() vcs.Type {
	return vcs.TypeGit
}

// Version returns the git version banner, e.g. "git version 2.43.0"
func (g *Git) Version() (string, error) {
	output, err := g.run.Run(context.Background(), "version", "--version")
	if err != nil {
		return "", fmt.Errorf("failed to get git version: %w", err)
	}
	return vcs.TrimOutput(output), nil
}

// Root returns the working tree root
func (g *Git) Root() string {
	return g.repoRoot
}

// MetaDir returns the .git directory path
func (g *Git) MetaDir() string {
	return g.gitDir
}

// rebaseInProgress reports whether a rebase is stopped in the working tree.
func (g *Git) rebaseInProgress() bool {
	for _, dir := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(g.gitDir, dir)); err == nil {
			return true
		}
	}
	return false
}

// branch returns the current branch name. It works on an unborn branch.
func (g *Git) branch(ctx context.Context) (string, error) {
	output, err := g.git(ctx, "branch", "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	b := strings.TrimSpace(string(output))
	if b == "" {
		return "", fmt.Errorf("HEAD is detached")
	}
	return b, nil
}
