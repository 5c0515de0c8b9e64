// Package hg provides a Mercurial implementation of the vcs.Backend interface.
//
// Mercurial has no staging area: StageAll runs addremove so that new and
// missing files are tracked, and Commit commits the whole working copy.
// Remote history is integrated with a merge rather than a rebase.
package hg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/steveyegge/foldersync/internal/vcs"
)

// nullRevision is the parent of the first commit
const nullRevision = "0000000000000000000000000000000000000000"

// Hg implements the vcs.Backend interface for Mercurial working copies.
type Hg struct {
	// repoRoot is the working copy root
	repoRoot string

	// hgDir is the .hg directory path
	hgDir string

	// user names conflict copies
	user string

	run *vcs.Runner
}

// New creates a new Mercurial backend for the working copy at opts.Root.
// If opts.Remote is set and no default path is configured, it is written
// to .hg/hgrc.
func New(opts vcs.Options) (*Hg, error) {
	absRoot, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository root: %w", err)
	}

	hgDir := filepath.Join(absRoot, ".hg")
	if info, err := os.Stat(hgDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", absRoot, vcs.ErrNotInVCS)
	}

	h := &Hg{
		repoRoot: absRoot,
		hgDir:    hgDir,
		user:     opts.UserName,
		run: &vcs.Runner{
			Binary:  "hg",
			Dir:     absRoot,
			Env:     environment(opts),
			Timeout: opts.CommandTimeout,
			Logger:  opts.Logger,
		},
	}

	if opts.Remote != "" {
		if err := h.ensureDefaultPath(context.Background(), opts.Remote); err != nil {
			return nil, err
		}
	}

	return h, nil
}

// environment returns the variables every hg invocation runs with.
// HGPLAIN keeps output stable regardless of the user's hgrc.
func environment(opts vcs.Options) []string {
	env := []string{
		"LC_ALL=C",
		"HGPLAIN=1",
		"HGENCODING=utf-8",
	}
	if opts.UserName != "" {
		user := opts.UserName
		if opts.UserEmail != "" {
			user += " <" + opts.UserEmail + ">"
		}
		env = append(env, "HGUSER="+user)
	}
	return env
}

// globalArgs are passed to every invocation
var globalArgs = []string{
	"--noninteractive",
	"--config", "ui.merge=internal:fail",
	"--config", "ui.ssh=ssh -o BatchMode=yes",
}

// hg runs an hg command in the working copy.
func (h *Hg) hg(ctx context.Context, op string, args ...string) ([]byte, error) {
	return h.run.Run(ctx, op, append(append([]string{}, globalArgs...), args...)...)
}

// Name returns the VCS type (hg)
func (h *Hg) Name() vcs.Type {
	return vcs.TypeHg
}

// Version returns the Mercurial version banner
func (h *Hg) Version() (string, error) {
	output, err := h.run.Run(context.Background(), "version", "--version", "--quiet")
	if err != nil {
		return "", fmt.Errorf("failed to get hg version: %w", err)
	}
	first, _, _ := strings.Cut(vcs.TrimOutput(output), "\n")
	return first, nil
}

// Root returns the working copy root
func (h *Hg) Root() string {
	return h.repoRoot
}

// MetaDir returns the .hg directory path
func (h *Hg) MetaDir() string {
	return h.hgDir
}

// ensureDefaultPath writes url as paths.default unless one is configured
func (h *Hg) ensureDefaultPath(ctx context.Context, url string) error {
	if _, err := h.hg(ctx, "paths", "paths", "default"); err == nil {
		return nil
	}

	hgrc := filepath.Join(h.hgDir, "hgrc")
	f, err := os.OpenFile(hgrc, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return vcs.NewError(vcs.KindGeneric, "paths", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "\n[paths]\ndefault = %s\n", strings.TrimSpace(url)); err != nil {
		return vcs.NewError(vcs.KindGeneric, "paths", err)
	}
	return nil
}
