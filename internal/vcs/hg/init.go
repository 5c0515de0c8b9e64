package hg

import (
	"context"
	"os"
	"path/filepath"

	"github.com/steveyegge/foldersync/internal/vcs"
)

// init registers the Mercurial backend with the factory.
func init() {
	vcs.Register(vcs.TypeHg, func(opts vcs.Options) (vcs.Backend, error) {
		return New(opts)
	}, Clone)
}

// Clone clones url into dest.
func Clone(ctx context.Context, url, dest string, opts vcs.Options) error {
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}

	r := &vcs.Runner{
		Binary:  "hg",
		Dir:     parent,
		Env:     environment(opts),
		Timeout: opts.CommandTimeout,
		Logger:  opts.Logger,
	}
	args := append(append([]string{}, globalArgs...), "clone", url, dest)
	_, err := r.Run(ctx, "clone", args...)
	return err
}
