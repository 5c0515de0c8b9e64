package git

import (
	"context"
	"os"
	"path/filepath"

	"github.com/steveyegge/foldersync/internal/vcs"
)

// init registers the git backend with the factory.
// This is called automatically when the package is imported:
//
//	import _ "github.com/steveyegge/foldersync/internal/vcs/git"
func init() {
	vcs.Register(vcs.TypeGit, func(opts vcs.Options) (vcs.Backend, error) {
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
		Binary:  "git",
		Dir:     parent,
		Env:     environment(opts),
		Timeout: opts.CommandTimeout,
		Logger:  opts.Logger,
	}
	_, err := r.Run(ctx, "clone", "clone", "--origin", vcs.DefaultRemote, url, dest)
	return err
}
