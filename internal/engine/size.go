package engine

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/steveyegge/foldersync/internal/watcher"
)

// treeSize sums the sizes of all files under root that filter does not
// exclude. Files vanishing during the walk are ignored.
func treeSize(root string, filter *watcher.Filter) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path != root && filter != nil && filter.Excluded(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
