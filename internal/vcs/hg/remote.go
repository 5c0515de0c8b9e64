package hg

import (
	"context"
	"regexp"
	"strconv"

	"github.com/steveyegge/foldersync/internal/vcs"
)

var fractionRE = regexp.MustCompile(`([0-9]+)/([0-9]+)`)

// progressArgs make hg print progress bars to a pipe
var progressArgs = []string{
	"--config", "progress.assume-tty=true",
	"--config", "progress.delay=0",
	"--config", "progress.format=topic number",
}

// progressReporter converts "topic n/m" progress lines to percentages
func progressReporter(progress vcs.ProgressFunc) func(string) {
	if progress == nil {
		return nil
	}
	return func(line string) {
		if percent, speed, ok := vcs.ParseProgress(line); ok {
			progress(percent, speed)
			return
		}
		m := fractionRE.FindStringSubmatch(line)
		if m == nil {
			return
		}
		n, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		if total > 0 && n <= total {
			progress(float64(n)*100/float64(total), "")
		}
	}
}

// stream runs a long hg command, reporting progress
func (h *Hg) stream(ctx context.Context, op string, progress vcs.ProgressFunc, args ...string) error {
	full := append(append(append([]string{}, globalArgs...), progressArgs...), args...)
	return h.run.Stream(ctx, op, progressReporter(progress), full...)
}

// Push pushes outgoing changesets to the default path.
// hg exits 1 when there is nothing to push; that is not an error.
func (h *Hg) Push(ctx context.Context, progress vcs.ProgressFunc) error {
	err := h.stream(ctx, "push", progress, "push", "--new-branch")
	if err != nil && vcs.GetExitCode(unwrapExit(err)) == 1 && vcs.KindOf(err) == vcs.KindGeneric {
		return nil
	}
	return err
}

// Fetch pulls remote changesets without updating the working copy
func (h *Hg) Fetch(ctx context.Context, progress vcs.ProgressFunc) error {
	return h.stream(ctx, "fetch", progress, "pull")
}

// HasRemoteChanges returns true if the default path has incoming changesets.
// hg incoming exits 1 when there are none.
func (h *Hg) HasRemoteChanges(ctx context.Context) (bool, error) {
	_, err := h.hg(ctx, "incoming", "incoming", "--quiet", "--template", "{node}\n")
	if err == nil {
		return true, nil
	}
	if vcs.GetExitCode(unwrapExit(err)) == 1 && vcs.KindOf(err) == vcs.KindGeneric {
		return false, nil
	}
	return false, err
}
