package engine

import (
	"golang.org/x/time/rate"

	"github.com/steveyegge/foldersync/internal/vcs"
)

// progressFunc returns a callback for one transfer. ProgressChanged is
// throttled to one event per ProgressInterval and never reports 100%
// before the transfer's terminal status event.
func (e *Engine) progressFunc() vcs.ProgressFunc {
	limiter := &rate.Sometimes{Interval: e.opts.ProgressInterval}

	return func(percent float64, speed string) {
		percent = clampProgress(percent)

		e.mu.Lock()
		e.percent, e.speed = percent, speed
		e.mu.Unlock()

		limiter.Do(func() {
			e.emit(Event{Type: EventProgressChanged, Percent: percent, Speed: speed})
		})
	}
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 99:
		return 99
	default:
		return p
	}
}
