package engine

import (
	"errors"
	"log/slog"
	"time"

	"github.com/steveyegge/foldersync/internal/announce"
	"github.com/steveyegge/foldersync/internal/vcs"
	"github.com/steveyegge/foldersync/internal/watcher"
)

// Watcher is the part of *watcher.Watcher the engine uses
type Watcher interface {
	SetHandler(h watcher.Handler)
	Enable()
	Disable()
	Filter() *watcher.Filter
	Close() error
}

// Options configures an Engine
type Options struct {
	// Name is the folder name, unique per registry
	Name string

	Backend vcs.Backend
	Watcher Watcher

	// Announcer is optional. Without one the engine polls every PollShort.
	Announcer announce.Announcer

	// UserName and UserEmail identify local commits
	UserName  string
	UserEmail string

	// MinFreeBytes fails a sync with DiskSpaceExceeded when less space is
	// free. Zero disables the check.
	MinFreeBytes uint64

	// LogLimit is the number of change sets kept. Default vcs.DefaultLogLimit.
	LogLimit int

	// SettleInterval and SettleSamples control the settle window.
	// Defaults 500ms and 4.
	SettleInterval time.Duration
	SettleSamples  int

	// TickInterval is the poll timer period. Default 5s.
	TickInterval time.Duration

	// PollShort and PollLong default to the package constants.
	PollShort time.Duration
	PollLong  time.Duration

	// ProgressInterval throttles ProgressChanged. Default 1s.
	ProgressInterval time.Duration

	// Sizer returns the tree size used by the settle window.
	// Default sums file sizes under the backend root, skipping excluded paths.
	Sizer func() (int64, error)

	Logger *slog.Logger
}

func (o *Options) setDefaults() error {
	if o.Name == "" {
		return errors.New("engine: folder name is required")
	}
	if o.Backend == nil {
		return errors.New("engine: backend is required")
	}
	if o.Watcher == nil {
		return errors.New("engine: watcher is required")
	}
	if o.LogLimit <= 0 {
		o.LogLimit = vcs.DefaultLogLimit
	}
	if o.SettleInterval <= 0 {
		o.SettleInterval = 500 * time.Millisecond
	}
	if o.SettleSamples <= 0 {
		o.SettleSamples = 4
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 5 * time.Second
	}
	if o.PollShort <= 0 {
		o.PollShort = PollShort
	}
	if o.PollLong <= 0 {
		o.PollLong = PollLong
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Sizer == nil {
		root, filter := o.Backend.Root(), o.Watcher.Filter()
		o.Sizer = func() (int64, error) { return treeSize(root, filter) }
	}
	return nil
}
