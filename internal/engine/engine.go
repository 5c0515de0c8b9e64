// Package engine implements the per-folder sync state machine.
//
// One Engine owns one working tree. It listens to the folder's watcher,
// waits for bursts of activity to settle, commits and pushes local
// changes, and fetches and merges remote ones when the announcer reports a
// new revision or the poll timer fires.
//
// All sync work runs on a single worker goroutine started by Serve, so two
// syncs of the same folder never overlap. Everything else (watcher
// callbacks, announcer callbacks, ForceRetry, status getters) only signals
// the worker or reads state under a short lock.
//
// Engine implements suture.Service.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/steveyegge/foldersync/internal/announce"
	"github.com/steveyegge/foldersync/internal/metadata"
	"github.com/steveyegge/foldersync/internal/vcs"
	"github.com/steveyegge/foldersync/internal/watcher"
)

// ErrAlreadyRunning is returned by Serve when the worker is already running
var ErrAlreadyRunning = errors.New("engine already running")

// Engine is the sync state machine of one folder.
type Engine struct {
	name      string
	opts      Options
	backend   vcs.Backend
	watcher   Watcher
	announcer announce.Announcer
	meta      *metadata.Metadata
	logger    *slog.Logger

	observers      observers
	removeListener func()

	// worker wakeups, each buffered 1 and sent without blocking
	activity  chan struct{}
	announced chan struct{}
	retry     chan struct{}

	running atomic.Bool

	mu           sync.Mutex
	status       Status
	errorStatus  ErrorStatus
	buffering    bool
	unsynced     bool
	pollInterval time.Duration
	lastPoll     time.Time
	nextPoll     time.Time
	changeSets   []vcs.ChangeSet
	percent      float64
	speed        string
	lastSync     time.Time
	pending      *announce.Announcement

	// owned by the worker goroutine
	window        []int64
	watcherPauses int
	deferred      bool
}

// New creates an engine. The identifier file is created in the working
// tree if it does not exist yet. Call Serve to start syncing.
func New(opts Options) (*Engine, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}

	meta, err := metadata.Open(opts.Backend.Root(), opts.Backend.MetaDir())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		name:         opts.Name,
		opts:         opts,
		backend:      opts.Backend,
		watcher:      opts.Watcher,
		announcer:    opts.Announcer,
		meta:         meta,
		logger:       opts.Logger.With("folder", opts.Name),
		activity:     make(chan struct{}, 1),
		announced:    make(chan struct{}, 1),
		retry:        make(chan struct{}, 1),
		unsynced:     meta.Unsynced(),
		pollInterval: opts.PollShort,
	}

	if e.announcer != nil {
		if e.announcer.IsConnected() {
			e.pollInterval = opts.PollLong
		}
		e.removeListener = e.announcer.AddListener(announceListener{e})
		e.announcer.Subscribe(meta.Identifier())
	}
	e.watcher.SetHandler(e.onFileActivity)

	registerFolderMetrics(e.name)
	metricUnsynced.WithLabelValues(e.name).Set(boolGauge(e.unsynced))

	return e, nil
}

// String names the engine in supervisor logs
func (e *Engine) String() string {
	return "engine/" + e.name
}

// ===================
// Accessors
// ===================

func (e *Engine) Name() string         { return e.name }
func (e *Engine) Identifier() string   { return e.meta.Identifier() }
func (e *Engine) Root() string         { return e.backend.Root() }
func (e *Engine) Backend() vcs.Backend { return e.backend }

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) ErrorStatus() ErrorStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errorStatus
}

// IsBuffering reports whether unsettled activity is pending
func (e *Engine) IsBuffering() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffering
}

// HasUnsyncedChanges reports whether a local commit may not have been pushed
func (e *Engine) HasUnsyncedChanges() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unsynced
}

func (e *Engine) PollInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pollInterval
}

// ChangeSets returns the most recent change sets, newest first.
// The slice is replaced after every sync and must not be modified.
func (e *Engine) ChangeSets() []vcs.ChangeSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changeSets
}

// State is a point-in-time summary of an engine
type State struct {
	Name               string         `json:"name"`
	Identifier         string         `json:"identifier"`
	Root               string         `json:"root"`
	Backend            vcs.Type       `json:"backend"`
	Status             Status         `json:"status"`
	ErrorStatus        ErrorStatus    `json:"error_status"`
	Buffering          bool           `json:"buffering"`
	HasUnsyncedChanges bool           `json:"has_unsynced_changes"`
	PollInterval       string         `json:"poll_interval"`
	Progress           float64        `json:"progress"`
	Speed              string         `json:"speed,omitempty"`
	LastSync           time.Time      `json:"last_sync,omitempty"`
	LastChangeSet      *vcs.ChangeSet `json:"last_change_set,omitempty"`
	AnnouncerConnected bool           `json:"announcer_connected"`
}

// State returns a snapshot of the engine
func (e *Engine) State() State {
	e.mu.Lock()
	s := State{
		Name:               e.name,
		Identifier:         e.meta.Identifier(),
		Root:               e.backend.Root(),
		Backend:            e.backend.Name(),
		Status:             e.status,
		ErrorStatus:        e.errorStatus,
		Buffering:          e.buffering,
		HasUnsyncedChanges: e.unsynced,
		PollInterval:       e.pollInterval.String(),
		Progress:           e.percent,
		Speed:              e.speed,
		LastSync:           e.lastSync,
	}
	if len(e.changeSets) > 0 {
		cs := e.changeSets[0]
		s.LastChangeSet = &cs
	}
	e.mu.Unlock()

	if e.announcer != nil {
		s.AnnouncerConnected = e.announcer.IsConnected()
	}
	return s
}

// Subscribe registers an observer. The returned function removes it and
// may be called from inside the observer.
func (e *Engine) Subscribe(o Observer) (cancel func()) {
	return e.observers.add(o)
}

// ForceRetry asks the worker to retry after a failure. It returns false,
// and does nothing, when there is no error or a sync is running.
func (e *Engine) ForceRetry() bool {
	e.mu.Lock()
	ok := e.errorStatus != ErrorNone && !e.status.IsSyncing()
	e.mu.Unlock()
	if !ok {
		return false
	}
	signal(e.retry)
	return true
}

// Close detaches the engine from its announcer and closes the watcher.
// Serve must have returned.
func (e *Engine) Close() error {
	if e.removeListener != nil {
		e.removeListener()
	}
	unregisterFolderMetrics(e.name)
	return e.watcher.Close()
}

// ===================
// Worker
// ===================

// Serve runs the worker until ctx is cancelled. A sync in progress when
// ctx is cancelled runs to completion before Serve returns.
func (e *Engine) Serve(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	// backend calls are not interrupted by shutdown
	work := context.WithoutCancel(ctx)

	e.logger.Info("engine started", "root", e.backend.Root(), "backend", e.backend.Name())
	defer e.logger.Info("engine stopped")

	e.startup(ctx, work)

	tick := time.NewTicker(e.opts.TickInterval)
	defer tick.Stop()

	var settle *time.Ticker
	var settleC <-chan time.Time
	stopSettle := func() {
		if settle != nil {
			settle.Stop()
			settle, settleC = nil, nil
		}
	}
	defer stopSettle()

	for {
		if ctx.Err() != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil

		case <-e.activity:
			if settle == nil {
				e.startBuffering()
				settle = time.NewTicker(e.opts.SettleInterval)
				settleC = settle.C
			}

		case <-settleC:
			if e.sample() {
				stopSettle()
				e.settled(ctx, work)
			}

		case <-tick.C:
			e.pollTick(work)

		case <-e.announced:
			e.onAnnouncement(work)

		case <-e.retry:
			e.forceRetry(work)
		}
	}
}

func (e *Engine) onFileActivity(watcher.Event) {
	signal(e.activity)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// announceListener adapts the engine to announce.Listener
type announceListener struct{ e *Engine }

func (l announceListener) Connected() {
	l.e.logger.Debug("announcer connected")
	l.e.setPollInterval(l.e.opts.PollLong)
}

func (l announceListener) Disconnected(err error) {
	l.e.logger.Debug("announcer disconnected, polling more often", "error", err)
	l.e.setPollInterval(l.e.opts.PollShort)
}

func (l announceListener) AnnouncementReceived(a announce.Announcement) {
	if a.FolderID != l.e.meta.Identifier() {
		return
	}
	l.e.mu.Lock()
	l.e.pending = &a
	l.e.mu.Unlock()
	signal(l.e.announced)
}

// ===================
// State changes
// ===================

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	if e.status == s {
		e.mu.Unlock()
		return
	}
	e.status = s
	if !s.IsSyncing() {
		e.percent, e.speed = 0, ""
	}
	e.mu.Unlock()

	metricStatus.WithLabelValues(e.name).Set(float64(s))
	e.logger.Debug("status changed", "status", s)
	e.emit(Event{Type: EventSyncStatusChanged})
}

func (e *Engine) setUnsynced(pending bool) {
	e.mu.Lock()
	e.unsynced = pending
	e.mu.Unlock()

	metricUnsynced.WithLabelValues(e.name).Set(boolGauge(pending))
	if err := e.meta.SetUnsynced(pending); err != nil {
		e.logger.Warn("failed to persist unsynced flag", "error", err)
	}
}

func (e *Engine) setPollInterval(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pollInterval = d
	if !e.lastPoll.IsZero() {
		e.nextPoll = e.lastPoll.Add(d)
	}
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	ev.Folder = e.name
	ev.Time = time.Now()
	ev.Status = e.status
	ev.ErrorStatus = e.errorStatus
	e.mu.Unlock()

	e.observers.dispatch(ev)
}

func (e *Engine) isLocalAuthor(a vcs.Author) bool {
	if e.opts.UserEmail != "" && a.Email != "" {
		return strings.EqualFold(e.opts.UserEmail, a.Email)
	}
	return a.Name == e.opts.UserName
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
