// Package registry runs one sync engine per configured folder.
//
// Engines are services of a suture supervisor, so a panicking or failing
// engine is restarted without affecting its siblings. Folders that share
// an announcement endpoint share one announcer connection.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/thejerf/suture/v4"

	"github.com/steveyegge/foldersync/internal/announce"
	"github.com/steveyegge/foldersync/internal/config"
	"github.com/steveyegge/foldersync/internal/engine"
	"github.com/steveyegge/foldersync/internal/history"
	"github.com/steveyegge/foldersync/internal/metadata"
	"github.com/steveyegge/foldersync/internal/vcs"
	"github.com/steveyegge/foldersync/internal/watcher"
)

var (
	// ErrNotStarted is returned by Add before Start
	ErrNotStarted = errors.New("registry not started")

	// ErrDuplicateFolder is returned by Add for a name already running
	ErrDuplicateFolder = errors.New("folder already running")

	// ErrUnknownFolder is returned for a name that is not running
	ErrUnknownFolder = errors.New("unknown folder")
)

// stopTimeout bounds how long Remove waits for an engine's current sync.
const stopTimeout = 5 * time.Minute

// Deps are the collaborators of a Registry. Only Logger is commonly set;
// the constructors default to the real implementations.
type Deps struct {
	Logger *slog.Logger

	// History records engine events and change sets. Optional.
	History *history.DB

	// Announcers creates announcers per endpoint. Default TCP.
	Announcers announce.Factory

	// OpenBackend defaults to vcs.Open
	OpenBackend func(vcs.Options) (vcs.Backend, error)

	// NewWatcher defaults to watcher.New
	NewWatcher func(root string, filter *watcher.Filter, logger *slog.Logger) (engine.Watcher, error)

	// Tune adjusts engine options before each engine is created
	Tune func(*engine.Options)
}

// Registry owns the engines of all folders
type Registry struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	sup        *suture.Supervisor
	announcers *announce.Registry

	engines  *xsync.MapOf[string, *entry]
	failures *xsync.MapOf[string, error]

	// serializes Add and Remove
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    <-chan error
}

type entry struct {
	engine     *engine.Engine
	token      suture.ServiceToken
	endpoint   string
	identifier string
	unobserve  func()
}

// New creates a registry for cfg. Call Start to run the configured folders.
func New(cfg *config.Config, deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Announcers == nil {
		tcp := announce.DefaultTCPConfig()
		if cfg.Announcements.PingInterval > 0 {
			tcp.PingInterval = cfg.Announcements.PingInterval
		}
		if cfg.Announcements.PingTimeout > 0 {
			tcp.PingTimeout = cfg.Announcements.PingTimeout
		}
		tcp.Logger = deps.Logger
		deps.Announcers = announce.TCPFactory(tcp)
	}
	if deps.OpenBackend == nil {
		deps.OpenBackend = vcs.Open
	}
	if deps.NewWatcher == nil {
		deps.NewWatcher = func(root string, filter *watcher.Filter, logger *slog.Logger) (engine.Watcher, error) {
			return watcher.New(root, filter, logger)
		}
	}

	r := &Registry{
		cfg:        cfg,
		deps:       deps,
		logger:     deps.Logger,
		announcers: announce.NewRegistry(deps.Announcers),
		engines:    xsync.NewMapOf[string, *entry](),
		failures:   xsync.NewMapOf[string, error](),
	}
	r.sup = suture.New("registry", suture.Spec{
		EventHook: r.supervisorEvent,
		Timeout:   stopTimeout,
	})
	return r
}

func (r *Registry) supervisorEvent(ev suture.Event) {
	switch ev.Type() {
	case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
		r.logger.Warn("engine terminated", "event", ev.String())
	case suture.EventTypeBackoff:
		r.logger.Warn("engine restarts backing off", "event", ev.String())
	default:
		r.logger.Debug("supervisor event", "event", ev.String())
	}
}

// Start runs the supervisor and adds every configured folder. A folder
// that fails to start is logged and skipped; the joined errors are
// returned but the other folders keep running.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("registry already started")
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = r.sup.ServeBackground(ctx)
	r.started = true
	r.mu.Unlock()

	var errs []error
	for _, f := range r.cfg.Folders {
		if err := r.Add(f); err != nil {
			r.logger.Error("folder skipped", "folder", f.Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Add creates and starts the engine for f.
func (r *Registry) Add(f config.Folder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return ErrNotStarted
	}
	if _, ok := r.engines.Load(f.Name); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFolder, f.Name)
	}

	e, err := r.open(f)
	if err != nil {
		err = fmt.Errorf("folder %s: %w", f.Name, err)
		r.failures.Store(f.Name, err)
		return err
	}
	r.failures.Delete(f.Name)

	e.token = r.sup.Add(e.engine)
	r.engines.Store(f.Name, e)
	r.logger.Info("folder added", "folder", f.Name, "root", e.engine.Root(), "identifier", e.identifier)
	return nil
}

func (r *Registry) open(f config.Folder) (*entry, error) {
	logger := r.logger.With("folder", f.Name)

	filter, err := watcher.NewFilter(f.Path, f.Exclude)
	if err != nil {
		return nil, err
	}

	backend, err := r.deps.OpenBackend(vcs.Options{
		Root:      f.Path,
		Type:      vcs.Type(f.Backend),
		Remote:    f.Remote,
		UserName:  r.cfg.User.Name,
		UserEmail: r.cfg.User.Email,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	w, err := r.deps.NewWatcher(backend.Root(), filter, logger)
	if err != nil {
		return nil, err
	}

	meta, err := metadata.Open(backend.Root(), backend.MetaDir())
	if err != nil {
		w.Close()
		return nil, err
	}

	e := &entry{
		endpoint:   r.cfg.AnnouncementEndpoint(f),
		identifier: meta.Identifier(),
	}

	var announcer announce.Announcer
	if e.endpoint != "" {
		announcer, err = r.announcers.Acquire(e.endpoint, e.identifier)
		if err != nil {
			w.Close()
			return nil, err
		}
	}

	opts := engine.Options{
		Name:         f.Name,
		Backend:      backend,
		Watcher:      w,
		Announcer:    announcer,
		UserName:     r.cfg.User.Name,
		UserEmail:    r.cfg.User.Email,
		MinFreeBytes: r.cfg.Sync.MinFreeBytes,
		LogLimit:     r.cfg.Sync.LogLimit,
		Logger:       r.logger,
	}
	if r.deps.Tune != nil {
		r.deps.Tune(&opts)
	}

	eng, err := engine.New(opts)
	if err != nil {
		w.Close()
		if announcer != nil {
			r.announcers.Release(e.endpoint, e.identifier)
		}
		return nil, err
	}
	e.engine = eng

	if r.deps.History != nil {
		e.unobserve = eng.Subscribe(recorder(r.deps.History, eng, logger))
	}
	return e, nil
}

// Remove stops the engine of the named folder, waiting for a running sync
// to finish.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures.Delete(name)
	e, ok := r.engines.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFolder, name)
	}
	return r.stop(name, e)
}

func (r *Registry) stop(name string, e *entry) error {
	err := r.sup.RemoveAndWait(e.token, stopTimeout)
	if errors.Is(err, suture.ErrSupervisorNotRunning) {
		err = nil
	}
	if e.unobserve != nil {
		e.unobserve()
	}
	if cerr := e.engine.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if e.endpoint != "" {
		r.announcers.Release(e.endpoint, e.identifier)
	}
	r.logger.Info("folder removed", "folder", name)
	return err
}

// Engine returns the engine of the named folder.
func (r *Registry) Engine(name string) (*engine.Engine, bool) {
	e, ok := r.engines.Load(name)
	if !ok {
		return nil, false
	}
	return e.engine, true
}

// Engines returns all running engines sorted by name.
func (r *Registry) Engines() []*engine.Engine {
	var out []*engine.Engine
	r.engines.Range(func(_ string, e *entry) bool {
		out = append(out, e.engine)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// States returns a snapshot of every running engine, sorted by name.
func (r *Registry) States() []engine.State {
	engines := r.Engines()
	out := make([]engine.State, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.State())
	}
	return out
}

// ForceRetry asks the named folder's engine to retry after an error.
// It reports whether a retry was scheduled.
func (r *Registry) ForceRetry(name string) (bool, error) {
	e, ok := r.engines.Load(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownFolder, name)
	}
	return e.engine.ForceRetry(), nil
}

// Failures returns the folders that could not be started, with the reason.
func (r *Registry) Failures() map[string]error {
	out := make(map[string]error)
	r.failures.Range(func(name string, err error) bool {
		out[name] = err
		return true
	})
	return out
}

// Subscribe registers o with every running engine. The returned function
// removes it again. Engines added later are not included.
func (r *Registry) Subscribe(o engine.Observer) (cancel func()) {
	var cancels []func()
	for _, e := range r.Engines() {
		cancels = append(cancels, e.Subscribe(o))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

// Stop removes every engine and stops the supervisor.
func (r *Registry) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}

	var errs []error
	r.engines.Range(func(name string, e *entry) bool {
		r.engines.Delete(name)
		if err := r.stop(name, e); err != nil {
			errs = append(errs, fmt.Errorf("folder %s: %w", name, err))
		}
		return true
	})

	r.cancel()
	if err := <-r.done; err != nil {
		r.logger.Debug("supervisor stopped", "error", err)
	}
	r.announcers.Close()
	r.started = false
	return errors.Join(errs...)
}

// recorder stores status changes and change sets in the history database.
func recorder(db *history.DB, eng *engine.Engine, logger *slog.Logger) engine.Observer {
	return func(ev engine.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var err error
		switch ev.Type {
		case engine.EventSyncStatusChanged:
			detail := ""
			if ev.ErrorStatus != engine.ErrorNone {
				detail = ev.ErrorStatus.String()
			}
			err = db.RecordEvent(ctx, history.Event{
				Folder: ev.Folder,
				Type:   string(ev.Type),
				Status: ev.Status.String(),
				Detail: detail,
				At:     ev.Time,
			})
		case engine.EventConflictResolved:
			err = db.RecordEvent(ctx, history.Event{
				Folder: ev.Folder,
				Type:   string(ev.Type),
				Detail: fmt.Sprintf("%d conflicting files kept", len(ev.Renamed)),
				At:     ev.Time,
			})
		case engine.EventPushingFinished, engine.EventNewChangeSet:
			err = db.RecordChangeSets(ctx, ev.Folder, eng.ChangeSets())
		}
		if err != nil {
			logger.Warn("failed to record history", "event", ev.Type, "error", err)
		}
	}
}
