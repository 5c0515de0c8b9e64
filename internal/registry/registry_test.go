package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/foldersync/internal/announce"
	"github.com/steveyegge/foldersync/internal/config"
	"github.com/steveyegge/foldersync/internal/engine"
	"github.com/steveyegge/foldersync/internal/history"
	"github.com/steveyegge/foldersync/internal/vcs"
	"github.com/steveyegge/foldersync/internal/watcher"
)

// stubBackend has no local changes. When remote is set, the first fetch
// moves it to revision "r2" authored by someone else.
type stubBackend struct {
	root, metaDir string

	mu     sync.Mutex
	rev    string
	remote bool
	polls  int
}

func newStubBackend(opts vcs.Options) (vcs.Backend, error) {
	if _, err := os.Stat(opts.Root); err != nil {
		return nil, fmt.Errorf("%w: %v", vcs.ErrNotInVCS, err)
	}
	meta := filepath.Join(opts.Root, ".git")
	if err := os.MkdirAll(meta, 0755); err != nil {
		return nil, err
	}
	return &stubBackend{root: opts.Root, metaDir: meta, rev: "r1"}, nil
}

func (b *stubBackend) Name() vcs.Type           { return vcs.TypeGit }
func (b *stubBackend) Version() (string, error) { return "git version 2.43.0", nil }
func (b *stubBackend) Root() string             { return b.root }
func (b *stubBackend) MetaDir() string          { return b.metaDir }

func (b *stubBackend) StageAll(context.Context) error { return nil }
func (b *stubBackend) Commit(context.Context, string) (string, bool, error) {
	return "", false, nil
}
func (b *stubBackend) Push(context.Context, vcs.ProgressFunc) error  { return nil }
func (b *stubBackend) Fetch(context.Context, vcs.ProgressFunc) error { return nil }

func (b *stubBackend) MergeOrRebase(context.Context) (vcs.MergeOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remote {
		b.rev, b.remote = "r2", false
		return vcs.MergeOutcome{Kind: vcs.MergeMerged}, nil
	}
	return vcs.MergeOutcome{Kind: vcs.MergeUpToDate}, nil
}

func (b *stubBackend) CurrentRevision(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rev, nil
}

func (b *stubBackend) Log(context.Context, int) ([]vcs.ChangeSet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return []vcs.ChangeSet{{
		Revision:  b.rev,
		Author:    vcs.Author{Name: "Bob", Email: "bob@example.com"},
		Timestamp: time.Unix(1700000000, 0),
		Message:   "+ ‘a.txt’",
		Changes:   []vcs.Change{{Kind: vcs.ChangeAdded, Path: "a.txt"}},
	}}, nil
}

func (b *stubBackend) HasLocalChanges(context.Context) (bool, error) { return false, nil }

func (b *stubBackend) HasRemoteChanges(context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	return b.remote, nil
}

func (b *stubBackend) pollCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

func (b *stubBackend) Status(context.Context) ([]vcs.FileStatus, error) { return nil, nil }

// stubAnnouncer never connects
type stubAnnouncer struct {
	endpoint string

	mu     sync.Mutex
	topics []string
	closed bool
}

func (a *stubAnnouncer) Connect()                             {}
func (a *stubAnnouncer) IsConnected() bool                    { return false }
func (a *stubAnnouncer) IsConnecting() bool                   { return false }
func (a *stubAnnouncer) Announce(announce.Announcement)       {}
func (a *stubAnnouncer) AddListener(announce.Listener) func() { return func() {} }
func (a *stubAnnouncer) Endpoint() string                     { return a.endpoint }

func (a *stubAnnouncer) Subscribe(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.topics = append(a.topics, id)
}

func (a *stubAnnouncer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *stubAnnouncer) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

type announcerFactory struct {
	mu      sync.Mutex
	created map[string]*stubAnnouncer
}

func (f *announcerFactory) create(endpoint string) (announce.Announcer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created == nil {
		f.created = make(map[string]*stubAnnouncer)
	}
	a := &stubAnnouncer{endpoint: endpoint}
	f.created[endpoint] = a
	return a, nil
}

func (f *announcerFactory) get(endpoint string) *stubAnnouncer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[endpoint]
}

func testConfig(t *testing.T, names ...string) *config.Config {
	t.Helper()
	cfg := &config.Config{User: config.User{Name: "Ada", Email: "ada@example.com"}}
	for _, name := range names {
		dir := filepath.Join(t.TempDir(), name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		cfg.Folders = append(cfg.Folders, config.Folder{Name: name, Path: dir})
	}
	return cfg
}

func fastEngines(o *engine.Options) {
	o.SettleInterval = 5 * time.Millisecond
	o.TickInterval = 10 * time.Millisecond
	o.PollShort = time.Hour
	o.PollLong = time.Hour
}

func startRegistry(t *testing.T, cfg *config.Config, deps Deps) (*Registry, error) {
	t.Helper()
	if deps.OpenBackend == nil {
		deps.OpenBackend = newStubBackend
	}
	deps.Tune = fastEngines
	r := New(cfg, deps)
	err := r.Start(context.Background())
	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return r, err
}

func TestStartSkipsBrokenFolder(t *testing.T) {
	cfg := testConfig(t, "docs")
	cfg.Folders = append(cfg.Folders, config.Folder{
		Name: "gone",
		Path: filepath.Join(t.TempDir(), "does-not-exist"),
	})

	r, err := startRegistry(t, cfg, Deps{})
	if err == nil {
		t.Fatal("expected an error for the missing folder")
	}

	if _, ok := r.Engine("docs"); !ok {
		t.Error("docs was not started")
	}
	if _, ok := r.Engine("gone"); ok {
		t.Error("gone should have been skipped")
	}
	if failures := r.Failures(); failures["gone"] == nil || len(failures) != 1 {
		t.Errorf("Failures() = %v", failures)
	}
}

// waitPolled waits until the engine's worker has polled the remote
func waitPolled(t *testing.T, eng *engine.Engine) {
	t.Helper()
	b := eng.Backend().(*stubBackend)
	deadline := time.Now().Add(5 * time.Second)
	for b.pollCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%s never polled", eng.Name())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWatchSetupFailureIsPerFolder(t *testing.T) {
	cfg := testConfig(t, "docs", "broken", "photos")
	broken := cfg.Folders[1].Path

	newWatcher := func(root string, filter *watcher.Filter, logger *slog.Logger) (engine.Watcher, error) {
		if root == broken {
			return nil, fmt.Errorf("%w: too many open files", watcher.ErrWatchSetup)
		}
		return watcher.New(root, filter, logger)
	}

	r, err := startRegistry(t, cfg, Deps{NewWatcher: newWatcher})
	if !errors.Is(err, watcher.ErrWatchSetup) {
		t.Fatalf("Start error = %v, want ErrWatchSetup", err)
	}

	failures := r.Failures()
	if len(failures) != 1 || !errors.Is(failures["broken"], watcher.ErrWatchSetup) {
		t.Errorf("Failures() = %v", failures)
	}
	if _, ok := r.Engine("broken"); ok {
		t.Error("broken should have been skipped")
	}
	for _, name := range []string{"docs", "photos"} {
		eng, ok := r.Engine(name)
		if !ok {
			t.Fatalf("%s was not started", name)
		}
		waitPolled(t, eng)
	}
}

func TestAddAndRemove(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg, Deps{OpenBackend: newStubBackend, Tune: fastEngines})

	folder := testConfig(t, "notes").Folders[0]
	if err := r.Add(folder); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Add before Start: %v", err)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	if err := r.Add(folder); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := r.Add(folder); !errors.Is(err, ErrDuplicateFolder) {
		t.Errorf("duplicate Add: %v", err)
	}
	if got := len(r.Engines()); got != 1 {
		t.Errorf("Engines() has %d entries", got)
	}

	if err := r.Remove("notes"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := r.Engine("notes"); ok {
		t.Error("engine still registered after Remove")
	}
	if err := r.Remove("notes"); !errors.Is(err, ErrUnknownFolder) {
		t.Errorf("second Remove: %v", err)
	}

	// a removed folder can be added again
	if err := r.Add(folder); err != nil {
		t.Errorf("re-Add failed: %v", err)
	}
}

func TestFoldersShareAnnouncer(t *testing.T) {
	cfg := testConfig(t, "a", "b", "c")
	cfg.Announcements.URL = "tcp://relay.example.com:443"
	cfg.Folders[2].AnnouncementsURL = "tcp://other.example.com:9999"

	factory := &announcerFactory{}
	r, err := startRegistry(t, cfg, Deps{Announcers: factory.create})
	if err != nil {
		t.Fatal(err)
	}

	shared := factory.get("tcp://relay.example.com:443")
	other := factory.get("tcp://other.example.com:9999")
	if shared == nil || other == nil {
		t.Fatalf("announcers created: %v", factory.created)
	}
	if len(factory.created) != 2 {
		t.Errorf("created %d announcers, want 2", len(factory.created))
	}

	ea, _ := r.Engine("a")
	eb, _ := r.Engine("b")
	shared.mu.Lock()
	topics := append([]string(nil), shared.topics...)
	shared.mu.Unlock()
	if !contains(topics, ea.Identifier()) || !contains(topics, eb.Identifier()) {
		t.Errorf("shared announcer topics = %v", topics)
	}

	if err := r.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if shared.isClosed() {
		t.Error("shared announcer closed while b still uses it")
	}
	if err := r.Remove("b"); err != nil {
		t.Fatal(err)
	}
	if !shared.isClosed() {
		t.Error("shared announcer not closed after last folder removed")
	}
	if other.isClosed() {
		t.Error("unrelated announcer closed")
	}
}

func TestHistoryRecordsSyncDown(t *testing.T) {
	db, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	open := func(opts vcs.Options) (vcs.Backend, error) {
		b, err := newStubBackend(opts)
		if err == nil {
			b.(*stubBackend).remote = true
		}
		return b, err
	}

	cfg := testConfig(t, "docs")
	if _, err := startRegistry(t, cfg, Deps{History: db, OpenBackend: open}); err != nil {
		t.Fatal(err)
	}

	ctx := t.Context()
	deadline := time.Now().Add(5 * time.Second)
	for {
		sets, err := db.ChangeSets(ctx, history.Query{Folder: "docs"})
		if err != nil {
			t.Fatal(err)
		}
		if len(sets) > 0 {
			if sets[0].Revision != "r2" || sets[0].Author.Name != "Bob" {
				t.Errorf("recorded %+v", sets[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("change set was not recorded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	events, err := db.Events(ctx, history.Query{Folder: "docs"})
	if err != nil {
		t.Fatal(err)
	}
	var sawSyncingDown bool
	for _, ev := range events {
		if ev.Type == string(engine.EventSyncStatusChanged) && ev.Status == engine.StatusSyncingDown.String() {
			sawSyncingDown = true
		}
	}
	if !sawSyncingDown {
		t.Errorf("events = %+v", events)
	}
}

func TestSubscribeAll(t *testing.T) {
	cfg := testConfig(t, "a", "b")
	r, err := startRegistry(t, cfg, Deps{})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	cancel := r.Subscribe(func(ev engine.Event) {
		mu.Lock()
		seen[ev.Folder] = true
		mu.Unlock()
	})
	defer cancel()

	for _, e := range r.Engines() {
		if err := os.WriteFile(filepath.Join(e.Root(), "x.txt"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("events seen for %v", seen)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func TestStatesAndForceRetry(t *testing.T) {
	cfg := testConfig(t, "b", "a")
	r, err := startRegistry(t, cfg, Deps{})
	if err != nil {
		t.Fatal(err)
	}

	states := r.States()
	if len(states) != 2 || states[0].Name != "a" || states[1].Name != "b" {
		t.Fatalf("States() = %+v", states)
	}

	retried, err := r.ForceRetry("a")
	if err != nil {
		t.Fatal(err)
	}
	if retried {
		t.Error("ForceRetry without an error should do nothing")
	}
	if _, err := r.ForceRetry("zzz"); !errors.Is(err, ErrUnknownFolder) {
		t.Errorf("ForceRetry unknown: %v", err)
	}
}
