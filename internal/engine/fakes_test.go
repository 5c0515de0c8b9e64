package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveyegge/foldersync/internal/announce"
	"github.com/steveyegge/foldersync/internal/vcs"
	"github.com/steveyegge/foldersync/internal/watcher"
)

// fakeBackend is a scriptable vcs.Backend. The working tree "has local
// changes" while local is true; Commit clears it.
type fakeBackend struct {
	root    string
	metaDir string

	mu       sync.Mutex
	local    bool
	remote   string // revision the remote is at, "" = same as ours
	rev      string
	next     int
	statuses []vcs.FileStatus
	log      []vcs.ChangeSet
	stageErr error
	pushErrs []error
	fetchErr error
	outcome  vcs.MergeOutcome
	onMerge  func(b *fakeBackend)
	commits  []string
	calls    map[string]int
	progress []float64
	slowPush time.Duration

	// revFailsBeforeMerge makes CurrentRevision fail while a remote
	// revision is pending
	revFailsBeforeMerge bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	root := t.TempDir()
	metaDir := filepath.Join(root, ".git")
	if err := os.Mkdir(metaDir, 0755); err != nil {
		t.Fatal(err)
	}
	return &fakeBackend{root: root, metaDir: metaDir, rev: "rev0", calls: make(map[string]int)}
}

func (b *fakeBackend) enter(op string) func() {
	n := b.inFlight.Add(1)
	for {
		max := b.maxInFlight.Load()
		if n <= max || b.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	b.mu.Lock()
	b.calls[op]++
	b.mu.Unlock()
	return func() { b.inFlight.Add(-1) }
}

func (b *fakeBackend) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *fakeBackend) commitMessages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.commits...)
}

func (b *fakeBackend) setLocal(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.local = v
}

func (b *fakeBackend) Name() vcs.Type           { return vcs.TypeGit }
func (b *fakeBackend) Version() (string, error) { return "git version 2.43.0", nil }
func (b *fakeBackend) Root() string             { return b.root }
func (b *fakeBackend) MetaDir() string          { return b.metaDir }

func (b *fakeBackend) StageAll(ctx context.Context) error {
	defer b.enter("stage")()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stageErr
}

func (b *fakeBackend) Status(ctx context.Context) ([]vcs.FileStatus, error) {
	defer b.enter("status")()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statuses, nil
}

func (b *fakeBackend) Commit(ctx context.Context, message string) (string, bool, error) {
	defer b.enter("commit")()
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.local {
		return "", false, nil
	}
	b.local = false
	b.next++
	b.rev = fmt.Sprintf("local%d", b.next)
	b.commits = append(b.commits, message)
	return b.rev, true, nil
}

func (b *fakeBackend) Push(ctx context.Context, progress vcs.ProgressFunc) error {
	defer b.enter("push")()
	for _, p := range []float64{10, 50, 100} {
		progress(p, "1.0 MiB/s")
	}
	b.mu.Lock()
	slow := b.slowPush
	var err error
	if len(b.pushErrs) > 0 {
		err, b.pushErrs = b.pushErrs[0], b.pushErrs[1:]
	}
	b.mu.Unlock()
	time.Sleep(slow)
	return err
}

func (b *fakeBackend) Fetch(ctx context.Context, progress vcs.ProgressFunc) error {
	defer b.enter("fetch")()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetchErr
}

func (b *fakeBackend) MergeOrRebase(ctx context.Context) (vcs.MergeOutcome, error) {
	defer b.enter("merge")()
	b.mu.Lock()
	if b.remote != "" {
		b.rev = b.remote
		b.remote = ""
	}
	outcome, hook := b.outcome, b.onMerge
	b.outcome = vcs.MergeOutcome{}
	b.mu.Unlock()
	if hook != nil {
		hook(b)
	}
	return outcome, nil
}

func (b *fakeBackend) CurrentRevision(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.revFailsBeforeMerge && b.remote != "" {
		return "", vcs.NewError(vcs.KindGeneric, "rev-parse", errors.New("index.lock exists"))
	}
	return b.rev, nil
}

func (b *fakeBackend) Log(ctx context.Context, limit int) ([]vcs.ChangeSet, error) {
	defer b.enter("log")()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.log, nil
}

func (b *fakeBackend) HasLocalChanges(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.local, nil
}

func (b *fakeBackend) HasRemoteChanges(ctx context.Context) (bool, error) {
	defer b.enter("remote")()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remote != "", nil
}

// fakeWatcher lets tests deliver events by hand
type fakeWatcher struct {
	filter *watcher.Filter

	mu       sync.Mutex
	handler  watcher.Handler
	enabled  bool
	disables int
	closed   bool
}

func newFakeWatcher(t *testing.T, root string) *fakeWatcher {
	f, err := watcher.NewFilter(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &fakeWatcher{filter: f, enabled: true}
}

func (w *fakeWatcher) SetHandler(h watcher.Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

func (w *fakeWatcher) Enable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = true
}

func (w *fakeWatcher) Disable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = false
	w.disables++
}

func (w *fakeWatcher) Filter() *watcher.Filter { return w.filter }

func (w *fakeWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// touch delivers an event if enabled, like the real watcher
func (w *fakeWatcher) touch(path string) {
	w.mu.Lock()
	h, on := w.handler, w.enabled
	w.mu.Unlock()
	if on && h != nil {
		h(watcher.Event{Path: path, Op: watcher.OpModify})
	}
}

func (w *fakeWatcher) isEnabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

// fakeAnnouncer records announcements and exposes its listeners
type fakeAnnouncer struct {
	mu        sync.Mutex
	connected bool
	listeners []announce.Listener
	announced []announce.Announcement
	connects  int
}

func (a *fakeAnnouncer) Connect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
}

func (a *fakeAnnouncer) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *fakeAnnouncer) IsConnecting() bool { return false }

func (a *fakeAnnouncer) Announce(an announce.Announcement) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.announced = append(a.announced, an)
}

func (a *fakeAnnouncer) Subscribe(string) {}
func (a *fakeAnnouncer) Endpoint() string { return "tcp://fake:1" }
func (a *fakeAnnouncer) Close() error     { return nil }

func (a *fakeAnnouncer) AddListener(l announce.Listener) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, l)
	return func() {}
}

func (a *fakeAnnouncer) setConnected(v bool) {
	a.mu.Lock()
	a.connected = v
	ls := append([]announce.Listener(nil), a.listeners...)
	a.mu.Unlock()
	for _, l := range ls {
		if v {
			l.Connected()
		} else {
			l.Disconnected(announce.ErrAnnouncer)
		}
	}
}

func (a *fakeAnnouncer) receive(an announce.Announcement) {
	a.mu.Lock()
	ls := append([]announce.Listener(nil), a.listeners...)
	a.mu.Unlock()
	for _, l := range ls {
		l.AnnouncementReceived(an)
	}
}

func (a *fakeAnnouncer) announcements() []announce.Announcement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]announce.Announcement(nil), a.announced...)
}

// ===================
// Harness
// ===================

type harness struct {
	t         *testing.T
	backend   *fakeBackend
	watcher   *fakeWatcher
	announcer *fakeAnnouncer
	engine    *Engine
	events    chan Event
	cancel    context.CancelFunc

	recMu    sync.Mutex
	recorded []Event

	done chan struct{}
}

// newHarness builds an engine with fast timers. Polls only happen once,
// right after startup, unless opts overrides the intervals.
func newHarness(t *testing.T, configure func(*Options, *fakeBackend)) *harness {
	t.Helper()

	b := newFakeBackend(t)
	w := newFakeWatcher(t, b.root)
	a := &fakeAnnouncer{}

	opts := Options{
		Name:             "docs",
		Backend:          b,
		Watcher:          w,
		Announcer:        a,
		UserName:         "Ada",
		UserEmail:        "ada@example.com",
		SettleInterval:   5 * time.Millisecond,
		TickInterval:     10 * time.Millisecond,
		PollShort:        time.Hour,
		PollLong:         2 * time.Hour,
		ProgressInterval: time.Hour,
		Sizer:            func() (int64, error) { return 42, nil },
		Logger:           slog.New(slog.DiscardHandler),
	}
	if configure != nil {
		configure(&opts, b)
	}

	e, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	h := &harness{
		t:         t,
		backend:   b,
		watcher:   w,
		announcer: a,
		engine:    e,
		events:    make(chan Event, 256),
		done:      make(chan struct{}),
	}
	e.Subscribe(func(ev Event) { h.events <- ev })
	e.Subscribe(func(ev Event) {
		h.recMu.Lock()
		h.recorded = append(h.recorded, ev)
		h.recMu.Unlock()
	})
	return h
}

// count returns how many events of typ were dispatched so far
func (h *harness) count(typ EventType) int {
	h.recMu.Lock()
	defer h.recMu.Unlock()
	return countType(h.recorded, typ)
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		h.engine.Serve(ctx)
	}()
	h.t.Cleanup(h.stop)

	// the first tick polls the remote; wait for it so tests start quiet
	deadline := time.Now().Add(5 * time.Second)
	for h.backend.count("remote") == 0 {
		if time.Now().After(deadline) {
			h.t.Fatal("timed out waiting for the startup poll")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
	h.engine.Close()
}

// waitFor returns the first event of type typ, failing after a timeout
func (h *harness) waitFor(typ EventType) Event {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s", typ)
			return Event{}
		}
	}
}

// waitStatus waits for a SyncStatusChanged event with status s
func (h *harness) waitStatus(s Status) Event {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == EventSyncStatusChanged && ev.Status == s {
				return ev
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for status %s", s)
			return Event{}
		}
	}
}

// drain collects events for d
func (h *harness) drain(d time.Duration) []Event {
	var out []Event
	deadline := time.After(d)
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func countType(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}
