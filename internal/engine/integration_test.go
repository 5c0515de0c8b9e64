package engine

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/foldersync/internal/announce"
	"github.com/steveyegge/foldersync/internal/vcs"
	_ "github.com/steveyegge/foldersync/internal/vcs/git"
	"github.com/steveyegge/foldersync/internal/watcher"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// client is one engine on a real git working tree
type client struct {
	engine *Engine
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

func startClient(t *testing.T, root, remote, user, endpoint string) *client {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	b, err := vcs.Open(vcs.Options{
		Root:           root,
		Type:           vcs.TypeGit,
		Remote:         remote,
		UserName:       user,
		UserEmail:      strings.ToLower(user) + "@example.com",
		CommandTimeout: 30 * time.Second,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("vcs.Open failed: %v", err)
	}
	w, err := watcher.New(root, nil, logger)
	if err != nil {
		t.Fatalf("watcher.New failed: %v", err)
	}

	cfg := announce.DefaultTCPConfig()
	cfg.Logger = logger
	a, err := announce.NewTCP(endpoint, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })

	e, err := New(Options{
		Name:           user,
		Backend:        b,
		Watcher:        w,
		Announcer:      a,
		UserName:       user,
		UserEmail:      strings.ToLower(user) + "@example.com",
		SettleInterval: 20 * time.Millisecond,
		TickInterval:   50 * time.Millisecond,
		PollShort:      time.Hour,
		PollLong:       time.Hour,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}

	c := &client{engine: e, events: make(chan Event, 256), done: make(chan struct{})}
	e.Subscribe(func(ev Event) { c.events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		defer close(c.done)
		e.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-c.done
		e.Close()
	})

	deadline := time.Now().Add(10 * time.Second)
	for !a.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("announcer did not connect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return c
}

func (c *client) waitFor(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(30 * time.Second)
	for {
		select {
		case ev := <-c.events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return Event{}
		}
	}
}

func TestTwoClientsSyncThroughRelay(t *testing.T) {
	requireGit(t)

	relay := announce.NewServer(slog.New(slog.DiscardHandler))
	if err := relay.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { relay.Stop() })

	remote := t.TempDir()
	runGit(t, remote, "init", "--quiet", "--bare")
	runGit(t, remote, "symbolic-ref", "HEAD", "refs/heads/main")

	aliceRoot := t.TempDir()
	runGit(t, aliceRoot, "init", "--quiet")
	runGit(t, aliceRoot, "symbolic-ref", "HEAD", "refs/heads/main")

	// alice's first sync pushes the identifier file
	alice := startClient(t, aliceRoot, remote, "Alice", relay.Endpoint())
	alice.waitFor(t, EventPushingFinished)

	bobRoot := filepath.Join(t.TempDir(), "bob")
	runGit(t, filepath.Dir(bobRoot), "clone", "--quiet", remote, bobRoot)
	bob := startClient(t, bobRoot, remote, "Bob", relay.Endpoint())

	if alice.engine.Identifier() != bob.engine.Identifier() {
		t.Fatalf("identifiers differ: %s vs %s", alice.engine.Identifier(), bob.engine.Identifier())
	}
	// let the relay register bob's subscription
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(aliceRoot, "report.txt"), []byte("quarterly numbers\n"), 0644); err != nil {
		t.Fatal(err)
	}
	pushed := alice.waitFor(t, EventPushingFinished)

	subject := runGit(t, remote, "log", "-1", "--format=%s", "main")
	if !strings.Contains(subject, "report.txt") {
		t.Errorf("remote head subject = %q, want it to name report.txt", subject)
	}

	ev := bob.waitFor(t, EventNewChangeSet)
	if ev.ChangeSet == nil || ev.ChangeSet.Author.Name != "Alice" {
		t.Errorf("NewChangeSet = %+v", ev.ChangeSet)
	}
	if ev.Revision != pushed.Revision {
		t.Errorf("bob got revision %s, alice pushed %s", ev.Revision, pushed.Revision)
	}

	data, err := os.ReadFile(filepath.Join(bobRoot, "report.txt"))
	if err != nil || string(data) != "quarterly numbers\n" {
		t.Errorf("bob's copy = %q, %v", data, err)
	}
	if alice.engine.HasUnsyncedChanges() {
		t.Error("alice still has unsynced changes")
	}
}

// Edits made right before a sync-down are committed by the merge and must
// still reach the remote.
func TestSyncDownPushesPendingEdits(t *testing.T) {
	requireGit(t)
	logger := slog.New(slog.DiscardHandler)

	remote := t.TempDir()
	runGit(t, remote, "init", "--quiet", "--bare")
	runGit(t, remote, "symbolic-ref", "HEAD", "refs/heads/main")

	root := t.TempDir()
	runGit(t, root, "init", "--quiet")
	runGit(t, root, "symbolic-ref", "HEAD", "refs/heads/main")

	b, err := vcs.Open(vcs.Options{
		Root:           root,
		Type:           vcs.TypeGit,
		Remote:         remote,
		UserName:       "Alice",
		UserEmail:      "alice@example.com",
		CommandTimeout: 30 * time.Second,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("vcs.Open failed: %v", err)
	}
	w := newFakeWatcher(t, root)
	a := &fakeAnnouncer{}

	e, err := New(Options{
		Name:           "docs",
		Backend:        b,
		Watcher:        w,
		Announcer:      a,
		UserName:       "Alice",
		UserEmail:      "alice@example.com",
		SettleInterval: 20 * time.Millisecond,
		TickInterval:   50 * time.Millisecond,
		PollShort:      time.Hour,
		PollLong:       time.Hour,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	c := &client{engine: e, events: make(chan Event, 256), done: make(chan struct{})}
	e.Subscribe(func(ev Event) { c.events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(c.done)
		e.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-c.done
		e.Close()
	})

	// the startup sync pushes the identifier file
	c.waitFor(t, EventPushingFinished)
	time.Sleep(200 * time.Millisecond)

	other := filepath.Join(t.TempDir(), "bob")
	runGit(t, filepath.Dir(other), "clone", "--quiet", remote, other)
	if err := os.WriteFile(filepath.Join(other, "other.txt"), []byte("from bob\n"), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, other, "add", "other.txt")
	runGit(t, other, "-c", "user.name=Bob", "-c", "user.email=bob@example.com", "commit", "--quiet", "-m", "+ ‘other.txt’")
	runGit(t, other, "push", "--quiet", "origin", "main")
	bobHead := runGit(t, other, "rev-parse", "HEAD")

	// the fake watcher reports nothing, as if the write raced the sync
	if err := os.WriteFile(filepath.Join(root, "mine.txt"), []byte("from alice\n"), 0644); err != nil {
		t.Fatal(err)
	}
	a.receive(announce.Announcement{FolderID: e.Identifier(), Message: bobHead})

	ev := c.waitFor(t, EventNewChangeSet)
	if ev.Revision != bobHead || ev.ChangeSet == nil || ev.ChangeSet.Author.Name != "Bob" {
		t.Errorf("NewChangeSet = %s %+v", ev.Revision, ev.ChangeSet)
	}
	c.waitFor(t, EventPushingFinished)

	local := runGit(t, root, "rev-parse", "HEAD")
	remoteHead := runGit(t, remote, "rev-parse", "main")
	if local != remoteHead {
		t.Errorf("local HEAD %s, remote HEAD %s", local, remoteHead)
	}
	runGit(t, remote, "cat-file", "-e", "main:mine.txt")
	runGit(t, remote, "cat-file", "-e", "main:other.txt")
	if e.HasUnsyncedChanges() {
		t.Error("unsynced flag left set after the push")
	}
}
