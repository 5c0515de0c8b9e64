// Package announce implements the change announcement channel.
//
// An Announcer is a pub/sub connection keyed by folder identifier: after a
// push the engine announces its new revision, and every other client
// subscribed to that folder is told to fetch. Announcements are hints
// only. When the channel is down the engine polls more often.
//
// Folders whose announcement endpoint is the same share one connection
// through a Registry.
package announce

import (
	"errors"
	"sync"
)

// ErrAnnouncer is wrapped by every connection-level failure reported to
// listeners. These errors are never fatal.
var ErrAnnouncer = errors.New("announcer error")

// ErrClosed is returned by operations on a closed announcer.
var ErrClosed = errors.New("announcer closed")

// Announcement is one message on a folder's topic.
type Announcement struct {
	// FolderID is the topic, the shared folder identifier
	FolderID string `json:"folder_id"`

	// Message is the payload, normally a revision id
	Message string `json:"message"`
}

// Listener receives connection and announcement events.
// Callbacks run on the announcer's goroutines and must not block for long.
type Listener interface {
	Connected()
	Disconnected(err error)
	AnnouncementReceived(a Announcement)
}

// Announcer is a pub/sub connection to one endpoint.
// Implementations are safe for concurrent use.
type Announcer interface {
	// Connect starts connecting in the background. It is a no-op while
	// connected or connecting.
	Connect()

	IsConnected() bool
	IsConnecting() bool

	// Announce publishes a. While disconnected it is queued and sent on
	// the next successful connect.
	Announce(a Announcement)

	// Subscribe joins a folder's topic. Subscriptions are re-sent after
	// every reconnect.
	Subscribe(folderID string)

	// AddListener registers l and returns a function removing it. Both
	// are safe to call from inside a callback.
	AddListener(l Listener) (remove func())

	// Endpoint returns the address this announcer connects to.
	Endpoint() string

	Close() error
}

// listeners is a copy-on-dispatch observer list
type listeners struct {
	mu    sync.Mutex
	next  int
	items map[int]Listener
}

func (ls *listeners) add(l Listener) func() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.items == nil {
		ls.items = make(map[int]Listener)
	}
	id := ls.next
	ls.next++
	ls.items[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			ls.mu.Lock()
			defer ls.mu.Unlock()
			delete(ls.items, id)
		})
	}
}

// snapshot returns the listeners in registration order
func (ls *listeners) snapshot() []Listener {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	out := make([]Listener, 0, len(ls.items))
	for id := 0; id < ls.next; id++ {
		if l, ok := ls.items[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (ls *listeners) connected() {
	for _, l := range ls.snapshot() {
		l.Connected()
	}
}

func (ls *listeners) disconnected(err error) {
	for _, l := range ls.snapshot() {
		l.Disconnected(err)
	}
}

func (ls *listeners) received(a Announcement) {
	for _, l := range ls.snapshot() {
		l.AnnouncementReceived(a)
	}
}

// recentSize is the number of announcements remembered for echo suppression
const recentSize = 10

// recent is a ring of the last announcements sent or received.
// Receiving one already in the ring is an echo and is dropped.
type recent struct {
	mu    sync.Mutex
	items [recentSize]Announcement
	n     int
}

// remember adds a to the ring. It returns false if a was already present.
func (r *recent) remember(a Announcement) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.n
	if limit > recentSize {
		limit = recentSize
	}
	for i := 0; i < limit; i++ {
		if r.items[i] == a {
			return false
		}
	}

	r.items[r.n%recentSize] = a
	r.n++
	return true
}
