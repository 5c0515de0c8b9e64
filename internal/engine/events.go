package engine

import (
	"sync"
	"time"

	"github.com/steveyegge/foldersync/internal/vcs"
)

// EventType identifies an engine event
type EventType string

const (
	// EventSyncStatusChanged fires on every status transition
	EventSyncStatusChanged EventType = "sync_status_changed"

	// EventProgressChanged fires at most once per second during transfers
	EventProgressChanged EventType = "progress_changed"

	// EventNewChangeSet fires when a sync-down brought in another user's revision
	EventNewChangeSet EventType = "new_change_set"

	// EventConflictResolved fires once per merge that created conflict copies
	EventConflictResolved EventType = "conflict_resolved"

	// EventChangesDetected fires once per buffering episode
	EventChangesDetected EventType = "changes_detected"

	// EventPushingFinished fires after a successful push
	EventPushingFinished EventType = "pushing_finished"
)

// Event is delivered to observers. Only the fields relevant to Type are set.
type Event struct {
	Type   EventType `json:"type"`
	Folder string    `json:"folder"`
	Time   time.Time `json:"time"`

	Status      Status      `json:"status"`
	ErrorStatus ErrorStatus `json:"error_status"`

	Percent float64 `json:"percent,omitempty"`
	Speed   string  `json:"speed,omitempty"`

	Revision  string         `json:"revision,omitempty"`
	ChangeSet *vcs.ChangeSet `json:"change_set,omitempty"`
	Renamed   []vcs.Rename   `json:"renamed,omitempty"`
}

// Observer receives engine events on the engine's worker goroutine.
type Observer func(Event)

// observers is a copy-on-dispatch list, safe to modify from inside a callback
type observers struct {
	mu    sync.Mutex
	next  int
	items map[int]Observer
}

func (o *observers) add(fn Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.items == nil {
		o.items = make(map[int]Observer)
	}
	id := o.next
	o.next++
	o.items[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.items, id)
	}
}

func (o *observers) dispatch(ev Event) {
	o.mu.Lock()
	fns := make([]Observer, 0, len(o.items))
	for id := 0; id < o.next; id++ {
		if fn, ok := o.items[id]; ok {
			fns = append(fns, fn)
		}
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
