package announce

import (
	"fmt"
	"strings"
	"sync"
)

// Factory creates an announcer for an endpoint
type Factory func(endpoint string) (Announcer, error)

// TCPFactory returns a Factory creating TCP announcers with config
func TCPFactory(config TCPConfig) Factory {
	return func(endpoint string) (Announcer, error) {
		return NewTCP(endpoint, config)
	}
}

// Registry shares one announcer per endpoint between folders.
// It is safe for concurrent use.
type Registry struct {
	factory Factory

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	announcer Announcer
	folders   map[string]int
}

// NewRegistry creates an empty registry
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		entries: make(map[string]*registryEntry),
	}
}

// NormalizeEndpoint returns the key used to share announcers.
func NormalizeEndpoint(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}

// Acquire returns the announcer for endpoint, creating and connecting it on
// first use, and subscribes it to folderID. Every Acquire must be paired
// with a Release.
func (r *Registry) Acquire(endpoint, folderID string) (Announcer, error) {
	key := NormalizeEndpoint(endpoint)
	if key == "" {
		return nil, fmt.Errorf("empty announcement endpoint")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		a, err := r.factory(key)
		if err != nil {
			return nil, err
		}
		e = &registryEntry{announcer: a, folders: make(map[string]int)}
		r.entries[key] = e
		a.Subscribe(folderID)
		a.Connect()
	} else {
		e.announcer.Subscribe(folderID)
	}
	e.folders[folderID]++
	return e.announcer, nil
}

// Release drops one reference taken by Acquire. The announcer is closed
// once no folder uses it.
func (r *Registry) Release(endpoint, folderID string) {
	key := NormalizeEndpoint(endpoint)

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.folders[folderID] > 1 {
		e.folders[folderID]--
	} else {
		delete(e.folders, folderID)
	}
	if len(e.folders) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()

	e.announcer.Close()
}

// Len returns the number of live announcers
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close closes every announcer
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.announcer.Close()
	}
}
