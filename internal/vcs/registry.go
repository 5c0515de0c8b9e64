package vcs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Constructor creates a Backend for an existing working tree.
// Implementations register themselves with the registry using Register().
type Constructor func(opts Options) (Backend, error)

// CloneFunc creates a new working tree at dest from the remote url.
type CloneFunc func(ctx context.Context, url, dest string, opts Options) error

type registration struct {
	ctor  Constructor
	clone CloneFunc
}

// registry maps VCS types to their constructors
var (
	registry      = make(map[Type]registration)
	registryMutex sync.RWMutex
)

// Register registers a backend constructor and its clone function.
// This is called from init() functions in implementation packages (git, hg).
//
// Example:
//
//	func init() {
//	    vcs.Register(vcs.TypeGit, New, Clone)
//	}
func Register(t Type, ctor Constructor, clone CloneFunc) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if ctor == nil {
		panic(fmt.Sprintf("vcs: Register constructor is nil for type %s", t))
	}

	if _, exists := registry[t]; exists {
		panic(fmt.Sprintf("vcs: Register called twice for type %s", t))
	}

	registry[t] = registration{ctor: ctor, clone: clone}
}

// getRegistration retrieves the registration for a VCS type.
func getRegistration(t Type) (registration, bool) {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	r, ok := registry[t]
	return r, ok
}

// IsRegistered returns true if a constructor is registered for the given type.
func IsRegistered(t Type) bool {
	_, ok := getRegistration(t)
	return ok
}

// RegisteredTypes returns all registered VCS types, sorted.
func RegisteredTypes() []Type {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	types := make([]Type, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// unregister removes a type. Only used by tests.
func unregister(t Type) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	delete(registry, t)
}
