// Package namedmutex implements a process-wide, self-garbage-collecting
// registry of mutexes keyed by string name. Opportunistic GC happens at
// every Get call rather than on release, so two callers naming the same
// string observe the same mutex for as long as either still holds a
// handle, and the entry becomes eligible for eviction only once every
// handle referencing it has been released.
package namedmutex

import (
	"fmt"
	"sync"
)

type entry struct {
	id       uint64
	mu       sync.Mutex
	refCount int
}

// Registry is a thread-safe collection of named mutexes.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	nextID  uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Handle is a caller's reference to a named mutex. It must be Released
// exactly once after the caller is done with it.
type Handle struct {
	registry *Registry
	name     string
	e        *entry
}

// Get returns a handle to the mutex named by name, creating it if this is
// the first request for that name. The empty string is rejected. As a side
// effect, Get evicts every other entry in the registry that currently has
// no outstanding handle.
func (r *Registry) Get(name string) (*Handle, error) {
	if name == "" {
		return nil, fmt.Errorf("namedmutex: mutex name can't be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		r.nextID++
		e = &entry{id: r.nextID}
		r.entries[name] = e
	}
	e.refCount++

	// Garbage-collect every other entry that has no outstanding handle.
	// The just-found-or-created entry was incremented above and is
	// therefore never collected here.
	for k, v := range r.entries {
		if v.refCount == 0 && v.id != e.id {
			delete(r.entries, k)
		}
	}

	return &Handle{registry: r, name: name, e: e}, nil
}

// Lock locks the underlying mutex.
func (h *Handle) Lock() { h.e.mu.Lock() }

// Unlock unlocks the underlying mutex.
func (h *Handle) Unlock() { h.e.mu.Unlock() }

// ID identifies the underlying mutex. Two handles obtained for the same
// name while at least one survives share the same ID; a handle obtained
// after all prior handles for that name were released may carry a
// different ID, which is acceptable because no prior holder remains.
func (h *Handle) ID() uint64 { return h.e.id }

// Release returns the handle's reference to the registry. It does not
// itself evict the entry; eviction is opportunistic and happens on the
// next Get call.
func (h *Handle) Release() {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	h.e.refCount--
}

// Size returns the current number of entries: every name with a held
// handle, plus every entry whose handles were all released since the last
// Get (those are evicted by the next Get).
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// WithLock acquires the named mutex, runs fn, then releases the handle and
// unlocks. It is the common case: callers that only need the critical
// section, not a retained handle.
func (r *Registry) WithLock(name string, fn func() error) error {
	h, err := r.Get(name)
	if err != nil {
		return err
	}
	defer h.Release()
	h.Lock()
	defer h.Unlock()
	return fn()
}
