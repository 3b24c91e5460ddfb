// Package registry provides an in-memory DID registry mapping a DID to its
// resolved key material and transport endpoint.
//
// Entries never expire on their own: once registered, an entry is
// authoritative until it is explicitly replaced by Register or removed by
// Deregister. Elapsed time has no effect on resolution.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tbd54566975/web5-agent-go/internal/identity"
)

// ErrNotFound is returned when a DID has no registered entry.
var ErrNotFound = errors.New("did not registered")

// Endpoint is the transport endpoint registered for a DID.
type Endpoint struct {
	Host string
	Port int
}

// Entry is the registered state of a DID.
type Entry struct {
	Connected bool
	Endpoint  Endpoint
	Keys      []identity.Key
}

// Registry is a process-wide DID registry. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register stores the entry for a DID, replacing any previous entry.
func (r *Registry) Register(did string, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[did] = entry
}

// Resolve returns the registered entry for a DID, or ErrNotFound.
func (r *Registry) Resolve(did string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[did]
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", did, ErrNotFound)
	}
	return entry, nil
}

// Deregister removes the entry for a DID. Removing a missing DID is not an
// error.
func (r *Registry) Deregister(did string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, did)
}
