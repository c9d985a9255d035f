// Package resource provides the RID-indexed resource table shared by the
// native transports and the connection session layer.
package resource

import (
	"errors"
	"io"
	"sync"
)

// RID identifies a resource in a Table. Zero is never allocated.
type RID uint32

// ErrNotFound is returned when a RID does not name a live resource.
var ErrNotFound = errors.New("resource: bad resource id")

// Resource is anything the table can own. Close must release the
// underlying object; the table guarantees it is called at most once.
type Resource interface {
	io.Closer
	Name() string
}

// Table manages resources by RID. It is safe for concurrent use.
type Table struct {
	mu        sync.RWMutex
	resources map[RID]Resource
	nextID    RID
}

// NewTable creates an empty resource table.
func NewTable() *Table {
	return &Table{
		resources: make(map[RID]Resource),
	}
}

// Add registers r and returns its RID.
func (t *Table) Add(r Resource) RID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.resources[id] = r
	return id
}

// Get returns the resource registered under id.
func (t *Table) Get(id RID) (Resource, bool) {
	t.mu.RLock()
	r, ok := t.resources[id]
	t.mu.RUnlock()
	return r, ok
}

// Take removes the resource from the table without closing it.
// Ownership passes to the caller.
func (t *Table) Take(id RID) (Resource, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.resources[id]
	if ok {
		delete(t.resources, id)
	}
	return r, ok
}

// Close removes and closes the resource. Closing an unknown RID
// returns ErrNotFound.
func (t *Table) Close(id RID) error {
	r, ok := t.Take(id)
	if !ok {
		return ErrNotFound
	}
	return r.Close()
}

// Len returns the number of live resources.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.resources)
}

// Names returns a snapshot of RID to resource name, used for diagnostics.
func (t *Table) Names() map[RID]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[RID]string, len(t.resources))
	for id, r := range t.resources {
		out[id] = r.Name()
	}
	return out
}

// CloseAll closes every resource in the table.
func (t *Table) CloseAll() {
	t.mu.Lock()
	all := t.resources
	t.resources = make(map[RID]Resource)
	t.mu.Unlock()
	for _, r := range all {
		_ = r.Close()
	}
}
