package driver

import (
	"fmt"
	"slices"
	"sync"

	"github.com/drvkit/drvkit-go/pkg/device"
)

// Registry is the priority-ordered set of known drivers.
type Registry struct {
	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
	seq     uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Entry)}
}

// Register adds an enabled descriptor. It is placed after every entry with
// the same or higher priority.
func (r *Registry) Register(desc Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[desc.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDriver, desc.ID)
	}

	r.seq++
	e := &Entry{Descriptor: desc, Enabled: true, Seq: r.seq}

	i := len(r.entries)
	for j, cur := range r.entries {
		if cur.Priority < desc.Priority {
			i = j
			break
		}
	}
	r.entries = append(r.entries, nil)
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = e
	r.byID[desc.ID] = e
	return nil
}

// Unregister removes a driver. Bound devices are the caller's concern.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDriver, id)
	}
	delete(r.byID, id)
	for i, e := range r.entries {
		if e.ID == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	return nil
}

// SetEnabled enables or disables a driver for future binding.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDriver, id)
	}
	e.Enabled = enabled
	return nil
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns all entries in binding order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = *e
	}
	return out
}

// ByModule returns the ids of drivers provided by moduleID.
func (r *Registry) ByModule(moduleID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, e := range r.entries {
		if e.ModuleID == moduleID {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// Candidates returns the enabled entries matching dev in binding order,
// leaving out the ids in exclude.
func (r *Registry) Candidates(dev device.Device, exclude ...string) []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Enabled {
			entries = append(entries, *e)
		}
	}
	r.mu.RUnlock()

	// Match predicates are driver code; evaluate them without the lock.
	out := entries[:0]
	for _, e := range entries {
		if slices.Contains(exclude, e.ID) || !e.Matches(dev) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of registered drivers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
