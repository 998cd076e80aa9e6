package resource

import "context"

// Scope is a Manager view bound to one owner. Drivers receive a Scope at
// bind time and register everything they acquire through it.
type Scope struct {
	m     *Manager
	owner Owner
}

// Scope returns a registration scope for owner.
func (m *Manager) Scope(owner Owner) Scope {
	return Scope{m: m, owner: owner}
}

// Owner returns the identity resources are registered under.
func (s Scope) Owner() Owner {
	return s.owner
}

// Register tracks a resource owned by the scope's owner.
func (s Scope) Register(ctx context.Context, kind Kind, size uint64, description string, cleanup CleanupFunc) (ID, error) {
	if s.m == nil {
		return 0, ErrDetachedScope
	}
	return s.m.Register(ctx, s.owner, kind, size, description, cleanup)
}

// AddReference increments the count of id.
func (s Scope) AddReference(id ID) error {
	if s.m == nil {
		return ErrDetachedScope
	}
	return s.m.AddReference(id)
}

// RemoveReference decrements the count of id.
func (s Scope) RemoveReference(id ID) error {
	if s.m == nil {
		return ErrDetachedScope
	}
	return s.m.RemoveReference(id)
}
