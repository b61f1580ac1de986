package registry

import (
	"errors"
	"sync"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleJudge Role = "judge"
)

var (
	// ErrNotAdmin signals the acting identity lacks the admin role.
	ErrNotAdmin = errors.New("registry: admin role required")
	// ErrAlreadyGranted signals the identity already holds the role.
	ErrAlreadyGranted = errors.New("registry: role already granted")
	// ErrNotGranted signals the identity does not hold the role.
	ErrNotGranted = errors.New("registry: role not granted")
)

// Registry maps identities to their granted roles and keeps, per role, the
// member sequence in grant order. A Factory consumes a live Registry; each
// escrow receives its own copy seeded once at creation, so later grants and
// revocations never reach in-flight agreements.
type Registry struct {
	mu      sync.RWMutex
	grants  map[string]map[Role]struct{}
	ordered map[Role][]string
}

// New builds a registry seeded with the given admin identities. Seeding
// bypasses the admin gate; every later mutation goes through Grant/Revoke.
func New(admins ...string) *Registry {
	r := &Registry{
		grants:  make(map[string]map[Role]struct{}),
		ordered: make(map[Role][]string),
	}
	for _, id := range admins {
		r.add(RoleAdmin, id)
	}
	return r
}

// HasRole reports whether the identity currently holds the role.
func (r *Registry) HasRole(role Role, identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.grants[identity][role]
	return ok
}

// Members returns the identities holding the role, in grant order. The
// result is freshly allocated at the current member count.
func (r *Registry) Members(role Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.ordered[role]
	out := make([]string, len(members))
	copy(out, members)
	return out
}

// Grant gives identity the role. The actor must hold the admin role.
func (r *Registry) Grant(actor string, role Role, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.grants[actor][RoleAdmin]; !ok {
		return ErrNotAdmin
	}
	if _, ok := r.grants[identity][role]; ok {
		return ErrAlreadyGranted
	}
	r.add(role, identity)
	return nil
}

// Revoke removes the role from identity. The actor must hold the admin role.
func (r *Registry) Revoke(actor string, role Role, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.grants[actor][RoleAdmin]; !ok {
		return ErrNotAdmin
	}
	if _, ok := r.grants[identity][role]; !ok {
		return ErrNotGranted
	}
	delete(r.grants[identity], role)
	if len(r.grants[identity]) == 0 {
		delete(r.grants, identity)
	}
	members := r.ordered[role]
	for i, id := range members {
		if id == identity {
			r.ordered[role] = append(members[:i], members[i+1:]...)
			break
		}
	}
	return nil
}

// Snapshot returns a deep copy of the registry. The copy shares no state
// with the original.
func (r *Registry) Snapshot() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := &Registry{
		grants:  make(map[string]map[Role]struct{}, len(r.grants)),
		ordered: make(map[Role][]string, len(r.ordered)),
	}
	for id, roles := range r.grants {
		cp := make(map[Role]struct{}, len(roles))
		for role := range roles {
			cp[role] = struct{}{}
		}
		snap.grants[id] = cp
	}
	for role, members := range r.ordered {
		cp := make([]string, len(members))
		copy(cp, members)
		snap.ordered[role] = cp
	}
	return snap
}

// add must be called with the write lock held (or before the registry is
// shared).
func (r *Registry) add(role Role, identity string) {
	if _, ok := r.grants[identity][role]; ok {
		return
	}
	if r.grants[identity] == nil {
		r.grants[identity] = make(map[Role]struct{})
	}
	r.grants[identity][role] = struct{}{}
	r.ordered[role] = append(r.ordered[role], identity)
}
