// Package registry tracks connection state across the two-stage session
// lifecycle: unauthenticated descriptors waiting in staging, and
// authenticated sessions keyed by user id with a reverse descriptor index.
package registry

import (
	"errors"
	"net"
	"sync"
	"time"
)

// ErrDuplicateLogin is returned by Promote when the user id is already
// authenticated on a different descriptor. The reference implementation
// silently overwrote the prior entry, orphaning its socket; this
// redesign rejects the newcomer instead (see the design ledger).
var ErrDuplicateLogin = errors.New("registry: user already authenticated")

// Entry is one owned session, staged or authenticated. A descriptor id is
// present in exactly one of {staging, authenticated} at a time.
type Entry struct {
	FD       int
	UserID   int
	Name     string
	Peer     net.Addr
	Conn     net.Conn
	LastSeen time.Time

	// dispatching single-flights frame-batch processing for this fd, per
	// §5's per-fd serialisation requirement.
	dispatching sync.Mutex
}

// TryLock attempts to single-flight dispatch for this entry's fd. It
// returns false if a batch for this fd is already in flight.
func (e *Entry) TryLock() bool { return e.dispatching.TryLock() }

// Unlock releases the per-fd dispatch lock.
func (e *Entry) Unlock() { e.dispatching.Unlock() }

// Registry holds the three consistent indices named in the data model:
// authenticated[user], fdToUser[fd], staged[fd].
type Registry struct {
	mu            sync.RWMutex
	staged        map[int]*Entry
	authenticated map[int]*Entry
	fdToUser      map[int]int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		staged:        make(map[int]*Entry),
		authenticated: make(map[int]*Entry),
		fdToUser:      make(map[int]int),
	}
}

// Stage inserts a newly accepted connection into the unauthenticated set.
func (r *Registry) Stage(fd int, conn net.Conn, peer net.Addr) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &Entry{FD: fd, Conn: conn, Peer: peer, LastSeen: time.Now()}
	r.staged[fd] = e
	return e
}

// Promote moves a staged fd into the authenticated registry keyed by
// userID. It fails with ErrDuplicateLogin if userID is already
// authenticated on a different descriptor.
func (r *Registry) Promote(fd, userID int, name string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.staged[fd]
	if !ok {
		return nil, errors.New("registry: fd not in staging")
	}
	if existing, dup := r.authenticated[userID]; dup && existing.FD != fd {
		return nil, ErrDuplicateLogin
	}
	delete(r.staged, fd)
	e.UserID = userID
	e.Name = name
	e.LastSeen = time.Now()
	r.authenticated[userID] = e
	r.fdToUser[fd] = userID
	return e, nil
}

// LookupByUser returns the authenticated entry for a user id, if any.
func (r *Registry) LookupByUser(userID int) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.authenticated[userID]
	return e, ok
}

// LookupByFd returns the user id authenticated on fd, if any.
func (r *Registry) LookupByFd(fd int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uid, ok := r.fdToUser[fd]
	return uid, ok
}

// IsStaged reports whether fd is currently in the staging set.
func (r *Registry) IsStaged(fd int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.staged[fd]
	return ok
}

// StagedEntry returns the staging entry for fd, if any.
func (r *Registry) StagedEntry(fd int) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.staged[fd]
	return e, ok
}

// AuthenticatedEntry returns the authenticated entry for fd, if any.
func (r *Registry) AuthenticatedEntry(fd int) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uid, ok := r.fdToUser[fd]
	if !ok {
		return nil, false
	}
	e, ok := r.authenticated[uid]
	return e, ok
}

// DropByFd removes fd from whichever set it occupies and returns the
// abandoned entry, if one existed.
func (r *Registry) DropByFd(fd int) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.staged[fd]; ok {
		delete(r.staged, fd)
		return e, true
	}
	if uid, ok := r.fdToUser[fd]; ok {
		e := r.authenticated[uid]
		delete(r.fdToUser, fd)
		delete(r.authenticated, uid)
		return e, true
	}
	return nil, false
}

// SnapshotAuthenticated returns a point-in-time copy of all authenticated
// entries, safe to iterate without holding the registry lock (required by
// fan-out's "snapshot before broadcast" rule).
func (r *Registry) SnapshotAuthenticated() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.authenticated))
	for _, e := range r.authenticated {
		out = append(out, e)
	}
	return out
}

// SnapshotStaged returns a point-in-time copy of all staged entries.
func (r *Registry) SnapshotStaged() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.staged))
	for _, e := range r.staged {
		out = append(out, e)
	}
	return out
}

// Count returns the number of authenticated sessions (used by the admin
// introspection surface and periodic metrics logging).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.authenticated)
}
