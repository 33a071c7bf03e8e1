package tcpserver

import (
	"sync"

	"go.uber.org/multierr"
)

// Registry is the concurrency-safe set of live sessions, keyed by ID. Every
// mutation and every snapshot takes the same lock, so registration from the
// accept goroutine, removal from session goroutines and bulk clearing from
// Stop never interleave.
//
// A sealed registry rejects new sessions. Stop seals and clears in one
// critical section so a connection accepted concurrently with shutdown is
// never left registered.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint32]*Session
	sealed   bool
}

// NewRegistry creates an empty, open Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint32]*Session)}
}

// Open allows sessions to be added again after Seal.
func (r *Registry) Open() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = false
}

// Add registers session.
//
// Parameters:
//   - session: The session to register
//
// Returns:
//   - false if the registry is sealed or session is nil or no longer active;
//     the session is not stored
func (r *Registry) Add(session *Session) bool {
	if session == nil || session.State() != Active {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return false
	}

	r.sessions[session.ID()] = session
	return true
}

// Remove unregisters session without closing it. Removing an absent session
// is a no-op.
func (r *Registry) Remove(session *Session) {
	if session == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(session)
}

// remove deletes session if the stored entry is that exact session; caller
// must hold r.mu.
func (r *Registry) remove(session *Session) {
	if current, ok := r.sessions[session.ID()]; ok && current == session {
		delete(r.sessions, session.ID())
	}
}

// Evict closes session and removes it in a single critical section.
//
// Parameters:
//   - session: The session to close
//
// Returns:
//   - true if this call closed the session, false if it was already closed
//   - The error from closing the underlying connection, if any
func (r *Registry) Evict(session *Session) (bool, error) {
	if session == nil {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	closed, err := session.close()
	r.remove(session)
	return closed, err
}

// Get returns the session registered under id.
func (r *Registry) Get(id uint32) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SnapshotAll returns a point-in-time copy of the registered sessions. The
// slice may be iterated without holding any lock.
func (r *Registry) SnapshotAll() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}

	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ClearAll closes and removes every session.
//
// Returns:
//   - The sessions closed by this call
//   - The combined error from closing their connections, or nil
func (r *Registry) ClearAll() ([]*Session, error) {
	return r.clear(false)
}

// SealAndClear rejects further Add calls, then closes and removes every
// session, all under one lock.
//
// Returns:
//   - The sessions closed by this call
//   - The combined error from closing their connections, or nil
func (r *Registry) SealAndClear() ([]*Session, error) {
	return r.clear(true)
}

func (r *Registry) clear(seal bool) ([]*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seal {
		r.sealed = true
	}

	var (
		closed []*Session
		errs   error
	)
	for _, s := range r.sessions {
		ok, err := s.close()
		if ok {
			closed = append(closed, s)
		}
		errs = multierr.Append(errs, err)
	}

	r.sessions = make(map[uint32]*Session)
	return closed, errs
}
