// Package presence tracks which live transport session currently speaks for
// each party identity. The registry is purely in-memory and process-local;
// clients re-announce their identity after a reconnect or a restart.
package presence

import (
	"sync"

	"github.com/samber/lo"
)

// Registry maps identities to the session they are currently bound to. It
// keeps a reverse index (session -> identities) so a disconnect can drop every
// binding of that session in one step. All operations are O(1) in the number
// of identities and are linearizable against each other through a single
// RWMutex; callers must never perform I/O while holding it (the registry does
// none itself).
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]string              // identity -> session ID
	bySession  map[string]map[string]struct{} // session ID -> identities
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]string),
		bySession:  make(map[string]map[string]struct{}),
	}
}

// Register binds identity to sessionID, replacing any existing binding. The
// last registration processed wins; the evicted session is returned for
// logging but is never notified. Registering the same pair twice is a no-op.
func (r *Registry) Register(identity, sessionID string) (evicted string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.byIdentity[identity]
	if ok && prev == sessionID {
		return ""
	}
	if ok {
		r.dropReverse(prev, identity)
		evicted = prev
	}

	r.byIdentity[identity] = sessionID
	ids, ok := r.bySession[sessionID]
	if !ok {
		ids = make(map[string]struct{}, 1)
		r.bySession[sessionID] = ids
	}
	ids[identity] = struct{}{}
	return evicted
}

// Lookup returns the session currently bound to identity.
func (r *Registry) Lookup(identity string) (string, bool) {
	r.mu.RLock()
	sessionID, ok := r.byIdentity[identity]
	r.mu.RUnlock()
	return sessionID, ok
}

// Release removes the binding for identity only if it still points at
// sessionID. It reports whether a binding was removed.
func (r *Registry) Release(identity, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byIdentity[identity] != sessionID {
		return false
	}
	delete(r.byIdentity, identity)
	r.dropReverse(sessionID, identity)
	return true
}

// Unregister removes every identity bound to sessionID and returns them. A
// session that never registered yields an empty result.
func (r *Registry) Unregister(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, ok := r.bySession[sessionID]
	if !ok {
		return nil
	}
	delete(r.bySession, sessionID)

	removed := lo.Filter(lo.Keys(ids), func(identity string, _ int) bool {
		return r.byIdentity[identity] == sessionID
	})
	for _, identity := range removed {
		delete(r.byIdentity, identity)
	}
	return removed
}

// Len returns the number of identities currently bound.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.byIdentity)
	r.mu.RUnlock()
	return n
}

// dropReverse removes identity from the reverse index of sessionID. Caller
// must hold the write lock.
func (r *Registry) dropReverse(sessionID, identity string) {
	ids, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	delete(ids, identity)
	if len(ids) == 0 {
		delete(r.bySession, sessionID)
	}
}
