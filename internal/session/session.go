// Package session manages the lifecycle of transport sessions. A session is
// opened on connect, may announce an identity any number of times, and is
// closed exactly once on disconnect, at which point every identity bound to it
// is released from the presence registry.
package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketchat/relay/internal/metrics"
	"github.com/marketchat/relay/internal/presence"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateConnected is a live session that has not announced an identity.
	StateConnected State = iota + 1
	// StateRegistered is a live session bound to an identity.
	StateRegistered
	// StateDisconnected is terminal. Closed and unknown sessions report it.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

var (
	// ErrUnknownSession is returned for sessions that were never opened or are
	// already closed.
	ErrUnknownSession = errors.New("session: unknown or closed session")

	// ErrEmptyIdentity is returned when a blank identity is announced.
	ErrEmptyIdentity = errors.New("session: identity is required")
)

// Mirror receives best-effort copies of session state. *Store implements it.
type Mirror interface {
	Create(ctx context.Context, sessionID string) error
	SetIdentity(ctx context.Context, sessionID, identity string) error
	Delete(ctx context.Context, sessionID string) error
}

type entry struct {
	state    State
	identity string
}

// Manager owns session creation and teardown and keeps the presence registry
// consistent with them.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	registry *presence.Registry
	mirror   Mirror        // optional
	timeout  time.Duration // per mirror call
}

// NewManager creates a Manager over registry. mirror may be nil.
func NewManager(registry *presence.Registry, mirror Mirror) *Manager {
	return &Manager{
		sessions: make(map[string]*entry),
		registry: registry,
		mirror:   mirror,
		timeout:  3 * time.Second,
	}
}

// Open allocates a new session in StateConnected and returns its ID.
func (m *Manager) Open(ctx context.Context) string {
	id := uuid.New().String()

	m.mu.Lock()
	m.sessions[id] = &entry{state: StateConnected}
	m.mu.Unlock()

	m.mirrorCall(ctx, "create", id, func(ctx context.Context) error {
		return m.mirror.Create(ctx, id)
	})
	return id
}

// Announce binds identity to the session, evicting whatever session held the
// identity before. Announcing a different identity releases the session's
// previous one. Announcing the same identity again is a no-op for the registry.
// Identities are opaque and bound exactly as given; only blank ones are
// rejected.
func (m *Manager) Announce(ctx context.Context, sessionID, identity string) error {
	if strings.TrimSpace(identity) == "" {
		return ErrEmptyIdentity
	}

	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	if e.identity != "" && e.identity != identity {
		m.registry.Release(e.identity, sessionID)
	}
	evicted := m.registry.Register(identity, sessionID)
	e.identity = identity
	e.state = StateRegistered
	bound := m.registry.Len()
	m.mu.Unlock()

	metrics.RegisteredIdentities.Set(float64(bound))
	if evicted != "" {
		log.Printf("[session] identity=%s moved from session=%s to session=%s", identity, evicted, sessionID)
	}

	m.mirrorCall(ctx, "set identity", sessionID, func(ctx context.Context) error {
		return m.mirror.SetIdentity(ctx, sessionID, identity)
	})
	return nil
}

// Close moves the session to StateDisconnected and unregisters every identity
// bound to it. Only the first call for a session has any effect; it returns
// the identities that were released.
func (m *Manager) Close(ctx context.Context, sessionID string) []string {
	m.mu.Lock()
	if _, ok := m.sessions[sessionID]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, sessionID)
	released := m.registry.Unregister(sessionID)
	bound := m.registry.Len()
	m.mu.Unlock()

	metrics.RegisteredIdentities.Set(float64(bound))
	if len(released) > 0 {
		log.Printf("[session] session=%s closed, released %v", sessionID, released)
	}

	m.mirrorCall(ctx, "delete", sessionID, func(ctx context.Context) error {
		return m.mirror.Delete(ctx, sessionID)
	})
	return released
}

// State returns the lifecycle state of a session.
func (m *Manager) State(sessionID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		return e.state
	}
	return StateDisconnected
}

// Identity returns the identity the session last announced.
func (m *Manager) Identity(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.identity == "" {
		return "", false
	}
	return e.identity, true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) mirrorCall(ctx context.Context, op, sessionID string, fn func(context.Context) error) {
	if m.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Printf("[session] redis %s failed for session=%s: %v", op, sessionID, err)
	}
}
