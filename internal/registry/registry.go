// ABOUTME: Registry of live per-instance sessions keyed by instance ID
// ABOUTME: Guarantees at most one session per instance under concurrent Connect calls

package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chorus-im/chorus/internal/session"
)

// Factory creates a session for an instance. The registry owns creation so
// Connect can be idempotent.
type Factory func(instanceID, ownerID string) *session.Session

// Registry tracks every live session. The map is the only state shared
// across instances; sessions serialize their own transitions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	factory  Factory
	logger   *slog.Logger
}

// New creates an empty registry using the given session factory.
func New(factory Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*session.Session),
		factory:  factory,
		logger:   logger.With("component", "registry"),
	}
}

// Connect returns the instance's session, creating and dialing it if absent.
// Concurrent calls for the same instance yield the same session with one
// dial. A session whose dial failed stays registered in the error state; a
// later Connect on it redials.
func (r *Registry) Connect(ctx context.Context, instanceID, ownerID string) (*session.Session, error) {
	r.mu.Lock()
	s, exists := r.sessions[instanceID]
	if !exists {
		s = r.factory(instanceID, ownerID)
		r.sessions[instanceID] = s
		r.logger.Debug("session registered", "instance_id", instanceID)
	}
	r.mu.Unlock()

	// Dial outside the map lock; the session's own mutex makes this
	// idempotent across racing callers.
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Lookup returns the live session for an instance, if any.
func (r *Registry) Lookup(instanceID string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[instanceID]
	return s, ok
}

// Disconnect shuts down and removes the instance's session. No-op when the
// instance has no live session.
func (r *Registry) Disconnect(instanceID string) {
	r.mu.Lock()
	s, ok := r.sessions[instanceID]
	if ok {
		delete(r.sessions, instanceID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.Disconnect()
	r.logger.Debug("session removed", "instance_id", instanceID)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown disconnects every live session. Used on process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}
	r.logger.Info("all sessions disconnected", "count", len(sessions))
}
