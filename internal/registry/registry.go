// Package registry provides the process-wide directory of active call sessions.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/xiaot623/gogo/voicebridge/internal/domain"
)

// ErrDuplicateSession is returned when a call id already has a live session.
var ErrDuplicateSession = errors.New("duplicate session")

// Registry maps call ids to sessions. It only creates, finds and forgets entries;
// session state belongs to the relay that owns each session.
type Registry struct {
	sessions map[string]*domain.CallSession
	mu       sync.RWMutex
	now      func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*domain.CallSession),
		now:      time.Now,
	}
}

// Create registers a new session for callID in the connecting state.
func (r *Registry) Create(callID string, agent domain.AgentConfig) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[callID]; ok {
		return nil, ErrDuplicateSession
	}
	s := domain.NewCallSession(callID, agent, r.now())
	r.sessions[callID] = s
	return s, nil
}

// Lookup returns the live session for callID, if any.
func (r *Registry) Lookup(callID string) (*domain.CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Remove forgets callID. Removing an unknown id is a no-op.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns snapshots of every live session ordered by start time.
func (r *Registry) List() []domain.SessionSnapshot {
	r.mu.RLock()
	sessions := make([]*domain.CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	// snapshots take each session's own lock, so build them outside ours
	out := make([]domain.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
