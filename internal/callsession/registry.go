package callsession

import "sync"

// Registry tracks active bridged calls. Sessions are keyed by their own id
// and indexed by the inbound Call-ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byCallID map[string]string
	idle     chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		byCallID: make(map[string]string),
		idle:     make(chan struct{}),
	}
	close(r.idle)
	return r
}

// Add registers an active session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		r.idle = make(chan struct{})
	}
	r.sessions[s.id] = s
	r.byCallID[s.callID] = s.id
}

// Remove drops a session. It reports whether the registry became empty.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.id]; !ok {
		return false
	}
	delete(r.sessions, s.id)
	if r.byCallID[s.callID] == s.id {
		delete(r.byCallID, s.callID)
	}
	if len(r.sessions) == 0 {
		close(r.idle)
		return true
	}
	return false
}

// ByCallID returns the session bridging the given inbound Call-ID.
func (r *Registry) ByCallID(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCallID[callID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of the active sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Idle returns a channel that is closed while no calls are active.
func (r *Registry) Idle() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idle
}
