package session

import (
	"sort"
	"strings"
	"sync"
	"unicode"
)

// ValidateName checks a session name: non-empty, no whitespace, no '@'.
func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	if strings.ContainsRune(name, '@') {
		return ErrInvalidName
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return ErrInvalidName
	}
	return nil
}

// Registry is the process-wide mapping from name to session. Its lock covers
// only insertion, lookup, and removal; session operations never hold it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session, enforcing name validity and uniqueness.
func (r *Registry) Add(s *Session) error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.sessions[s.Name]; taken {
		return ErrNameTaken
	}
	r.sessions[s.Name] = s
	return nil
}

// Get returns the session for name.
func (r *Registry) Get(name string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[name]
	return ok
}

// Teardown closes the session's coordinator and transport, then removes it
// from the registry.
func (r *Registry) Teardown(name string) error {
	r.mu.Lock()
	s, ok := r.sessions[name]
	delete(r.sessions, name)
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	s.Close("session disconnected")
	return nil
}

// List returns all sessions sorted by name.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll tears down every session. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close("server shutting down")
	}
}

// SweepStale expires stale queued entries across all sessions; returns the
// total expired. Invoked by the periodic sweep job.
func (r *Registry) SweepStale() int {
	total := 0
	for _, s := range r.List() {
		total += s.SweepStale()
	}
	return total
}
