package bridge

import (
	"fmt"
	"sort"
	"sync"
)

// Registry tracks at most one session per account and enforces the
// global open-session ceiling at admission.
//
// Registry methods never call into sessions beyond reading their atomic
// state, and sessions never call the registry while holding their own
// mutex; that one-way dependency is what keeps teardown deadlock-free.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Lookup returns the account's session, if any.
func (r *Registry) Lookup(accountID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[accountID]
	return s, ok
}

// Install claims the account slot for s after checking the ceiling.
// Only open sessions count against the limit; accounts mid-pairing hold
// a slot but no capacity.
func (r *Registry) Install(s *Session, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[s.accountID]; ok && existing != s {
		return errAccountOwned
	}
	if limit > 0 {
		open := 0
		for id, sess := range r.sessions {
			if id == s.accountID {
				continue
			}
			if sess.State() == StateOpen {
				open++
			}
		}
		if open >= limit {
			return fmt.Errorf("%w: %d open of %d allowed", ErrCapacity, open, limit)
		}
	}
	r.sessions[s.accountID] = s
	return nil
}

// RemoveIf drops the account's entry only when it still points at s, so
// a stale teardown cannot evict a replacement session.
func (r *Registry) RemoveIf(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[s.accountID]; !ok || current != s {
		return false
	}
	delete(r.sessions, s.accountID)
	return true
}

// Owns reports whether s is still the account's registered session.
func (r *Registry) Owns(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[s.accountID] == s
}

// Counts returns the open session count and the total tracked count.
func (r *Registry) Counts() (open, tracked int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.State() == StateOpen {
			open++
		}
	}
	return open, len(r.sessions)
}

// Sessions returns the tracked sessions in account order.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].accountID < out[j].accountID })
	return out
}
