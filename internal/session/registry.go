// Package session owns the lifecycle of sandbox sessions: the in-memory
// registry of live sessions and the orchestration that provisions and tears
// down their OS resources.
package session

import (
	"sort"
	"sync"
	"time"
)

// Session is one live sandbox.
type Session struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	DisplayPort   int       `json:"displayPort"`
	CreatedAt     time.Time `json:"createdAt"`
	SupervisorPID int       `json:"supervisorPid,omitempty"`
	// IsNew is set only on the value returned by CreateSession.
	IsNew bool `json:"isNew"`
}

// Registry is the mutex-guarded map of live sessions. Values are stored
// and returned by copy.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Get returns the session with id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Insert stores s unless its id is already present. It reports whether s
// was stored.
func (r *Registry) Insert(s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return false
	}
	s.IsNew = false
	r.sessions[s.ID] = s
	return true
}

// Delete removes id and reports whether it was present.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// List returns all sessions, oldest first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Contains reports whether id is live.
func (r *Registry) Contains(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// keyedMutex serializes work per key. Entries are dropped when their last
// holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
