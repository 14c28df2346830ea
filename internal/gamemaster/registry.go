package gamemaster

import (
	"sync"
	"time"

	"questmaster/internal/gamectx"
	"questmaster/internal/logging"
)

// sessionState is the per-game mutable state the orchestrator serializes on.
// The embedded mutex is held for the whole of a turn, so two messages for the
// same game can never interleave their reads and writes.
type sessionState struct {
	mu sync.Mutex

	key string

	// characters caches the external API's character list so a turn that
	// patches health does not have to refetch before merging.
	characters []gamectx.Character

	// ended flips when a character dies. Ended sessions reject new turns
	// until the game is reset.
	ended bool

	// generation increments on reset. Async work started before a reset
	// compares generations before touching the session again.
	generation uint64

	lastActivity time.Time
}

// Registry hands out session state keyed by game id and evicts sessions
// that have been idle past the TTL.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	ttl      time.Duration
}

// NewRegistry creates a session registry. ttl <= 0 disables eviction.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*sessionState),
		ttl:      ttl,
	}
}

// acquire returns the state for key, creating it on first sight, with its
// mutex already held. The caller must release it.
func (r *Registry) acquire(key string) *sessionState {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		s = &sessionState{key: key, lastActivity: time.Now()}
		r.sessions[key] = s
		logging.Session("session created: %s", key)
	}
	r.mu.Unlock()

	s.mu.Lock()
	s.lastActivity = time.Now()
	return s
}

// peek returns the state for key without creating one.
func (r *Registry) peek(key string) (*sessionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// liveGeneration reports the current generation for key, waiting out any
// exchange in flight. ok is false when the session has been evicted.
func (r *Registry) liveGeneration(key string) (gen uint64, ok bool) {
	s, ok := r.peek(key)
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	gen = s.generation
	s.mu.Unlock()
	return gen, true
}

// Reset wipes the in-process state for a game. The underlying store is
// cleared separately by the caller; bumping the generation makes any
// in-flight async work for the old run a no-op.
func (r *Registry) Reset(key string) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.characters = nil
	s.ended = false
	s.generation++
	s.lastActivity = time.Now()
	s.mu.Unlock()

	logging.Session("session reset: %s", key)
}

// Sweep drops sessions idle past the TTL. It is safe to call from a ticker
// goroutine; sessions mid-turn hold their own mutex and are skipped.
func (r *Registry) Sweep() int {
	if r.ttl <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for key, s := range r.sessions {
		if !s.mu.TryLock() {
			continue
		}
		idle := s.lastActivity.Before(cutoff)
		s.mu.Unlock()

		if idle {
			delete(r.sessions, key)
			evicted++
			logging.SessionDebug("session evicted after idle TTL: %s", key)
		}
	}
	return evicted
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
