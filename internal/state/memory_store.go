package state

import (
	"context"
	"strings"
	"sync"
	"time"

	"fleetmon/internal/domain"
)

// MemoryStore keeps rule state in process memory for single-instance mode.
// Params: in-memory maps for states/ticks and injected clock.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu     sync.RWMutex
	now    func() time.Time
	states map[string]memoryState
	ticks  map[string]memoryTick
}

type memoryState struct {
	st       domain.RuleState
	revision uint64
}

type memoryTick struct {
	expiresAt time.Time
}

// NewMemoryStore creates in-memory state store.
// Params: now function (defaults to time.Now when nil).
// Returns: initialized in-memory store.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		states: make(map[string]memoryState),
		ticks:  make(map[string]memoryTick),
	}
}

// RefreshGraceTick updates grace tick metadata for state key.
// Params: state key, freeze time, and TTL duration.
// Returns: nil (in-memory update).
func (s *MemoryStore) RefreshGraceTick(_ context.Context, key string, frozenAt time.Time, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = frozenAt.Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[key] = memoryTick{expiresAt: expiresAt}
	return nil
}

// HasGraceTick reports whether tick entry exists and is not expired.
// Params: state key.
// Returns: true when tick is present and unexpired.
func (s *MemoryStore) HasGraceTick(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	tick, ok := s.ticks[key]
	if !ok {
		s.mu.RUnlock()
		return false, nil
	}
	expiresAt := tick.expiresAt
	if expiresAt.IsZero() || s.now().Before(expiresAt) {
		s.mu.RUnlock()
		return true, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	tick, ok = s.ticks[key]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	expiresAt = tick.expiresAt
	if expiresAt.IsZero() || s.now().Before(expiresAt) {
		s.mu.Unlock()
		return true, nil
	}
	delete(s.ticks, key)
	s.mu.Unlock()
	return false, nil
}

// Get returns state payload and revision.
// Params: state key.
// Returns: stored state, revision, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, key string) (domain.RuleState, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.states[key]
	if !ok {
		return domain.RuleState{}, 0, ErrNotFound
	}
	return entry.st, entry.revision, nil
}

// Create writes state payload only when the key does not exist yet.
// Params: state key and payload.
// Returns: revision 1, or ErrConflict when another writer created the key.
func (s *MemoryStore) Create(_ context.Context, key string, st domain.RuleState) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[key]; ok {
		return 0, ErrConflict
	}
	s.states[key] = memoryState{st: st, revision: 1}
	return 1, nil
}

// Put writes state payload unconditionally.
// Params: state key and payload.
// Returns: new revision.
func (s *MemoryStore) Put(_ context.Context, key string, st domain.RuleState) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.states[key].revision + 1
	s.states[key] = memoryState{st: st, revision: rev}
	return rev, nil
}

// Update updates state payload using expected revision CAS.
// Params: state key, expected revision, and replacement payload.
// Returns: new revision or ErrConflict.
func (s *MemoryStore) Update(_ context.Context, key string, expectedRevision uint64, st domain.RuleState) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.states[key]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.states[key] = memoryState{st: st, revision: rev}
	return rev, nil
}

// Delete deletes state and corresponding grace tick key.
// Params: state key.
// Returns: nil (in-memory delete).
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
	delete(s.ticks, key)
	return nil
}

// ListKeysByRule lists state keys in one rule namespace.
// Params: rule ID namespace.
// Returns: matching state keys.
func (s *MemoryStore) ListKeysByRule(_ context.Context, ruleID string) ([]string, error) {
	prefix := domain.StateKeyRulePrefix(ruleID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0)
	for key := range s.states {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
