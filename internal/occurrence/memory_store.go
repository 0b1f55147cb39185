package occurrence

import (
	"context"
	"sort"
	"sync"

	"fleetmon/internal/domain"
)

type attemptKey struct {
	occurrenceID string
	channelID    string
}

// MemoryStore keeps occurrences in process memory for single-instance mode.
// Params: in-memory occurrence log and attempt history.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu          sync.RWMutex
	occurrences []domain.AlertOccurrence
	byID        map[string]struct{}
	attempts    map[attemptKey][]domain.DeliveryAttempt
}

// NewMemoryStore creates in-memory occurrence store.
// Params: none.
// Returns: initialized store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]struct{}),
		attempts: make(map[attemptKey][]domain.DeliveryAttempt),
	}
}

// Insert appends one occurrence, rejecting duplicate IDs.
// Params: occurrence to record.
// Returns: ErrDuplicate when the ID was already recorded.
func (s *MemoryStore) Insert(_ context.Context, occ domain.AlertOccurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.byID[occ.ID]; seen {
		return ErrDuplicate
	}
	s.byID[occ.ID] = struct{}{}
	s.occurrences = append(s.occurrences, occ)
	return nil
}

// List returns occurrences for one group, newest first.
// Params: group ID, page limit, and offset.
// Returns: page of occurrences.
func (s *MemoryStore) List(_ context.Context, groupID string, limit, offset int) ([]domain.AlertOccurrence, error) {
	s.mu.RLock()
	matched := make([]domain.AlertOccurrence, 0)
	for _, occ := range s.occurrences {
		if occ.GroupID == groupID {
			matched = append(matched, occ)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// RecordAttempt appends one delivery attempt.
// Params: attempt with occurrence/channel identity and outcome.
// Returns: nil (in-memory append).
func (s *MemoryStore) RecordAttempt(_ context.Context, attempt domain.DeliveryAttempt) error {
	key := attemptKey{occurrenceID: attempt.OccurrenceID, channelID: attempt.ChannelID}
	s.mu.Lock()
	s.attempts[key] = append(s.attempts[key], attempt)
	s.mu.Unlock()
	return nil
}

// Attempts lists attempts for one (occurrence, channel) pair in order.
// Params: occurrence and channel IDs.
// Returns: attempts in record order.
func (s *MemoryStore) Attempts(_ context.Context, occurrenceID, channelID string) ([]domain.DeliveryAttempt, error) {
	key := attemptKey{occurrenceID: occurrenceID, channelID: channelID}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.DeliveryAttempt(nil), s.attempts[key]...), nil
}

// TerminalOutcome reports the terminal attempt outcome, if any.
// Params: occurrence and channel IDs.
// Returns: outcome and presence flag.
func (s *MemoryStore) TerminalOutcome(_ context.Context, occurrenceID, channelID string) (domain.AttemptOutcome, bool, error) {
	key := attemptKey{occurrenceID: occurrenceID, channelID: channelID}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, attempt := range s.attempts[key] {
		if attempt.Terminal {
			return attempt.Outcome, true, nil
		}
	}
	return "", false, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
