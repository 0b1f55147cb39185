package state

import (
	"context"
	"errors"
	"time"

	"fleetmon/internal/domain"
)

var (
	// ErrNotFound indicates absent state key.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update.
	ErrConflict = errors.New("revision conflict")
)

// Store provides rule-state persistence operations.
// Params: CRUD operations for per-(agent, rule) state plus grace ticks for
// frozen entries awaiting eviction.
// Returns: backend persistence behavior.
type Store interface {
	RefreshGraceTick(ctx context.Context, key string, frozenAt time.Time, ttl time.Duration) error
	HasGraceTick(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (domain.RuleState, uint64, error)
	Create(ctx context.Context, key string, st domain.RuleState) (uint64, error)
	Put(ctx context.Context, key string, st domain.RuleState) (uint64, error)
	Update(ctx context.Context, key string, expectedRevision uint64, st domain.RuleState) (uint64, error)
	Delete(ctx context.Context, key string) error
	ListKeysByRule(ctx context.Context, ruleID string) ([]string, error)
	Close() error
}
