// Package occurrence persists recorded alert occurrences and their delivery
// attempt history.
package occurrence

import (
	"context"
	"errors"

	"fleetmon/internal/domain"
)

// ErrDuplicate indicates an occurrence ID was already recorded.
var ErrDuplicate = errors.New("occurrence already recorded")

// Store persists occurrences and delivery attempts.
// Params: append-only occurrence log plus per-channel attempt history.
// Returns: backend persistence behavior.
type Store interface {
	Insert(ctx context.Context, occ domain.AlertOccurrence) error
	List(ctx context.Context, groupID string, limit, offset int) ([]domain.AlertOccurrence, error)
	RecordAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error
	Attempts(ctx context.Context, occurrenceID, channelID string) ([]domain.DeliveryAttempt, error)
	TerminalOutcome(ctx context.Context, occurrenceID, channelID string) (domain.AttemptOutcome, bool, error)
	Close() error
}
