// Package registry exposes the rule/channel/agent configuration surface the
// evaluator reads. Sources are authoritative; the cached registry bounds how
// stale a read can be.
package registry

import (
	"context"
	"errors"

	"fleetmon/internal/domain"
)

var (
	// ErrAgentUnknown indicates the agent is not assigned to any group.
	ErrAgentUnknown = errors.New("agent unknown")
	// ErrGroupUnknown indicates the group has no account binding.
	ErrGroupUnknown = errors.New("group unknown")
)

// Source reads configuration from one authoritative backend.
// Params: lookups keyed by group and agent identity.
// Returns: configuration reads with backend errors surfaced.
type Source interface {
	RulesForGroup(ctx context.Context, groupID string) ([]domain.Rule, error)
	ChannelsForGroup(ctx context.Context, groupID string) ([]domain.AlertChannel, error)
	AgentGroup(ctx context.Context, agentID string) (string, error)
	GroupAccount(ctx context.Context, groupID string) (string, error)
	AllRules(ctx context.Context) ([]domain.Rule, error)
	Close() error
}
