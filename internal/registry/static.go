package registry

import (
	"context"
	"strings"

	"fleetmon/internal/config"
	"fleetmon/internal/domain"
)

// StaticSource serves configuration from the TOML snapshot.
// Params: rules, channels, and assignments indexed at construction.
// Returns: read-only source for single-instance deployments.
type StaticSource struct {
	rulesByGroup    map[string][]domain.Rule
	channelsByGroup map[string][]domain.AlertChannel
	agentGroups     map[string]string
	groupAccounts   map[string]string
	allRules        []domain.Rule
}

// NewStaticSource indexes static registry config.
// Params: registry section from the config snapshot.
// Returns: ready source.
func NewStaticSource(cfg config.RegistryConfig) *StaticSource {
	src := &StaticSource{
		rulesByGroup:    make(map[string][]domain.Rule),
		channelsByGroup: make(map[string][]domain.AlertChannel),
		agentGroups:     cfg.StaticAgentGroups,
		groupAccounts:   cfg.StaticGroupAccount,
	}
	if src.agentGroups == nil {
		src.agentGroups = map[string]string{}
	}
	if src.groupAccounts == nil {
		src.groupAccounts = map[string]string{}
	}

	for _, raw := range cfg.StaticRules {
		rule := domain.Rule{
			ID:            raw.ID,
			GroupID:       raw.GroupID,
			Name:          raw.Name,
			Metric:        domain.Metric(strings.ToLower(raw.Metric)),
			Operator:      domain.Operator(raw.Operator),
			Threshold:     raw.Threshold,
			Severity:      domain.Severity(strings.ToLower(raw.Severity)),
			WindowSeconds: raw.WindowSeconds,
			Enabled:       raw.Enabled,
		}
		src.rulesByGroup[rule.GroupID] = append(src.rulesByGroup[rule.GroupID], rule)
		src.allRules = append(src.allRules, rule)
	}
	for _, raw := range cfg.StaticChannels {
		channel := domain.AlertChannel{
			ID:             raw.ID,
			GroupID:        raw.GroupID,
			Type:           domain.ChannelType(strings.ToLower(raw.Type)),
			Target:         raw.Target,
			WebhookMethod:  raw.WebhookMethod,
			WebhookHeaders: raw.WebhookHeaders,
			WebhookBody:    raw.WebhookBody,
			Enabled:        raw.Enabled,
		}
		src.channelsByGroup[channel.GroupID] = append(src.channelsByGroup[channel.GroupID], channel)
	}
	return src
}

// RulesForGroup lists rules configured for one group.
// Params: ctx unused; group ID.
// Returns: configured rules; empty slice for unknown groups.
func (s *StaticSource) RulesForGroup(_ context.Context, groupID string) ([]domain.Rule, error) {
	return s.rulesByGroup[groupID], nil
}

// ChannelsForGroup lists channels configured for one group.
// Params: ctx unused; group ID.
// Returns: configured channels; empty slice for unknown groups.
func (s *StaticSource) ChannelsForGroup(_ context.Context, groupID string) ([]domain.AlertChannel, error) {
	return s.channelsByGroup[groupID], nil
}

// AgentGroup resolves the group assignment for one agent.
// Params: ctx unused; agent ID.
// Returns: group ID or ErrAgentUnknown.
func (s *StaticSource) AgentGroup(_ context.Context, agentID string) (string, error) {
	groupID, ok := s.agentGroups[agentID]
	if !ok {
		return "", ErrAgentUnknown
	}
	return groupID, nil
}

// GroupAccount resolves the account binding for one group.
// Params: ctx unused; group ID.
// Returns: account ID or ErrGroupUnknown.
func (s *StaticSource) GroupAccount(_ context.Context, groupID string) (string, error) {
	accountID, ok := s.groupAccounts[groupID]
	if !ok {
		return "", ErrGroupUnknown
	}
	return accountID, nil
}

// AllRules lists every configured rule.
// Params: ctx unused.
// Returns: rules across all groups.
func (s *StaticSource) AllRules(_ context.Context) ([]domain.Rule, error) {
	return s.allRules, nil
}

// Close releases static source resources.
// Params: none.
// Returns: nil.
func (s *StaticSource) Close() error {
	return nil
}
