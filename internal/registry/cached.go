package registry

import (
	"context"
	"sync"
	"time"

	"fleetmon/internal/clock"
	"fleetmon/internal/config"
	"fleetmon/internal/domain"
)

type cacheEntry[T any] struct {
	value     T
	err       error
	expiresAt time.Time
}

func (e cacheEntry[T]) fresh(now time.Time) bool {
	return now.Before(e.expiresAt)
}

// CachedRegistry fronts a source with per-kind TTL caches.
// Lookup errors are cached too, so a flapping backend cannot be hammered by
// every sample; stale reads are bounded by the configured TTLs.
// Params: source backend, TTLs, and clock.
// Returns: read-mostly registry with explicit invalidation.
type CachedRegistry struct {
	source      Source
	clk         clock.Clock
	rulesTTL    time.Duration
	channelsTTL time.Duration
	agentsTTL   time.Duration

	mu       sync.Mutex
	rules    map[string]cacheEntry[[]domain.Rule]
	channels map[string]cacheEntry[[]domain.AlertChannel]
	agents   map[string]cacheEntry[string]
	accounts map[string]cacheEntry[string]
}

// NewCachedRegistry builds a TTL cache over one source.
// Params: source backend, registry settings, and clock.
// Returns: ready cached registry.
func NewCachedRegistry(source Source, cfg config.RegistryConfig, clk clock.Clock) *CachedRegistry {
	return &CachedRegistry{
		source:      source,
		clk:         clk,
		rulesTTL:    time.Duration(cfg.RulesTTLSec) * time.Second,
		channelsTTL: time.Duration(cfg.ChannelsTTLSec) * time.Second,
		agentsTTL:   time.Duration(cfg.AgentsTTLSec) * time.Second,
		rules:       make(map[string]cacheEntry[[]domain.Rule]),
		channels:    make(map[string]cacheEntry[[]domain.AlertChannel]),
		agents:      make(map[string]cacheEntry[string]),
		accounts:    make(map[string]cacheEntry[string]),
	}
}

// RulesForGroup returns cached rules for one group.
// Params: ctx and group ID.
// Returns: rules from cache or source.
func (r *CachedRegistry) RulesForGroup(ctx context.Context, groupID string) ([]domain.Rule, error) {
	now := r.clk.Now()

	r.mu.Lock()
	entry, ok := r.rules[groupID]
	r.mu.Unlock()
	if ok && entry.fresh(now) {
		return entry.value, entry.err
	}

	rules, err := r.source.RulesForGroup(ctx, groupID)
	r.mu.Lock()
	r.rules[groupID] = cacheEntry[[]domain.Rule]{value: rules, err: err, expiresAt: now.Add(r.rulesTTL)}
	r.mu.Unlock()
	return rules, err
}

// ChannelsForGroup returns cached channels for one group.
// Params: ctx and group ID.
// Returns: channels from cache or source.
func (r *CachedRegistry) ChannelsForGroup(ctx context.Context, groupID string) ([]domain.AlertChannel, error) {
	now := r.clk.Now()

	r.mu.Lock()
	entry, ok := r.channels[groupID]
	r.mu.Unlock()
	if ok && entry.fresh(now) {
		return entry.value, entry.err
	}

	channels, err := r.source.ChannelsForGroup(ctx, groupID)
	r.mu.Lock()
	r.channels[groupID] = cacheEntry[[]domain.AlertChannel]{value: channels, err: err, expiresAt: now.Add(r.channelsTTL)}
	r.mu.Unlock()
	return channels, err
}

// AgentGroup returns cached group assignment for one agent.
// Unknown agents are negatively cached for the agents TTL.
// Params: ctx and agent ID.
// Returns: group ID or ErrAgentUnknown.
func (r *CachedRegistry) AgentGroup(ctx context.Context, agentID string) (string, error) {
	now := r.clk.Now()

	r.mu.Lock()
	entry, ok := r.agents[agentID]
	r.mu.Unlock()
	if ok && entry.fresh(now) {
		return entry.value, entry.err
	}

	groupID, err := r.source.AgentGroup(ctx, agentID)
	r.mu.Lock()
	r.agents[agentID] = cacheEntry[string]{value: groupID, err: err, expiresAt: now.Add(r.agentsTTL)}
	r.mu.Unlock()
	return groupID, err
}

// GroupAccount returns cached account binding for one group.
// Params: ctx and group ID.
// Returns: account ID or ErrGroupUnknown.
func (r *CachedRegistry) GroupAccount(ctx context.Context, groupID string) (string, error) {
	now := r.clk.Now()

	r.mu.Lock()
	entry, ok := r.accounts[groupID]
	r.mu.Unlock()
	if ok && entry.fresh(now) {
		return entry.value, entry.err
	}

	accountID, err := r.source.GroupAccount(ctx, groupID)
	r.mu.Lock()
	r.accounts[groupID] = cacheEntry[string]{value: accountID, err: err, expiresAt: now.Add(r.agentsTTL)}
	r.mu.Unlock()
	return accountID, err
}

// AllRules returns active rules across all groups, uncached.
// Callers use this for retention horizon recomputation, not per-sample reads.
// Params: ctx.
// Returns: rules from the source.
func (r *CachedRegistry) AllRules(ctx context.Context) ([]domain.Rule, error) {
	return r.source.AllRules(ctx)
}

// Invalidate drops cache entries touched by one config change.
// An empty ID drops the whole kind.
// Params: kind one of rules/channels/agents/accounts; id entry key.
// Returns: none.
func (r *CachedRegistry) Invalidate(kind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch kind {
	case "rules":
		dropEntry(r.rules, id)
	case "channels":
		dropEntry(r.channels, id)
	case "agents":
		dropEntry(r.agents, id)
	case "accounts":
		dropEntry(r.accounts, id)
	}
}

// dropEntry removes one key or clears the map when key is empty.
// Params: cache map and entry key.
// Returns: none.
func dropEntry[T any](cache map[string]cacheEntry[T], id string) {
	if id == "" {
		for key := range cache {
			delete(cache, key)
		}
		return
	}
	delete(cache, id)
}

// Close closes the underlying source.
// Params: none.
// Returns: source close error.
func (r *CachedRegistry) Close() error {
	return r.source.Close()
}
