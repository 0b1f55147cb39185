// Package engine turns window verdicts into rule-state transitions and
// recorded alert occurrences.
package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"fleetmon/internal/clock"
	"fleetmon/internal/domain"
	"fleetmon/internal/logging"
	"fleetmon/internal/metrics"
	"fleetmon/internal/occurrence"
	"fleetmon/internal/registry"
	"fleetmon/internal/state"
	"fleetmon/internal/window"

	"github.com/google/uuid"
)

// lockStripes is the per-(agent, rule) serialization fan-out.
const lockStripes = 64

// stalenessFactor caps sweep work: agents idle longer than this multiple of
// the largest retention horizon are skipped until they report again.
const stalenessFactor = 5

// catchUpSweeps forces every Nth sweep to include stale agents, so their
// state is never stranded behind the staleness ceiling.
const catchUpSweeps = 16

// configErrorLogInterval spaces repeated misconfigured-rule warnings.
const configErrorLogInterval = time.Minute

// Registry is the configuration surface the evaluator reads.
// Params: group-scoped rule/channel lookups and agent assignment.
// Returns: possibly cached configuration reads.
type Registry interface {
	RulesForGroup(ctx context.Context, groupID string) ([]domain.Rule, error)
	AgentGroup(ctx context.Context, agentID string) (string, error)
	GroupAccount(ctx context.Context, groupID string) (string, error)
	AllRules(ctx context.Context) ([]domain.Rule, error)
}

// FiringHandler receives each newly recorded occurrence for delivery fan-out.
// Params: ctx and the recorded occurrence.
// Returns: none; delivery failures are the dispatcher's concern.
type FiringHandler func(ctx context.Context, occ domain.AlertOccurrence)

// Evaluator owns the OK/FIRING decision per (agent, rule) pair.
// State flips and occurrence inserts are serialized per pair through striped
// locks; the state store revision is the cross-instance tiebreaker.
// Params: window history, stores, registry, clock, and fan-out callback.
// Returns: transition evaluation behavior.
type Evaluator struct {
	reg      Registry
	agg      *window.Aggregator
	states   state.Store
	occs     occurrence.Store
	onFiring FiringHandler
	clk      clock.Clock
	logger   *slog.Logger
	limited  *logging.Limiter
	grace    time.Duration

	// sweepSeq only advances from the single sweep loop.
	sweepSeq uint64

	locks [lockStripes]sync.Mutex
}

// New builds an evaluator.
// Params: registry, aggregator, state and occurrence stores, firing callback,
// grace period for disabled-rule state, clock, and logger.
// Returns: ready evaluator.
func New(
	reg Registry,
	agg *window.Aggregator,
	states state.Store,
	occs occurrence.Store,
	onFiring FiringHandler,
	grace time.Duration,
	clk clock.Clock,
	logger *slog.Logger,
) *Evaluator {
	return &Evaluator{
		reg:      reg,
		agg:      agg,
		states:   states,
		occs:     occs,
		onFiring: onFiring,
		clk:      clk,
		logger:   logger,
		limited:  logging.NewLimiter(logger, configErrorLogInterval, clk),
		grace:    grace,
	}
}

// EvaluateAgent evaluates every enabled rule of the agent's group.
// Params: ctx, agent ID, and evaluation time.
// Returns: first registry or store error; unknown agents are not an error.
func (e *Evaluator) EvaluateAgent(ctx context.Context, agentID string, now time.Time) error {
	groupID, err := e.reg.AgentGroup(ctx, agentID)
	if errors.Is(err, registry.ErrAgentUnknown) {
		e.logger.Debug("event from unassigned agent", "agent_id", agentID)
		return nil
	}
	if err != nil {
		return err
	}

	rules, err := e.reg.RulesForGroup(ctx, groupID)
	if err != nil {
		return err
	}

	accountID, err := e.reg.GroupAccount(ctx, groupID)
	if errors.Is(err, registry.ErrGroupUnknown) {
		accountID = ""
	} else if err != nil {
		return err
	}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if err := e.evaluateRule(ctx, agentID, groupID, accountID, rule, now); err != nil {
			return err
		}
	}
	return nil
}

// evaluateRule applies one rule to one agent's sample history.
// Params: identity context, rule, and evaluation time.
// Returns: store error; misconfigured rules log and yield no transition.
func (e *Evaluator) evaluateRule(ctx context.Context, agentID, groupID, accountID string, rule domain.Rule, now time.Time) error {
	stripe := &e.locks[stripeIndex(agentID, rule.ID)]
	stripe.Lock()
	defer stripe.Unlock()

	verdict, err := e.agg.HoldsAt(rule, agentID, now)
	if err != nil {
		metrics.RuleConfigErrorsTotal.WithLabelValues(rule.ID).Inc()
		e.limited.Log(ctx, rule.ID, slog.LevelWarn, "rule cannot evaluate against sample type",
			"rule_id", rule.ID,
			"agent_id", agentID,
			"metric", string(rule.Metric),
			"error", err,
		)
		return nil
	}

	key := domain.StateKey(rule.ID, agentID)
	st, rev, err := e.states.Get(ctx, key)
	if errors.Is(err, state.ErrNotFound) {
		st = domain.RuleState{AgentID: agentID, RuleID: rule.ID}
		rev = 0
	} else if err != nil {
		return err
	}

	switch {
	case verdict.Holds && !st.IsFiring:
		return e.recordFiring(ctx, key, st, rev, verdict, rule, agentID, groupID, accountID, now)
	case !verdict.Holds && st.IsFiring && verdict.HasData:
		return e.recordResolution(ctx, key, st, rev, verdict)
	case verdict.HasData:
		return e.touchState(ctx, key, st, rev, verdict)
	default:
		return nil
	}
}

// recordFiring flips state to FIRING and inserts exactly one occurrence.
// The flip lands first; a failed insert rolls the flip back so a later
// evaluation can retry the transition.
// Params: state key, current state and revision, verdict, rule, identity, and time.
// Returns: store error after rollback handling.
func (e *Evaluator) recordFiring(
	ctx context.Context,
	key string,
	prev domain.RuleState,
	rev uint64,
	verdict window.Verdict,
	rule domain.Rule,
	agentID, groupID, accountID string,
	now time.Time,
) error {
	next := prev
	next.AgentID = agentID
	next.RuleID = rule.ID
	next.IsFiring = true
	firingSince := now
	next.FiringSince = &firingSince
	lastSample := verdict.Latest.ObservedAt
	next.LastSampleAt = &lastSample
	next.FrozenAt = nil

	newRev, err := e.writeState(ctx, key, rev, next)
	if errors.Is(err, state.ErrConflict) {
		// Another instance won the transition.
		metrics.DoubleFireSuspectsTotal.Inc()
		e.logger.Debug("state flip lost revision race", "state_key", key)
		return nil
	}
	if err != nil {
		return err
	}

	occ := domain.AlertOccurrence{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		GroupID:     groupID,
		AgentID:     agentID,
		RuleID:      rule.ID,
		Severity:    rule.Severity,
		Metric:      rule.Metric,
		Message:     domain.OccurrenceMessage(rule),
		AnomalyType: domain.AnomalyType(rule),
		AnomalyData: domain.AnomalyData(verdict.Latest, verdict.RunStart),
		CreatedAt:   now,
	}
	if err := e.occs.Insert(ctx, occ); err != nil {
		if _, rollbackErr := e.states.Update(ctx, key, newRev, prev); rollbackErr != nil {
			e.logger.Error("state rollback failed after occurrence insert error",
				"state_key", key,
				"insert_error", err,
				"rollback_error", rollbackErr,
			)
			return rollbackErr
		}
		return err
	}

	metrics.TransitionsTotal.WithLabelValues("firing").Inc()
	e.logger.Info("rule firing",
		"rule_id", rule.ID,
		"agent_id", agentID,
		"severity", string(rule.Severity),
		"occurrence_id", occ.ID,
	)
	if e.onFiring != nil {
		e.onFiring(ctx, occ)
	}
	return nil
}

// recordResolution flips state back to OK without recording an occurrence.
// Params: state key, current state and revision, and verdict.
// Returns: store error.
func (e *Evaluator) recordResolution(ctx context.Context, key string, prev domain.RuleState, rev uint64, verdict window.Verdict) error {
	next := prev
	next.IsFiring = false
	next.FiringSince = nil
	lastSample := verdict.Latest.ObservedAt
	next.LastSampleAt = &lastSample

	_, err := e.writeState(ctx, key, rev, next)
	if errors.Is(err, state.ErrConflict) {
		e.logger.Debug("state flip lost revision race", "state_key", key)
		return nil
	}
	if err != nil {
		return err
	}

	metrics.TransitionsTotal.WithLabelValues("resolved").Inc()
	e.logger.Info("rule resolved", "rule_id", prev.RuleID, "agent_id", prev.AgentID)
	return nil
}

// touchState refreshes the last-sample marker without a transition.
// Params: state key, current state and revision, and verdict.
// Returns: store error; revision races are ignored.
func (e *Evaluator) touchState(ctx context.Context, key string, st domain.RuleState, rev uint64, verdict window.Verdict) error {
	if rev == 0 {
		// No transition has created this state yet.
		return nil
	}
	lastSample := verdict.Latest.ObservedAt
	if st.LastSampleAt != nil && !lastSample.After(*st.LastSampleAt) {
		return nil
	}
	st.LastSampleAt = &lastSample
	_, err := e.states.Update(ctx, key, rev, st)
	if errors.Is(err, state.ErrConflict) {
		return nil
	}
	return err
}

// writeState creates or CAS-updates one state entry. Both paths report
// ErrConflict when a concurrent writer got there first, so first transitions
// are fenced the same way as later ones.
// Params: key, expected revision (0 for create-only write), and payload.
// Returns: new revision or store error.
func (e *Evaluator) writeState(ctx context.Context, key string, rev uint64, st domain.RuleState) (uint64, error) {
	if rev == 0 {
		return e.states.Create(ctx, key, st)
	}
	return e.states.Update(ctx, key, rev, st)
}

// Sweep re-evaluates active agents and maintains disabled-rule state.
// Agents idle beyond the staleness ceiling are skipped so one sweep stays
// bounded by recently active fleet size; every catchUpSweeps-th sweep
// includes them anyway.
// Params: ctx and sweep time.
// Returns: first registry error; per-agent errors are logged and skipped.
func (e *Evaluator) Sweep(ctx context.Context, now time.Time) error {
	started := e.clk.Now()
	defer func() {
		metrics.SweepDuration.Observe(e.clk.Now().Sub(started).Seconds())
	}()

	rules, err := e.reg.AllRules(ctx)
	if err != nil {
		return err
	}
	e.agg.SetHorizons(rules)

	e.sweepSeq++
	includeStale := e.sweepSeq%catchUpSweeps == 0

	ceiling := time.Duration(stalenessFactor) * e.agg.MaxHorizon()
	for _, agentID := range e.agg.ActiveAgents() {
		last, ok := e.agg.LastActivity(agentID)
		if !includeStale && ok && now.Sub(last) > ceiling {
			metrics.SweepAgentsSkipped.Inc()
			continue
		}
		if err := e.EvaluateAgent(ctx, agentID, now); err != nil {
			e.logger.Error("sweep evaluation failed", "agent_id", agentID, "error", err)
		}
	}

	return e.maintainDisabledRules(ctx, rules, now)
}

// maintainDisabledRules freezes state under disabled rules and evicts frozen
// state whose grace tick expired. Re-enabled rules are thawed in place.
// Params: ctx, full rule list, and sweep time.
// Returns: nil; store errors are logged per key.
func (e *Evaluator) maintainDisabledRules(ctx context.Context, rules []domain.Rule, now time.Time) error {
	for _, rule := range rules {
		keys, err := e.states.ListKeysByRule(ctx, rule.ID)
		if err != nil {
			e.logger.Error("list rule state failed", "rule_id", rule.ID, "error", err)
			continue
		}
		for _, key := range keys {
			if rule.Enabled {
				e.thawKey(ctx, key)
				continue
			}
			e.freezeOrEvictKey(ctx, key, now)
		}
	}
	return nil
}

// thawKey clears the frozen marker on one state entry.
// Params: ctx and state key.
// Returns: none; races and missing keys are ignored.
func (e *Evaluator) thawKey(ctx context.Context, key string) {
	st, rev, err := e.states.Get(ctx, key)
	if err != nil || st.FrozenAt == nil {
		return
	}
	st.FrozenAt = nil
	if _, err := e.states.Update(ctx, key, rev, st); err != nil && !errors.Is(err, state.ErrConflict) {
		e.logger.Error("thaw state failed", "state_key", key, "error", err)
	}
}

// freezeOrEvictKey freezes one state entry or deletes it after grace expiry.
// Params: ctx, state key, and sweep time.
// Returns: none; store errors are logged.
func (e *Evaluator) freezeOrEvictKey(ctx context.Context, key string, now time.Time) {
	st, rev, err := e.states.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			e.logger.Error("read state failed", "state_key", key, "error", err)
		}
		return
	}

	if st.FrozenAt == nil {
		frozenAt := now
		st.FrozenAt = &frozenAt
		if _, err := e.states.Update(ctx, key, rev, st); err != nil && !errors.Is(err, state.ErrConflict) {
			e.logger.Error("freeze state failed", "state_key", key, "error", err)
			return
		}
		if err := e.states.RefreshGraceTick(ctx, key, now, e.grace); err != nil {
			e.logger.Error("grace tick write failed", "state_key", key, "error", err)
		}
		return
	}

	alive, err := e.states.HasGraceTick(ctx, key)
	if err != nil {
		e.logger.Error("grace tick read failed", "state_key", key, "error", err)
		return
	}
	if alive {
		return
	}
	if err := e.states.Delete(ctx, key); err != nil {
		e.logger.Error("evict state failed", "state_key", key, "error", err)
	}
}

// stripeIndex hashes one (agent, rule) pair onto a lock stripe.
// Params: agent and rule identifiers.
// Returns: stripe index.
func stripeIndex(agentID, ruleID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(ruleID))
	return int(h.Sum32() % lockStripes)
}
