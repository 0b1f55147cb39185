// Package window keeps short per-agent/metric sample history and answers
// whether a rule condition has held continuously long enough.
package window

import (
	"sort"
	"sync"
	"time"

	"fleetmon/internal/domain"
)

// defaultHorizon retains samples for metrics no rule currently watches.
const defaultHorizon = 5 * time.Minute

type bufferKey struct {
	agentID string
	metric  domain.Metric
}

// Verdict is one rule evaluation over the sample history.
// Params: outcome of Aggregator.HoldsAt.
// Returns: hold flag, satisfying run bounds, and the latest sample.
type Verdict struct {
	Holds    bool
	RunStart time.Time
	Latest   domain.MetricSample
	HasData  bool
}

// Aggregator buffers samples per (agent, metric) in observation order.
// Params: retention horizons derived from active rule windows.
// Returns: sample history with rule-hold evaluation.
type Aggregator struct {
	mu           sync.Mutex
	buffers      map[bufferKey][]domain.MetricSample
	horizons     map[domain.Metric]time.Duration
	lastActivity map[string]time.Time
	maxHorizon   time.Duration
}

// New builds an empty aggregator.
// Params: none.
// Returns: ready aggregator with default horizons.
func New() *Aggregator {
	return &Aggregator{
		buffers:      make(map[bufferKey][]domain.MetricSample),
		horizons:     make(map[domain.Metric]time.Duration),
		lastActivity: make(map[string]time.Time),
		maxHorizon:   defaultHorizon,
	}
}

// SetHorizons recomputes per-metric retention from the active rule set.
// Horizon per metric is the largest rule window watching it, floored at the
// default so late rule changes still see recent history.
// Params: rules currently active across all groups.
// Returns: none.
func (a *Aggregator) SetHorizons(rules []domain.Rule) {
	horizons := make(map[domain.Metric]time.Duration, len(rules))
	maxHorizon := defaultHorizon
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		window := time.Duration(rule.WindowSeconds) * time.Second
		if window > horizons[rule.Metric] {
			horizons[rule.Metric] = window
		}
		if window > maxHorizon {
			maxHorizon = window
		}
	}

	a.mu.Lock()
	a.horizons = horizons
	a.maxHorizon = maxHorizon
	a.mu.Unlock()
}

// MaxHorizon reports the largest retention horizon currently in force.
// Params: none.
// Returns: horizon duration.
func (a *Aggregator) MaxHorizon() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxHorizon
}

// Observe inserts one sample in time order and prunes past the horizon.
// Params: sample with agent, metric, value, and observation time.
// Returns: none.
func (a *Aggregator) Observe(sample domain.MetricSample) {
	key := bufferKey{agentID: sample.AgentID, metric: sample.Metric}

	a.mu.Lock()
	defer a.mu.Unlock()

	buffer := a.buffers[key]
	idx := sort.Search(len(buffer), func(i int) bool {
		return buffer[i].ObservedAt.After(sample.ObservedAt)
	})
	buffer = append(buffer, domain.MetricSample{})
	copy(buffer[idx+1:], buffer[idx:])
	buffer[idx] = sample

	a.buffers[key] = a.pruneLocked(key.metric, buffer)

	if last, ok := a.lastActivity[sample.AgentID]; !ok || sample.ObservedAt.After(last) {
		a.lastActivity[sample.AgentID] = sample.ObservedAt
	}
}

// pruneLocked drops samples older than the horizon behind the newest one.
// Params: metric for horizon lookup; buffer sorted by observation time.
// Returns: pruned buffer slice.
func (a *Aggregator) pruneLocked(metric domain.Metric, buffer []domain.MetricSample) []domain.MetricSample {
	if len(buffer) == 0 {
		return buffer
	}
	horizon := a.horizons[metric]
	if horizon < defaultHorizon {
		horizon = defaultHorizon
	}
	cutoff := buffer[len(buffer)-1].ObservedAt.Add(-horizon)
	idx := sort.Search(len(buffer), func(i int) bool {
		return !buffer[i].ObservedAt.Before(cutoff)
	})
	if idx == 0 {
		return buffer
	}
	return append(buffer[:0:0], buffer[idx:]...)
}

// HoldsAt evaluates whether the rule condition has held continuously for the
// rule window as of now. The latest sample must satisfy the rule, every
// sample back to the run start must satisfy it, and the run must have begun
// at least window seconds before now. A one-shot sample therefore matures
// into a hold once enough wall time passes without a contradicting sample.
// Params: rule to evaluate; agentID sample stream owner; now evaluation time.
// Returns: verdict and the configuration error from operand mismatch, if any.
func (a *Aggregator) HoldsAt(rule domain.Rule, agentID string, now time.Time) (Verdict, error) {
	key := bufferKey{agentID: agentID, metric: rule.Metric}

	a.mu.Lock()
	buffer := a.buffers[key]
	snapshot := append(buffer[:0:0], buffer...)
	a.mu.Unlock()

	if len(snapshot) == 0 {
		return Verdict{}, nil
	}

	latest := snapshot[len(snapshot)-1]
	verdict := Verdict{Latest: latest, HasData: true}

	ok, err := rule.Satisfied(latest.Value)
	if err != nil {
		return verdict, err
	}
	if !ok {
		return verdict, nil
	}

	runStart := latest.ObservedAt
	for i := len(snapshot) - 2; i >= 0; i-- {
		ok, err := rule.Satisfied(snapshot[i].Value)
		if err != nil {
			return verdict, err
		}
		if !ok {
			break
		}
		runStart = snapshot[i].ObservedAt
	}

	verdict.RunStart = runStart
	verdict.Holds = now.Sub(runStart) >= time.Duration(rule.WindowSeconds)*time.Second
	return verdict, nil
}

// LastActivity reports the newest observation time for one agent.
// Params: agentID to look up.
// Returns: observation time and presence flag.
func (a *Aggregator) LastActivity(agentID string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastActivity[agentID]
	return last, ok
}

// ActiveAgents lists agents with buffered samples, most recent first.
// Params: none.
// Returns: agent IDs ordered by last activity descending.
func (a *Aggregator) ActiveAgents() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	agents := make([]string, 0, len(a.lastActivity))
	for agentID := range a.lastActivity {
		agents = append(agents, agentID)
	}
	sort.Slice(agents, func(i, j int) bool {
		ti, tj := a.lastActivity[agents[i]], a.lastActivity[agents[j]]
		if ti.Equal(tj) {
			return agents[i] < agents[j]
		}
		return ti.After(tj)
	})
	return agents
}

// ForgetAgent drops all buffered samples and activity for one agent.
// Params: agentID to evict.
// Returns: none.
func (a *Aggregator) ForgetAgent(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key := range a.buffers {
		if key.agentID == agentID {
			delete(a.buffers, key)
		}
	}
	delete(a.lastActivity, agentID)
}
