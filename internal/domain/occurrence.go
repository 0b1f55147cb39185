package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RuleState is mutable per (agent, rule) firing state.
// It is the authoritative source for transition detection; occurrence
// records are derived from its OK->FIRING edges, never the reverse.
// Params: pair identity, firing flag, and lifecycle timestamps.
// Returns: persisted evaluation state for one pair.
type RuleState struct {
	AgentID      string     `json:"agent_id"`
	RuleID       string     `json:"rule_id"`
	IsFiring     bool       `json:"is_firing"`
	FiringSince  *time.Time `json:"firing_since,omitempty"`
	LastSampleAt *time.Time `json:"last_sample_at,omitempty"`
	FrozenAt     *time.Time `json:"frozen_at,omitempty"`
}

// StateKey builds deterministic store key for one (agent, rule) pair.
// Rule goes first so rule removal can evict by prefix scan.
// Params: rule and agent identifiers.
// Returns: sanitized key in the rule namespace.
func StateKey(ruleID, agentID string) string {
	return "rule/" + sanitizeKeyToken(ruleID) + "/" + sanitizeKeyToken(agentID)
}

// StateKeyRulePrefix returns key prefix covering all agents of one rule.
// Params: rule identifier.
// Returns: prefix for ListByRule scans.
func StateKeyRulePrefix(ruleID string) string {
	return "rule/" + sanitizeKeyToken(ruleID) + "/"
}

// sanitizeKeyToken converts identifiers into stable bucket-safe tokens.
// Params: raw value with possible separators.
// Returns: lower-cased string with unsupported chars replaced by underscore.
func sanitizeKeyToken(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// AlertOccurrence is one durable record of one OK->FIRING transition.
// Params: identity, ownership, rule snapshot fields, and deterministic message.
// Returns: immutable occurrence row for history and dispatch.
type AlertOccurrence struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	GroupID     string    `json:"group_id"`
	AgentID     string    `json:"agent_id"`
	RuleID      string    `json:"rule_id"`
	Severity    Severity  `json:"severity"`
	Metric      Metric    `json:"metric"`
	Message     string    `json:"message"`
	AnomalyType string    `json:"anomaly_type"`
	AnomalyData string    `json:"anomaly_data,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// OccurrenceMessage renders the deterministic occurrence message for a rule.
// Params: rule snapshot at firing time.
// Returns: reproducible "{metric} {op} {threshold} for {window}s" message.
func OccurrenceMessage(rule Rule) string {
	return fmt.Sprintf("%s %s %s for %ds", rule.Metric, rule.Operator, rule.Threshold, rule.WindowSeconds)
}

// AnomalyType renders the deterministic anomaly class for a rule.
// Params: rule snapshot at firing time.
// Returns: "{metric}_threshold" class token.
func AnomalyType(rule Rule) string {
	return string(rule.Metric) + "_threshold"
}

// AnomalyData encodes the triggering sample and window bounds as JSON.
// Params: triggering sample and the satisfying run start.
// Returns: compact JSON document or empty string on encode failure.
func AnomalyData(sample MetricSample, runStart time.Time) string {
	payload := struct {
		Value      string    `json:"value"`
		ObservedAt time.Time `json:"observed_at"`
		RunStart   time.Time `json:"run_start"`
	}{
		Value:      sample.Value.String(),
		ObservedAt: sample.ObservedAt,
		RunStart:   runStart,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// AttemptOutcome classifies one delivery attempt result.
// Params: success/failure/timeout constants.
// Returns: outcome stored per delivery attempt.
type AttemptOutcome string

const (
	// OutcomeSuccess marks accepted delivery.
	OutcomeSuccess AttemptOutcome = "success"
	// OutcomeFailure marks rejected or errored delivery.
	OutcomeFailure AttemptOutcome = "failure"
	// OutcomeTimeout marks delivery that exceeded the per-attempt deadline.
	OutcomeTimeout AttemptOutcome = "timeout"
)

// DeliveryAttempt records one delivery try for (occurrence, channel).
// Params: pair identity, attempt ordinal, outcome, and response metadata.
// Returns: attempt row for retry gating and the dashboard delivery log.
type DeliveryAttempt struct {
	OccurrenceID  string         `json:"occurrence_id"`
	ChannelID     string         `json:"channel_id"`
	AttemptNumber int            `json:"attempt_number"`
	Outcome       AttemptOutcome `json:"outcome"`
	ResponseCode  int            `json:"response_code,omitempty"`
	Terminal      bool           `json:"terminal"`
	AttemptedAt   time.Time      `json:"attempted_at"`
}
