package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Operator is one threshold comparison operator.
// Params: constants for the six supported comparators.
// Returns: comparator applied by rule evaluation.
type Operator string

const (
	// OpGTE is greater-or-equal.
	OpGTE Operator = ">="
	// OpGT is strictly greater.
	OpGT Operator = ">"
	// OpLTE is less-or-equal.
	OpLTE Operator = "<="
	// OpLT is strictly less.
	OpLT Operator = "<"
	// OpEQ is equality.
	OpEQ Operator = "=="
	// OpNEQ is inequality.
	OpNEQ Operator = "!="
)

// Severity classifies rule importance for occurrences and channels.
// Params: info/warning/critical constants.
// Returns: severity carried into alert occurrences.
type Severity string

const (
	// SeverityInfo is informational.
	SeverityInfo Severity = "info"
	// SeverityWarning is degraded but operational.
	SeverityWarning Severity = "warning"
	// SeverityCritical requires operator attention.
	SeverityCritical Severity = "critical"
)

// ErrNonNumericOrdering marks ordering comparison over non-numeric operands.
// Rules hitting it are configuration errors and evaluate as never-satisfied.
var ErrNonNumericOrdering = errors.New("ordering operator requires numeric operands")

// IsOrderingOperator reports whether operator requires numeric operands.
// Params: candidate operator.
// Returns: true for >, >=, <, <=.
func IsOrderingOperator(op Operator) bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE:
		return true
	default:
		return false
	}
}

// IsKnownOperator reports whether operator is supported.
// Params: candidate operator.
// Returns: true for the six comparators.
func IsKnownOperator(op Operator) bool {
	switch op {
	case OpGTE, OpGT, OpLTE, OpLT, OpEQ, OpNEQ:
		return true
	default:
		return false
	}
}

// IsKnownSeverity reports whether severity value is supported.
// Params: candidate severity.
// Returns: true for info/warning/critical.
func IsKnownSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}

// Rule is one operator-defined threshold condition over a metric.
// Params: identity, owning group, comparator, threshold, severity, and window.
// Returns: read-only rule definition from the config registry.
type Rule struct {
	ID            string   `json:"id"`
	GroupID       string   `json:"group_id"`
	Name          string   `json:"name"`
	Metric        Metric   `json:"metric"`
	Operator      Operator `json:"operator"`
	Threshold     string   `json:"threshold"`
	Severity      Severity `json:"severity"`
	WindowSeconds int      `json:"window_seconds"`
	Enabled       bool     `json:"enabled"`
}

// Satisfied applies rule comparator to one sample value.
// Threshold and value compare numerically when both parse as floats;
// otherwise == and != fall back to exact string comparison and ordering
// operators report ErrNonNumericOrdering.
// Params: typed sample value.
// Returns: comparison result or configuration error.
func (r Rule) Satisfied(value SampleValue) (bool, error) {
	threshold, thresholdNumeric := parseNumeric(r.Threshold)
	if value.IsNumeric() && thresholdNumeric {
		return compareNumeric(r.Operator, value.Num, threshold)
	}

	switch r.Operator {
	case OpEQ:
		return value.String() == r.Threshold, nil
	case OpNEQ:
		return value.String() != r.Threshold, nil
	default:
		if IsOrderingOperator(r.Operator) {
			return false, fmt.Errorf("rule %s: %w", r.ID, ErrNonNumericOrdering)
		}
		return false, fmt.Errorf("rule %s: unsupported operator %q", r.ID, r.Operator)
	}
}

// Validate checks rule definition invariants.
// Params: none.
// Returns: first violated constraint.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("rule id is required")
	}
	if strings.TrimSpace(r.GroupID) == "" {
		return errors.New("rule group_id is required")
	}
	if !IsKnownMetric(r.Metric) {
		return fmt.Errorf("unsupported metric %q", r.Metric)
	}
	if !IsKnownOperator(r.Operator) {
		return fmt.Errorf("unsupported operator %q", r.Operator)
	}
	if !IsKnownSeverity(r.Severity) {
		return fmt.Errorf("unsupported severity %q", r.Severity)
	}
	if r.WindowSeconds < 1 {
		return errors.New("window_seconds must be >=1")
	}
	if IsOrderingOperator(r.Operator) {
		if _, ok := parseNumeric(r.Threshold); !ok {
			return fmt.Errorf("threshold %q: %w", r.Threshold, ErrNonNumericOrdering)
		}
	}
	return nil
}

// compareNumeric applies comparator to two floats.
// Params: operator and both operands.
// Returns: comparison result.
func compareNumeric(op Operator, lhs, rhs float64) (bool, error) {
	switch op {
	case OpGTE:
		return lhs >= rhs, nil
	case OpGT:
		return lhs > rhs, nil
	case OpLTE:
		return lhs <= rhs, nil
	case OpLT:
		return lhs < rhs, nil
	case OpEQ:
		return lhs == rhs, nil
	case OpNEQ:
		return lhs != rhs, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

// parseNumeric parses candidate as float64.
// Params: raw threshold or value string.
// Returns: parsed float and success flag.
func parseNumeric(raw string) (float64, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// ChannelType identifies one alert delivery transport.
// Params: email/webhook/telegram constants.
// Returns: channel type read from the config registry.
type ChannelType string

const (
	// ChannelEmail renders a fixed template and hands off to the mail courier.
	ChannelEmail ChannelType = "email"
	// ChannelWebhook issues a templated HTTP request.
	ChannelWebhook ChannelType = "webhook"
	// ChannelTelegram posts the rendered message via Telegram Bot API.
	ChannelTelegram ChannelType = "telegram"
)

// DecodeHeaderMap decodes a JSON object of header names to values.
// Params: raw JSON text; empty or "{}" yields nil.
// Returns: header map or decode error.
func DecodeHeaderMap(raw string) (map[string]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "{}" {
		return nil, nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(trimmed), &headers); err != nil {
		return nil, err
	}
	return headers, nil
}

// AlertChannel is one configured delivery target owned by a group.
// Params: identity, type, target address, and webhook request shaping.
// Returns: read-only channel definition from the config registry.
type AlertChannel struct {
	ID             string            `json:"id"`
	GroupID        string            `json:"group_id"`
	Type           ChannelType       `json:"type"`
	Target         string            `json:"target"`
	WebhookMethod  string            `json:"webhook_method,omitempty"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty"`
	WebhookBody    string            `json:"webhook_body,omitempty"`
	Enabled        bool              `json:"enabled"`
}
