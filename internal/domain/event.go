package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType identifies incoming agent event shape.
// Params: constants for telemetry/status/scan/anomaly reports.
// Returns: normalized event type usage across pipeline.
type EventType string

const (
	// EventTypeTelemetry marks periodic cpu/memory/disk/process readings.
	EventTypeTelemetry EventType = "telemetry"
	// EventTypeStatus marks connectivity and agent-health reports.
	EventTypeStatus EventType = "status"
	// EventTypeScan marks USB device inventory scans.
	EventTypeScan EventType = "scan"
	// EventTypeAnomaly marks agent-side anomaly reports.
	EventTypeAnomaly EventType = "anomaly"
)

// AgentEvent is one raw report received from a monitored agent.
// Params: agent identity, event timestamp in unix milliseconds, type, and raw payload.
// Returns: validated transport payload for the sample normalizer.
type AgentEvent struct {
	AgentID string          `json:"agent_id"`
	DT      int64           `json:"dt"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EventTime converts milliseconds unix timestamp into UTC time.
// Params: none.
// Returns: converted UTC time.
func (e AgentEvent) EventTime() time.Time {
	return time.UnixMilli(e.DT).UTC()
}

// DecodeAgentEvent decodes and validates one agent event payload.
// Params: JSON document bytes.
// Returns: validated event or decode/validation error.
func DecodeAgentEvent(raw []byte) (AgentEvent, error) {
	var event AgentEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return AgentEvent{}, fmt.Errorf("decode agent event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return AgentEvent{}, err
	}
	return event, nil
}

// DecodeAgentEventsReader decodes and validates one batch of agent events from stream.
// Params: reader positioned at one JSON array of events.
// Returns: validated events slice or decode/validation error.
func DecodeAgentEventsReader(reader *json.Decoder) ([]AgentEvent, error) {
	var events []AgentEvent
	if err := reader.Decode(&events); err != nil {
		return nil, fmt.Errorf("decode agent event batch: %w", err)
	}
	if len(events) == 0 {
		return nil, errors.New("event batch must contain at least one event")
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return nil, fmt.Errorf("event[%d]: %w", i, err)
		}
	}
	return events, nil
}

// Validate validates one agent event against the ingest contract.
// Params: event fields parsed from transport.
// Returns: validation error when schema is violated.
func (e AgentEvent) Validate() error {
	if strings.TrimSpace(e.AgentID) == "" {
		return errors.New("agent_id is required")
	}
	if e.DT <= 0 {
		return errors.New("dt must be >0")
	}
	switch e.Type {
	case EventTypeTelemetry, EventTypeStatus, EventTypeScan, EventTypeAnomaly:
	default:
		return fmt.Errorf("unsupported type %q", e.Type)
	}
	return nil
}
