// Package ingest receives raw agent events over HTTP, NATS JetStream, and
// Kafka and forwards validated events into the evaluation pipeline.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"fleetmon/internal/domain"
)

// EventSink receives decoded events from ingest interfaces.
// Params: ctx and validated event.
// Returns: processing error.
type EventSink interface {
	Push(ctx context.Context, event domain.AgentEvent) error
}

// decodeEventPayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or array.
// Returns: validated events slice.
func decodeEventPayload(raw []byte) ([]domain.AgentEvent, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if payload[0] == '[' {
		events, err := domain.DecodeAgentEventsReader(decoder)
		if err != nil {
			return nil, err
		}
		if err := ensureJSONEOF(decoder); err != nil {
			return nil, err
		}
		return events, nil
	}

	// json.Unmarshal rejects trailing tokens on its own for the single case.
	event, err := domain.DecodeAgentEvent(payload)
	if err != nil {
		return nil, err
	}
	return []domain.AgentEvent{event}, nil
}

// ensureJSONEOF rejects trailing tokens after one decoded document.
// Params: decoder positioned after the document.
// Returns: error when extra JSON tokens remain.
func ensureJSONEOF(decoder *json.Decoder) error {
	if _, err := decoder.Token(); err != io.EOF {
		return errors.New("unexpected trailing data after event payload")
	}
	return nil
}
