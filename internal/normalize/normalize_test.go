package normalize

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"fleetmon/internal/domain"
)

func newTestNormalizer() *Normalizer {
	return New(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

func telemetryEvent(t *testing.T, agentID string, payload string) domain.AgentEvent {
	t.Helper()
	return domain.AgentEvent{
		AgentID: agentID,
		DT:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Type:    domain.EventTypeTelemetry,
		Payload: json.RawMessage(payload),
	}
}

func TestExtractTelemetrySamples(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	event := telemetryEvent(t, "agent-1", `{
		"cpu": {"usagePercent": 92.5},
		"memory": {"usagePercent": 41},
		"disk": {"usagePercent": 77.1},
		"processCount": 214
	}`)

	samples := n.Extract(event)
	if len(samples) != 4 {
		t.Fatalf("samples = %d, want 4", len(samples))
	}

	byMetric := make(map[domain.Metric]domain.MetricSample, len(samples))
	for _, sample := range samples {
		if sample.AgentID != "agent-1" {
			t.Fatalf("agent_id = %q, want agent-1", sample.AgentID)
		}
		if !sample.ObservedAt.Equal(event.EventTime()) {
			t.Fatalf("observed_at = %s, want %s", sample.ObservedAt, event.EventTime())
		}
		byMetric[sample.Metric] = sample
	}
	if got := byMetric[domain.MetricCPU].Value.Num; got != 92.5 {
		t.Fatalf("cpu = %v, want 92.5", got)
	}
	if got := byMetric[domain.MetricProcess].Value.Num; got != 214 {
		t.Fatalf("process = %v, want 214", got)
	}
}

func TestExtractTelemetrySkipsMissingSections(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	samples := n.Extract(telemetryEvent(t, "agent-1", `{"cpu": {"usagePercent": 10}}`))
	if len(samples) != 1 || samples[0].Metric != domain.MetricCPU {
		t.Fatalf("unexpected samples: %+v", samples)
	}
}

func TestExtractStatusConnectivity(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	event := domain.AgentEvent{
		AgentID: "agent-1",
		DT:      time.Now().UnixMilli(),
		Type:    domain.EventTypeStatus,
		Payload: json.RawMessage(`{"connectivity": "disconnected"}`),
	}
	samples := n.Extract(event)
	if len(samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(samples))
	}
	if samples[0].Metric != domain.MetricNetwork || samples[0].Value.Str != "disconnected" {
		t.Fatalf("unexpected sample: %+v", samples[0])
	}

	event.Payload = json.RawMessage(`{"uptime": 12}`)
	if samples := n.Extract(event); len(samples) != 0 {
		t.Fatalf("status without connectivity should yield no samples, got %+v", samples)
	}
}

func TestExtractScanDiffsSerialSet(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	scan := func(payload string) []domain.MetricSample {
		return n.Extract(domain.AgentEvent{
			AgentID: "agent-1",
			DT:      time.Now().UnixMilli(),
			Type:    domain.EventTypeScan,
			Payload: json.RawMessage(payload),
		})
	}

	if samples := scan(`{"devices": [{"serial": "A"}, {"serial": "B"}]}`); len(samples) != 0 {
		t.Fatalf("baseline scan should yield no samples, got %+v", samples)
	}
	samples := scan(`{"devices": [{"serial": "A"}, {"serial": "C"}]}`)
	if len(samples) != 2 {
		t.Fatalf("samples = %d, want 2 (removed and added)", len(samples))
	}
	if samples[0].Value.Str != "removed" || samples[1].Value.Str != "added" {
		t.Fatalf("unexpected change tokens: %+v", samples)
	}

	if samples := scan(`{"devices": [{"serial": "A"}, {"serial": "C"}]}`); len(samples) != 0 {
		t.Fatalf("unchanged scan should yield no samples, got %+v", samples)
	}
	samples = scan(`{"devices": [{"serial": "A"}]}`)
	if len(samples) != 1 || samples[0].Value.Str != "removed" {
		t.Fatalf("unexpected samples after unplug: %+v", samples)
	}
}

func TestExtractScanForgetAgentResetsBaseline(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	event := domain.AgentEvent{
		AgentID: "agent-1",
		DT:      time.Now().UnixMilli(),
		Type:    domain.EventTypeScan,
		Payload: json.RawMessage(`{"devices": [{"serial": "A"}]}`),
	}
	n.Extract(event)
	n.ForgetAgent("agent-1")

	event.Payload = json.RawMessage(`{"devices": []}`)
	if samples := n.Extract(event); len(samples) != 0 {
		t.Fatalf("scan after forget should re-baseline, got %+v", samples)
	}
}

func TestExtractDropsMalformedPayloads(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	if samples := n.Extract(telemetryEvent(t, "agent-1", `{"cpu": "not-an-object"`)); len(samples) != 0 {
		t.Fatalf("malformed payload should yield no samples, got %+v", samples)
	}
	if samples := n.Extract(telemetryEvent(t, "agent-1", ``)); len(samples) != 0 {
		t.Fatalf("empty payload should yield no samples, got %+v", samples)
	}
}

func TestExtractUnknownTypeYieldsNothing(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	event := domain.AgentEvent{
		AgentID: "agent-1",
		DT:      time.Now().UnixMilli(),
		Type:    domain.EventTypeAnomaly,
		Payload: json.RawMessage(`{"kind": "custom"}`),
	}
	if samples := n.Extract(event); len(samples) != 0 {
		t.Fatalf("anomaly events should yield no samples, got %+v", samples)
	}
}
