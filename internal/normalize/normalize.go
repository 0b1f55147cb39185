// Package normalize converts raw agent events into typed metric samples.
//
// Each known event type maps to one extraction function. Unknown types and
// malformed payloads produce no samples; extraction never fails the caller.
package normalize

import (
	"encoding/json"
	"log/slog"
	"sync"

	"fleetmon/internal/domain"
	"fleetmon/internal/metrics"
)

// maxTrackedSerials bounds the per-agent USB snapshot.
const maxTrackedSerials = 256

const (
	usbChangeAdded   = "added"
	usbChangeRemoved = "removed"
)

// Normalizer extracts metric samples from agent events.
// Params: logger for payload drop diagnostics.
// Returns: stateful normalizer holding per-agent USB snapshots.
type Normalizer struct {
	logger *slog.Logger

	mu         sync.Mutex
	usbSerials map[string]map[string]struct{}
}

// New builds a normalizer.
// Params: logger sink.
// Returns: ready normalizer.
func New(logger *slog.Logger) *Normalizer {
	return &Normalizer{
		logger:     logger,
		usbSerials: make(map[string]map[string]struct{}),
	}
}

// telemetryPayload is the decoded shape of telemetry events.
type telemetryPayload struct {
	CPU          *usageSection `json:"cpu"`
	Memory       *usageSection `json:"memory"`
	Disk         *usageSection `json:"disk"`
	ProcessCount *float64      `json:"processCount"`
}

type usageSection struct {
	UsagePercent *float64 `json:"usagePercent"`
}

// statusPayload is the decoded shape of status events.
type statusPayload struct {
	Connectivity string `json:"connectivity"`
}

// scanPayload is the decoded shape of usb scan events.
type scanPayload struct {
	Devices []scanDevice `json:"devices"`
}

type scanDevice struct {
	Serial string `json:"serial"`
}

// Extract produces zero or more samples for one event.
// Params: event with validated envelope fields.
// Returns: samples in extraction order; never an error.
func (n *Normalizer) Extract(event domain.AgentEvent) []domain.MetricSample {
	switch event.Type {
	case domain.EventTypeTelemetry:
		return n.extractTelemetry(event)
	case domain.EventTypeStatus:
		return n.extractStatus(event)
	case domain.EventTypeScan:
		return n.extractScan(event)
	default:
		return nil
	}
}

// extractTelemetry yields cpu/memory/disk/process samples for present fields.
// Params: telemetry event.
// Returns: up to four numeric samples.
func (n *Normalizer) extractTelemetry(event domain.AgentEvent) []domain.MetricSample {
	var payload telemetryPayload
	if !n.decode(event, &payload) {
		return nil
	}

	observedAt := event.EventTime()
	samples := make([]domain.MetricSample, 0, 4)
	appendUsage := func(metric domain.Metric, section *usageSection) {
		if section == nil || section.UsagePercent == nil {
			return
		}
		samples = append(samples, domain.MetricSample{
			AgentID:    event.AgentID,
			Metric:     metric,
			Value:      domain.NumberValue(*section.UsagePercent),
			ObservedAt: observedAt,
		})
		metrics.SamplesExtractedTotal.WithLabelValues(string(metric)).Inc()
	}
	appendUsage(domain.MetricCPU, payload.CPU)
	appendUsage(domain.MetricMemory, payload.Memory)
	appendUsage(domain.MetricDisk, payload.Disk)

	if payload.ProcessCount != nil {
		samples = append(samples, domain.MetricSample{
			AgentID:    event.AgentID,
			Metric:     domain.MetricProcess,
			Value:      domain.NumberValue(*payload.ProcessCount),
			ObservedAt: observedAt,
		})
		metrics.SamplesExtractedTotal.WithLabelValues(string(domain.MetricProcess)).Inc()
	}
	return samples
}

// extractStatus yields one network sample when connectivity is present.
// Params: status event.
// Returns: zero or one string-valued sample.
func (n *Normalizer) extractStatus(event domain.AgentEvent) []domain.MetricSample {
	var payload statusPayload
	if !n.decode(event, &payload) {
		return nil
	}
	if payload.Connectivity == "" {
		return nil
	}

	metrics.SamplesExtractedTotal.WithLabelValues(string(domain.MetricNetwork)).Inc()
	return []domain.MetricSample{{
		AgentID:    event.AgentID,
		Metric:     domain.MetricNetwork,
		Value:      domain.StringValue(payload.Connectivity),
		ObservedAt: event.EventTime(),
	}}
}

// extractScan diffs the device serial set against the previous scan snapshot
// and yields one usb sample per change direction.
// Params: scan event with device list.
// Returns: zero, one, or two change-token samples.
func (n *Normalizer) extractScan(event domain.AgentEvent) []domain.MetricSample {
	var payload scanPayload
	if !n.decode(event, &payload) {
		return nil
	}

	current := make(map[string]struct{}, len(payload.Devices))
	for _, device := range payload.Devices {
		if device.Serial == "" {
			continue
		}
		current[device.Serial] = struct{}{}
		if len(current) >= maxTrackedSerials {
			break
		}
	}

	n.mu.Lock()
	previous, seen := n.usbSerials[event.AgentID]
	n.usbSerials[event.AgentID] = current
	n.mu.Unlock()

	// First scan establishes the baseline without emitting changes.
	if !seen {
		return nil
	}

	added, removed := false, false
	for serial := range current {
		if _, ok := previous[serial]; !ok {
			added = true
			break
		}
	}
	for serial := range previous {
		if _, ok := current[serial]; !ok {
			removed = true
			break
		}
	}

	observedAt := event.EventTime()
	samples := make([]domain.MetricSample, 0, 2)
	for _, token := range []struct {
		fired bool
		value string
	}{{removed, usbChangeRemoved}, {added, usbChangeAdded}} {
		if !token.fired {
			continue
		}
		samples = append(samples, domain.MetricSample{
			AgentID:    event.AgentID,
			Metric:     domain.MetricUSB,
			Value:      domain.StringValue(token.value),
			ObservedAt: observedAt,
		})
		metrics.SamplesExtractedTotal.WithLabelValues(string(domain.MetricUSB)).Inc()
	}
	return samples
}

// ForgetAgent drops the USB snapshot for one agent.
// Params: agentID to evict.
// Returns: none.
func (n *Normalizer) ForgetAgent(agentID string) {
	n.mu.Lock()
	delete(n.usbSerials, agentID)
	n.mu.Unlock()
}

// decode unmarshals the payload, counting and logging drops.
// Params: event carrying raw payload; dst decode target.
// Returns: true when the payload decoded.
func (n *Normalizer) decode(event domain.AgentEvent, dst any) bool {
	if len(event.Payload) == 0 {
		metrics.PayloadsDroppedTotal.WithLabelValues(string(event.Type)).Inc()
		return false
	}
	if err := json.Unmarshal(event.Payload, dst); err != nil {
		metrics.PayloadsDroppedTotal.WithLabelValues(string(event.Type)).Inc()
		n.logger.Debug("dropped malformed payload",
			"agent_id", event.AgentID,
			"event_type", string(event.Type),
			"error", err,
		)
		return false
	}
	return true
}
