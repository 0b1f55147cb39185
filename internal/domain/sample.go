package domain

import (
	"strconv"
	"time"
)

// Metric identifies one monitored metric class.
// Params: constants for cpu/memory/disk/process/network/usb.
// Returns: metric key used by rules and sample buffers.
type Metric string

const (
	// MetricCPU is cpu usage percentage.
	MetricCPU Metric = "cpu"
	// MetricMemory is memory usage percentage.
	MetricMemory Metric = "memory"
	// MetricDisk is disk usage percentage.
	MetricDisk Metric = "disk"
	// MetricProcess is running process count.
	MetricProcess Metric = "process"
	// MetricNetwork is connectivity status class.
	MetricNetwork Metric = "network"
	// MetricUSB is USB device change class.
	MetricUSB Metric = "usb"
)

// KnownMetrics returns all supported metric classes in stable order.
// Params: none.
// Returns: metric slice for validation and iteration.
func KnownMetrics() []Metric {
	return []Metric{MetricCPU, MetricMemory, MetricDisk, MetricProcess, MetricNetwork, MetricUSB}
}

// IsKnownMetric reports whether value is a supported metric class.
// Params: candidate metric value.
// Returns: true for known metric keys.
func IsKnownMetric(m Metric) bool {
	switch m {
	case MetricCPU, MetricMemory, MetricDisk, MetricProcess, MetricNetwork, MetricUSB:
		return true
	default:
		return false
	}
}

// SampleValue stores one typed metric reading.
// Params: Kind selects numeric or string payload.
// Returns: strict typed value for rule comparison.
type SampleValue struct {
	Kind string  `json:"k"`
	Num  float64 `json:"n,omitempty"`
	Str  string  `json:"s,omitempty"`
}

// NumberValue builds numeric sample value.
// Params: float reading.
// Returns: typed value with numeric kind.
func NumberValue(n float64) SampleValue {
	return SampleValue{Kind: "n", Num: n}
}

// StringValue builds string sample value.
// Params: status-like string reading.
// Returns: typed value with string kind.
func StringValue(s string) SampleValue {
	return SampleValue{Kind: "s", Str: s}
}

// IsNumeric reports whether value carries a number.
// Params: none.
// Returns: true for numeric kind.
func (v SampleValue) IsNumeric() bool {
	return v.Kind == "n"
}

// String formats typed value for messages and template rendering.
// Params: none.
// Returns: compact string representation.
func (v SampleValue) String() string {
	if v.IsNumeric() {
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	}
	return v.Str
}

// MetricSample is one normalized metric reading for one agent.
// Params: agent identity, metric class, typed value, and observation time.
// Returns: immutable sample consumed by the window aggregator.
type MetricSample struct {
	AgentID    string      `json:"agent_id"`
	Metric     Metric      `json:"metric"`
	Value      SampleValue `json:"value"`
	ObservedAt time.Time   `json:"observed_at"`
}
