package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fleetmon/internal/clock"
	"fleetmon/internal/config"
	"fleetmon/internal/dispatch"
	"fleetmon/internal/domain"
	"fleetmon/internal/occurrence"
	"fleetmon/internal/registry"
	"fleetmon/internal/state"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []dispatch.Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job dispatch.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) snapshot() []dispatch.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]dispatch.Job(nil), q.jobs...)
}

type coreHarness struct {
	core  *Core
	occs  *occurrence.MemoryStore
	queue *recordingQueue
	now   time.Time
}

func newCoreHarness(t *testing.T) *coreHarness {
	t.Helper()

	cfg := config.Config{}
	cfg.Service.Mode = config.ServiceModeSingle
	cfg.Service.StateGracePeriodSec = 900
	cfg.Occurrences.HistoryLimitMax = 5
	cfg.Registry.RulesTTLSec = 5
	cfg.Registry.ChannelsTTLSec = 5
	cfg.Registry.AgentsTTLSec = 30
	cfg.Registry.StaticRules = []config.StaticRule{{
		ID:            "rule-cpu",
		GroupID:       "group-a",
		Name:          "high cpu",
		Metric:        "cpu",
		Operator:      ">=",
		Threshold:     "90",
		Severity:      "critical",
		WindowSeconds: 30,
		Enabled:       true,
	}}
	cfg.Registry.StaticChannels = []config.StaticChannel{
		{ID: "chan-hook", GroupID: "group-a", Type: "webhook", Target: "http://hooks.example/a", Enabled: true},
		{ID: "chan-off", GroupID: "group-a", Type: "webhook", Target: "http://hooks.example/b", Enabled: false},
	}
	cfg.Registry.StaticAgentGroups = map[string]string{"agent-1": "group-a"}
	cfg.Registry.StaticGroupAccount = map[string]string{"group-a": "acct-1"}

	harness := &coreHarness{
		occs:  occurrence.NewMemoryStore(),
		queue: &recordingQueue{},
		now:   time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}
	clk := clock.Func(func() time.Time { return harness.now })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	states := state.NewMemoryStore(clk.Now)
	reg := registry.NewStaticSource(cfg.Registry)

	harness.core = NewCore(cfg, logger, reg, states, harness.occs, harness.queue, clk)
	return harness
}

func (h *coreHarness) pushTelemetry(t *testing.T, agentID string, at time.Time, cpu float64) {
	t.Helper()
	payload := fmt.Sprintf(`{"cpu":{"usagePercent":%g}}`, cpu)
	event := domain.AgentEvent{
		AgentID: agentID,
		DT:      at.UnixMilli(),
		Type:    domain.EventTypeTelemetry,
		Payload: json.RawMessage(payload),
	}
	h.now = at
	if err := h.core.Push(context.Background(), event); err != nil {
		t.Fatalf("Push at %s: %v", at, err)
	}
}

func TestPipelineFiresOnceAndFansOut(t *testing.T) {
	t.Parallel()

	h := newCoreHarness(t)
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	h.pushTelemetry(t, "agent-1", base, 95)
	if jobs := h.queue.snapshot(); len(jobs) != 0 {
		t.Fatalf("breach below window must not fire, got %d jobs", len(jobs))
	}

	h.pushTelemetry(t, "agent-1", base.Add(35*time.Second), 95)
	jobs := h.queue.snapshot()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 fan-out job for the enabled channel, got %d", len(jobs))
	}
	if jobs[0].Channel.ID != "chan-hook" {
		t.Fatalf("expected enabled channel, got %q", jobs[0].Channel.ID)
	}
	occ := jobs[0].Occurrence
	if occ.RuleID != "rule-cpu" || occ.AgentID != "agent-1" || occ.GroupID != "group-a" || occ.AccountID != "acct-1" {
		t.Fatalf("unexpected occurrence identity %+v", occ)
	}
	if occ.Message != "cpu >= 90 for 30s" {
		t.Fatalf("unexpected message %q", occ.Message)
	}

	// Continued breach must not fire again.
	h.pushTelemetry(t, "agent-1", base.Add(60*time.Second), 97)
	h.pushTelemetry(t, "agent-1", base.Add(90*time.Second), 99)
	if jobs := h.queue.snapshot(); len(jobs) != 1 {
		t.Fatalf("expected no refire while breach holds, got %d jobs", len(jobs))
	}

	recorded, err := h.occs.List(context.Background(), "group-a", 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recorded) != 1 {
		t.Fatalf("expected exactly one recorded occurrence, got %d", len(recorded))
	}
}

func TestPipelineRefiresAfterResolution(t *testing.T) {
	t.Parallel()

	h := newCoreHarness(t)
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	h.pushTelemetry(t, "agent-1", base, 95)
	h.pushTelemetry(t, "agent-1", base.Add(35*time.Second), 95)
	h.pushTelemetry(t, "agent-1", base.Add(60*time.Second), 10) // resolves silently
	if jobs := h.queue.snapshot(); len(jobs) != 1 {
		t.Fatalf("resolution must not fan out, got %d jobs", len(jobs))
	}

	h.pushTelemetry(t, "agent-1", base.Add(90*time.Second), 95)
	h.pushTelemetry(t, "agent-1", base.Add(125*time.Second), 95)
	if jobs := h.queue.snapshot(); len(jobs) != 2 {
		t.Fatalf("expected refire after resolution, got %d jobs", len(jobs))
	}
}

func TestPipelineDropsEventsWithoutSamples(t *testing.T) {
	t.Parallel()

	h := newCoreHarness(t)
	event := domain.AgentEvent{
		AgentID: "agent-1",
		DT:      time.Now().UnixMilli(),
		Type:    domain.EventTypeAnomaly,
		Payload: json.RawMessage(`{"kind":"agent_side"}`),
	}
	if err := h.core.Push(context.Background(), event); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if jobs := h.queue.snapshot(); len(jobs) != 0 {
		t.Fatalf("anomaly events must not reach evaluation, got %d jobs", len(jobs))
	}
}

func TestOccurrencesHandlerListsAndClamps(t *testing.T) {
	t.Parallel()

	h := newCoreHarness(t)
	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		occ := domain.AlertOccurrence{
			ID:        fmt.Sprintf("occ-%d", i),
			GroupID:   "group-a",
			AgentID:   "agent-1",
			RuleID:    "rule-cpu",
			Severity:  domain.SeverityCritical,
			Metric:    domain.MetricCPU,
			Message:   "cpu >= 90 for 30s",
			CreatedAt: created.Add(time.Duration(i) * time.Minute),
		}
		if err := h.occs.Insert(context.Background(), occ); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	handler := h.core.OccurrencesHandler()
	request := httptest.NewRequest(http.MethodGet, "/occurrences?group_id=group-a&limit=50", nil)
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
	var listed []domain.AlertOccurrence
	if err := json.NewDecoder(response.Body).Decode(&listed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(listed) != 5 {
		t.Fatalf("expected limit clamped to 5, got %d", len(listed))
	}
	if listed[0].ID != "occ-7" {
		t.Fatalf("expected newest first, got %q", listed[0].ID)
	}
}

func TestOccurrencesHandlerValidation(t *testing.T) {
	t.Parallel()

	h := newCoreHarness(t)
	handler := h.core.OccurrencesHandler()

	cases := map[string]string{
		"missing group": "/occurrences",
		"bad limit":     "/occurrences?group_id=g&limit=abc",
		"zero limit":    "/occurrences?group_id=g&limit=0",
		"bad offset":    "/occurrences?group_id=g&offset=-1",
	}
	for name, target := range cases {
		request := httptest.NewRequest(http.MethodGet, target, nil)
		response := httptest.NewRecorder()
		handler.ServeHTTP(response, request)
		if response.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, response.Code)
		}
	}

	request := httptest.NewRequest(http.MethodPost, "/occurrences?group_id=g", nil)
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)
	if response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST, got %d", response.Code)
	}
}
