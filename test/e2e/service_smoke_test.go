package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fleetmon/internal/app"
	"fleetmon/internal/clock"
	"fleetmon/internal/config"
	"fleetmon/internal/domain"
	"fleetmon/test/testutil"
)

// TestServiceSingleModeSmoke boots the service in single mode, pushes a
// sustained breach over HTTP, and expects one occurrence delivered to the
// configured webhook and visible on the read endpoint.
func TestServiceSingleModeSmoke(t *testing.T) {
	var hookHits atomic.Int64
	hookPayload := make(chan domain.AlertOccurrence, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var occ domain.AlertOccurrence
		if err := json.NewDecoder(r.Body).Decode(&occ); err == nil {
			select {
			case hookPayload <- occ:
			default:
			}
		}
		hookHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}

	configPath := filepath.Join(t.TempDir(), "config.toml")
	cfgBody := fmt.Sprintf(`
[service]
name = "fleetmon-e2e"
mode = "single"
sweep_interval_sec = 1

[ingest.http]
enabled = true
listen = "127.0.0.1:%d"

[[registry.rule]]
id = "rule-cpu"
group_id = "group-a"
name = "high cpu"
metric = "cpu"
operator = ">="
threshold = "90"
severity = "critical"
window_seconds = 30
enabled = true

[[registry.channel]]
id = "chan-hook"
group_id = "group-a"
type = "webhook"
target = "%s"
enabled = true

[registry.agent_groups]
agent-1 = "group-a"

[registry.group_accounts]
group-a = "acct-1"

[dispatch.retry]
base_ms = 10
cap_ms = 50
max_attempts = 3
`, port, hook.URL)
	if err := os.WriteFile(configPath, []byte(cfgBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	source, err := config.FromCLI(configPath, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("service init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Error("service did not stop in time")
		}
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitReady(t, baseURL)

	now := time.Now().UTC()
	postEvent(t, baseURL, "agent-1", now.Add(-40*time.Second), 95)
	postEvent(t, baseURL, "agent-1", now, 95)

	var delivered domain.AlertOccurrence
	select {
	case delivered = <-hookPayload:
	case <-time.After(10 * time.Second):
		t.Fatal("webhook was not called")
	}
	if delivered.RuleID != "rule-cpu" || delivered.AgentID != "agent-1" {
		t.Fatalf("unexpected delivered occurrence %+v", delivered)
	}
	if delivered.Message != "cpu >= 90 for 30s" {
		t.Fatalf("unexpected message %q", delivered.Message)
	}

	resp, err := http.Get(baseURL + "/occurrences?group_id=group-a")
	if err != nil {
		t.Fatalf("occurrences request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected occurrences 200, got %d", resp.StatusCode)
	}
	var listed []domain.AlertOccurrence
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode occurrences: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected one recorded occurrence, got %d", len(listed))
	}
	if got := hookHits.Load(); got != 1 {
		t.Fatalf("expected exactly one webhook delivery, got %d", got)
	}

	metricsResp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", metricsResp.StatusCode)
	}
}

// waitReady polls the readiness endpoint until the service reports ready.
// Params: test handle and service base URL.
// Returns: service is ready or the test fails.
func waitReady(t *testing.T, baseURL string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("service did not become ready")
}

// postEvent posts one telemetry event and requires acceptance.
// Params: test handle, base URL, agent, event time, and cpu usage percent.
// Returns: event accepted or the test fails.
func postEvent(t *testing.T, baseURL, agentID string, at time.Time, cpu float64) {
	t.Helper()
	body := fmt.Sprintf(`{"agent_id":"%s","dt":%d,"type":"telemetry","payload":{"cpu":{"usagePercent":%g}}}`,
		agentID, at.UnixMilli(), cpu)
	resp, err := http.Post(baseURL+"/ingest", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
}
