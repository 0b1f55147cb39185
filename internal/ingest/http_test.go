package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fleetmon/internal/domain"
)

type httpTestSink struct {
	pushCalls int
	events    []domain.AgentEvent
	err       error
}

func (s *httpTestSink) Push(_ context.Context, event domain.AgentEvent) error {
	s.pushCalls++
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func testEventJSON(agentID string) string {
	return fmt.Sprintf(`{"agent_id":"%s","dt":1739876543210,"type":"telemetry","payload":{"cpu":{"usagePercent":42.5}}}`, agentID)
}

func TestHTTPHandlerAcceptsSingleEvent(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(testEventJSON("agent-1")))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.pushCalls != 1 {
		t.Fatalf("unexpected sink calls push=%d", sink.pushCalls)
	}
	if sink.events[0].AgentID != "agent-1" || sink.events[0].Type != domain.EventTypeTelemetry {
		t.Fatalf("unexpected event %+v", sink.events[0])
	}
}

func TestHTTPHandlerAcceptsBatchEvents(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	payload := fmt.Sprintf("[%s,%s]", testEventJSON("agent-1"), testEventJSON("agent-2"))
	request := httptest.NewRequest(http.MethodPost, "/ingest/batch", strings.NewReader(payload))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.pushCalls != 2 {
		t.Fatalf("unexpected sink calls push=%d", sink.pushCalls)
	}
	if sink.events[1].AgentID != "agent-2" {
		t.Fatalf("unexpected second event %+v", sink.events[1])
	}
}

func TestHTTPHandlerRejectsEmptyBatch(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/ingest/batch", strings.NewReader("[]"))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
	if sink.pushCalls != 0 {
		t.Fatalf("unexpected sink calls push=%d", sink.pushCalls)
	}
}

func TestHTTPHandlerRejectsInvalidEvent(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing agent": `{"dt":1739876543210,"type":"telemetry","payload":{}}`,
		"bad type":      `{"agent_id":"agent-1","dt":1739876543210,"type":"metrics","payload":{}}`,
		"zero dt":       `{"agent_id":"agent-1","dt":0,"type":"telemetry","payload":{}}`,
		"trailing data": `[` + testEventJSON("agent-1") + `] trailing`,
		"not json":      `hello`,
	}
	for name, payload := range cases {
		sink := &httpTestSink{}
		handler := NewHTTPHandler(sink, 1<<20)
		request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(payload))
		response := httptest.NewRecorder()

		handler.ServeHTTP(response, request)
		if response.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status %d, got %d", name, http.StatusBadRequest, response.Code)
		}
		if sink.pushCalls != 0 {
			t.Fatalf("%s: unexpected sink calls push=%d", name, sink.pushCalls)
		}
	}
}

func TestHTTPHandlerRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 64)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(testEventJSON("agent-with-a-very-long-identifier")))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
}

func TestHTTPHandlerRejectsGet(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&httpTestSink{}, 1<<20)
	request := httptest.NewRequest(http.MethodGet, "/ingest", nil)
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, response.Code)
	}
}

func TestHTTPHandlerReturnsServiceUnavailableOnPushError(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{err: errors.New("sink unavailable")}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(testEventJSON("agent-1")))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
}
