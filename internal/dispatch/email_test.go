package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"fleetmon/internal/config"
	"fleetmon/internal/domain"
	"fleetmon/internal/permanent"
)

type capturingCourier struct {
	last EmailMessage
	err  error
}

func (c *capturingCourier) Deliver(_ context.Context, msg EmailMessage) error {
	c.last = msg
	return c.err
}

func TestEmailSenderRendersMessage(t *testing.T) {
	t.Parallel()

	courier := &capturingCourier{}
	sender := NewEmailSender(courier, config.EmailCourierConfig{From: "alerts@fleetmon.example"})

	channel := domain.AlertChannel{
		ID:      "chan-mail",
		GroupID: "group-a",
		Type:    domain.ChannelEmail,
		Target:  "ops@example.com",
		Enabled: true,
	}
	occ := testJob().Occurrence
	if _, err := sender.Send(context.Background(), channel, occ); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if courier.last.From != "alerts@fleetmon.example" {
		t.Fatalf("unexpected from %q", courier.last.From)
	}
	if courier.last.To != "ops@example.com" {
		t.Fatalf("unexpected to %q", courier.last.To)
	}
	if courier.last.Subject != "[critical] rule-1 on agent-1" {
		t.Fatalf("unexpected subject %q", courier.last.Subject)
	}
	if !strings.Contains(courier.last.Body, "cpu >= 90 for 30s") {
		t.Fatalf("body missing condition: %q", courier.last.Body)
	}
}

func TestEmailSenderRequiresTarget(t *testing.T) {
	t.Parallel()

	sender := NewEmailSender(&capturingCourier{}, config.EmailCourierConfig{From: "alerts@fleetmon.example"})
	channel := domain.AlertChannel{ID: "chan-mail", Type: domain.ChannelEmail, Enabled: true}

	_, err := sender.Send(context.Background(), channel, testJob().Occurrence)
	if err == nil {
		t.Fatal("expected error for empty target")
	}
	if !permanent.Is(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestEmailSenderPropagatesCourierError(t *testing.T) {
	t.Parallel()

	courier := &capturingCourier{err: errors.New("relay down")}
	sender := NewEmailSender(courier, config.EmailCourierConfig{From: "alerts@fleetmon.example"})
	channel := domain.AlertChannel{ID: "chan-mail", Type: domain.ChannelEmail, Target: "ops@example.com", Enabled: true}

	_, err := sender.Send(context.Background(), channel, testJob().Occurrence)
	if err == nil || permanent.Is(err) {
		t.Fatalf("expected retryable courier error, got %v", err)
	}
}

func TestHTTPRelayCourierPostsJSON(t *testing.T) {
	t.Parallel()

	var (
		gotContentType string
		gotAPIKey      string
		gotMsg         EmailMessage
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotAPIKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotMsg)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	courier := NewHTTPRelayCourier(config.EmailCourierConfig{
		RelayURL:   server.URL,
		Headers:    map[string]string{"X-Api-Key": "secret"},
		TimeoutSec: 5,
	})
	msg := EmailMessage{From: "alerts@fleetmon.example", To: "ops@example.com", Subject: "s", Body: "b"}
	if err := courier.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected content type %q", gotContentType)
	}
	if gotAPIKey != "secret" {
		t.Fatalf("unexpected api key header %q", gotAPIKey)
	}
	if !reflect.DeepEqual(gotMsg, msg) {
		t.Fatalf("unexpected relayed message %+v", gotMsg)
	}
}

func TestHTTPRelayCourierNon2xxFails(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	courier := NewHTTPRelayCourier(config.EmailCourierConfig{RelayURL: server.URL, TimeoutSec: 5})
	err := courier.Deliver(context.Background(), EmailMessage{To: "ops@example.com"})
	if err == nil || permanent.Is(err) {
		t.Fatalf("expected retryable relay error, got %v", err)
	}
}
