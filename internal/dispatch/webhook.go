package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fleetmon/internal/domain"
	"fleetmon/internal/permanent"
	"fleetmon/internal/templatefmt"
)

// WebhookSender issues one templated HTTP request per occurrence.
// Method, headers, and body come from the channel definition; template
// failures are configuration mistakes and are never retried.
// Params: shared HTTP client with the per-attempt timeout.
// Returns: webhook channel sender.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender creates the webhook transport.
// Params: timeout applied to every attempt.
// Returns: initialized sender.
func NewWebhookSender(timeout time.Duration) *WebhookSender {
	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
	}
}

// Type returns the channel type this sender serves.
// Params: none.
// Returns: webhook channel type.
func (s *WebhookSender) Type() domain.ChannelType {
	return domain.ChannelWebhook
}

// webhookTemplateData is the rendering context for channel templates.
type webhookTemplateData struct {
	Occurrence domain.AlertOccurrence
	Rule       string
	Agent      string
	Severity   string
	Metric     string
	Message    string
	CreatedAt  time.Time
}

// Send delivers one occurrence to the channel target URL.
// Params: ctx, webhook channel definition, and occurrence.
// Returns: response code and error; non-2xx responses are retryable.
func (s *WebhookSender) Send(ctx context.Context, channel domain.AlertChannel, occ domain.AlertOccurrence) (SendResult, error) {
	data := webhookTemplateData{
		Occurrence: occ,
		Rule:       occ.RuleID,
		Agent:      occ.AgentID,
		Severity:   string(occ.Severity),
		Metric:     string(occ.Metric),
		Message:    occ.Message,
		CreatedAt:  occ.CreatedAt,
	}

	body, contentType, err := renderWebhookBody(channel, occ, data)
	if err != nil {
		return SendResult{}, permanent.Mark(fmt.Errorf("webhook channel %q body: %w", channel.ID, err))
	}

	method := strings.ToUpper(strings.TrimSpace(channel.WebhookMethod))
	if method == "" {
		method = http.MethodPost
	}

	request, err := http.NewRequestWithContext(ctx, method, channel.Target, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, permanent.Mark(fmt.Errorf("webhook channel %q request: %w", channel.ID, err))
	}
	request.Header.Set("Content-Type", contentType)
	for key, raw := range channel.WebhookHeaders {
		value, err := renderTemplateString("header "+key, raw, data)
		if err != nil {
			return SendResult{}, permanent.Mark(fmt.Errorf("webhook channel %q header %q: %w", channel.ID, key, err))
		}
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return SendResult{}, fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4<<10))

	result := SendResult{ResponseCode: response.StatusCode}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return result, fmt.Errorf("webhook responded %d", response.StatusCode)
	}
	return result, nil
}

// renderWebhookBody renders the configured body template or the default
// JSON payload when no template is configured.
// Params: channel definition, occurrence, and template data.
// Returns: request body, content type, and render error.
func renderWebhookBody(channel domain.AlertChannel, occ domain.AlertOccurrence, data webhookTemplateData) ([]byte, string, error) {
	if strings.TrimSpace(channel.WebhookBody) == "" {
		body, err := json.Marshal(occ)
		if err != nil {
			return nil, "", fmt.Errorf("encode default payload: %w", err)
		}
		return body, "application/json", nil
	}

	rendered, err := renderTemplateString("body", channel.WebhookBody, data)
	if err != nil {
		return nil, "", err
	}
	contentType := "application/json"
	if !json.Valid([]byte(rendered)) {
		contentType = "text/plain; charset=utf-8"
	}
	return []byte(rendered), contentType, nil
}

// renderTemplateString parses and executes one channel template.
// Params: template name for diagnostics, template body, and data.
// Returns: rendered text or error.
func renderTemplateString(name, body string, data webhookTemplateData) (string, error) {
	tmpl, err := templatefmt.ParseChannelTemplate(name, body)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", err
	}
	return out.String(), nil
}
