package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fleetmon/internal/config"
	"fleetmon/internal/domain"
	"fleetmon/internal/permanent"
	"fleetmon/internal/templatefmt"
)

// EmailMessage is one rendered mail handed to the courier.
// Params: envelope and rendered content.
// Returns: courier delivery unit.
type EmailMessage struct {
	From    string            `json:"from"`
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Courier hands one rendered mail to the delivery infrastructure.
// Params: ctx and message.
// Returns: delivery error.
type Courier interface {
	Deliver(ctx context.Context, msg EmailMessage) error
}

// HTTPRelayCourier posts rendered mail to an HTTP mail relay.
// Params: relay endpoint and shared HTTP client.
// Returns: courier implementation over the relay API.
type HTTPRelayCourier struct {
	relayURL string
	headers  map[string]string
	client   *http.Client
}

// NewHTTPRelayCourier creates the relay courier.
// Params: email transport config.
// Returns: initialized courier.
func NewHTTPRelayCourier(cfg config.EmailCourierConfig) *HTTPRelayCourier {
	return &HTTPRelayCourier{
		relayURL: cfg.RelayURL,
		headers:  cfg.Headers,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// Deliver posts one message to the relay endpoint.
// Params: ctx and rendered message.
// Returns: transport or HTTP status error; non-2xx is retryable.
func (c *HTTPRelayCourier) Deliver(ctx context.Context, msg EmailMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return permanent.Mark(fmt.Errorf("encode relay payload: %w", err))
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.relayURL, bytes.NewReader(body))
	if err != nil {
		return permanent.Mark(fmt.Errorf("build relay request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range c.headers {
		request.Header.Set(key, value)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("relay send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("relay responded %d", response.StatusCode)
	}
	return nil
}

const emailSubjectTemplate = `[{{ .Severity }}] {{ .Rule }} on {{ .Agent }}`

const emailBodyTemplate = `Alert rule {{ .Rule }} fired for agent {{ .Agent }}.

Condition: {{ .Message }}
Severity:  {{ .Severity }}
Metric:    {{ .Metric }}
Raised at: {{ fmtTime .CreatedAt }}
`

// EmailSender renders the fixed mail template and hands off to the courier.
// Params: courier transport and sender identity.
// Returns: email channel sender.
type EmailSender struct {
	courier Courier
	from    string
}

// NewEmailSender creates the email channel sender.
// Params: courier transport and email transport config.
// Returns: initialized sender.
func NewEmailSender(courier Courier, cfg config.EmailCourierConfig) *EmailSender {
	return &EmailSender{courier: courier, from: cfg.From}
}

// Type returns the channel type this sender serves.
// Params: none.
// Returns: email channel type.
func (s *EmailSender) Type() domain.ChannelType {
	return domain.ChannelEmail
}

// Send renders and delivers one occurrence to the channel target address.
// Params: ctx, email channel definition, and occurrence.
// Returns: courier result; template failures are permanent.
func (s *EmailSender) Send(ctx context.Context, channel domain.AlertChannel, occ domain.AlertOccurrence) (SendResult, error) {
	if strings.TrimSpace(channel.Target) == "" {
		return SendResult{}, permanent.Mark(fmt.Errorf("email channel %q has no target address", channel.ID))
	}

	data := webhookTemplateData{
		Occurrence: occ,
		Rule:       occ.RuleID,
		Agent:      occ.AgentID,
		Severity:   string(occ.Severity),
		Metric:     string(occ.Metric),
		Message:    occ.Message,
		CreatedAt:  occ.CreatedAt,
	}
	subject, err := renderFixedTemplate("email_subject", emailSubjectTemplate, data)
	if err != nil {
		return SendResult{}, permanent.Mark(err)
	}
	body, err := renderFixedTemplate("email_body", emailBodyTemplate, data)
	if err != nil {
		return SendResult{}, permanent.Mark(err)
	}

	err = s.courier.Deliver(ctx, EmailMessage{
		From:    s.from,
		To:      channel.Target,
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{}, nil
}

// renderFixedTemplate executes one built-in template.
// Params: template name, body, and data.
// Returns: rendered text or error.
func renderFixedTemplate(name, body string, data webhookTemplateData) (string, error) {
	tmpl, err := templatefmt.ParseChannelTemplate(name, body)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return out.String(), nil
}
