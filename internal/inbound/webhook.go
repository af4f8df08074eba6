package inbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hostwise/hostwise/internal/session"
)

// WebhookAgent forwards inbound messages to an automation backend over
// HTTP. The backend acknowledges with 2xx; anything else is an error
// the router counts against the agent breaker.
type WebhookAgent struct {
	url    string
	client *http.Client
}

// NewWebhookAgent creates a WebhookAgent posting to the given URL.
func NewWebhookAgent(url string, timeout time.Duration) *WebhookAgent {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookAgent{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type webhookPayload struct {
	TenantID  string    `json:"tenant_id"`
	MessageID string    `json:"message_id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text,omitempty"`
	MediaRef  string    `json:"media_ref,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *WebhookAgent) HandleInboundMessage(ctx context.Context, tenantID string, msg session.MessageReceived) error {
	body, err := json.Marshal(webhookPayload{
		TenantID:  tenantID,
		MessageID: msg.MessageID,
		Sender:    msg.Sender,
		Text:      msg.Text,
		MediaRef:  msg.MediaRef,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(respBody))
	}
	return nil
}
