package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// webhookTimeout bounds the dashboard webhook POST (spec.md §4.K:
// "fire-and-forget POSTs to /api/hooks/event with a 5 s deadline").
const webhookTimeout = 5 * time.Second

// WebhookEvent mirrors internal/httpapi's webhookEventRequest — the bridge
// processes have no access to the control plane's in-process bus (spec.md
// §5: "the bridges run as separate processes"), so this is how a bridge
// tells the dashboard about a session lifecycle action or chat message it
// just observed.
type WebhookEvent struct {
	Type         string `json:"type"`
	SessionName  string `json:"session_name"`
	Platform     string `json:"platform"`
	Content      string `json:"content,omitempty"`
	Role         string `json:"role,omitempty"`
	SourceID     string `json:"source_id,omitempty"`
	SourceAuthor string `json:"source_author,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
}

// WebhookPoster posts events to the control plane's webhook ingestion
// endpoint. Failures are the caller's to log; this never blocks past
// webhookTimeout.
type WebhookPoster struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewWebhookPoster builds a poster targeting baseURL (the dashboard's
// address). token is sent as a Bearer credential when non-empty.
func NewWebhookPoster(baseURL, token string) *WebhookPoster {
	return &WebhookPoster{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: webhookTimeout},
	}
}

// Post sends ev to /api/hooks/event. The endpoint always answers 202
// regardless of ingestion outcome (spec.md §4.L), so a non-nil error here
// means the request itself failed, not that the event was rejected.
func (p *WebhookPoster) Post(ctx context.Context, ev WebhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bridge: marshal webhook event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/hooks/event", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bridge: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge: post webhook event: %w", err)
	}
	defer resp.Body.Close()
	return nil
}
