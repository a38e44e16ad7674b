package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// AgentRequest asks the legacy per-turn agent to produce an utterance.
type AgentRequest struct {
	CallID     string `json:"call_id"`
	UserID     string `json:"user_id"`
	Text       string `json:"text,omitempty"`
	IsOpening  bool   `json:"is_opening,omitempty"`
	IsReprompt bool   `json:"is_reprompt,omitempty"`
}

// AgentTrigger drives the legacy agent path: one HTTP call per
// conversational turn. On the realtime path it is only used for reprompts
// that the inference service cannot self-initiate.
type AgentTrigger interface {
	Trigger(ctx context.Context, req AgentRequest) error
}

// NopAgent ignores all triggers. Used when no legacy agent is deployed.
type NopAgent struct{}

func (NopAgent) Trigger(context.Context, AgentRequest) error { return nil }

// HTTPAgent posts agent turns to a configured endpoint.
type HTTPAgent struct {
	url    string
	client *http.Client
}

// NewHTTPAgent creates a trigger posting to url.
func NewHTTPAgent(url string) *HTTPAgent {
	return &HTTPAgent{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *HTTPAgent) Trigger(ctx context.Context, req AgentRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("webhook: marshal agent request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook: build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("webhook: trigger agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: agent endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}
