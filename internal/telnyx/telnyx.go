// Package telnyx is a minimal client for the Telnyx Call Control REST API,
// covering the actions the call server performs: dialing, media streaming,
// transcription, DTMF and hangup.
package telnyx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/resilience"
)

const defaultBaseURL = "https://api.telnyx.com/v2"

// requestTimeout bounds each carrier control action.
const requestTimeout = 10 * time.Second

// Client issues Call Control actions against the carrier API. All methods
// are safe for concurrent use.
type Client struct {
	apiKey       string
	connectionID string
	fromNumber   string
	baseURL      string
	httpClient   *http.Client
	breaker      *resilience.CircuitBreaker
	metrics      *observe.Metrics
}

// Option customises a [Client].
type Option func(*Client)

// WithBaseURL overrides the carrier API endpoint, e.g. for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics enables per-action request counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a carrier client. connectionID selects the voice
// application and fromNumber is the caller ID for outbound dials.
func NewClient(apiKey, connectionID, fromNumber string, opts ...Option) *Client {
	c := &Client{
		apiKey:       apiKey,
		connectionID: connectionID,
		fromNumber:   fromNumber,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: requestTimeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "telnyx",
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the carrier API.
type APIError struct {
	StatusCode int
	Errors     []ErrorDetail
}

// ErrorDetail is one entry of the carrier's error envelope.
type ErrorDetail struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("telnyx: HTTP %d: %s: %s", e.StatusCode, e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("telnyx: HTTP %d", e.StatusCode)
}

// DialRequest describes an outbound call.
type DialRequest struct {
	// To is the destination number in E.164 format.
	To string

	// ClientState is the opaque state echoed back on every webhook for this
	// call. Use [EncodeClientState] to build it.
	ClientState string

	// StreamURL, when set, starts bidirectional media streaming to this
	// WebSocket URL as soon as the call is answered.
	StreamURL string

	// DetectMachine enables answering machine detection.
	DetectMachine bool
}

// CallInfo identifies a dialed call.
type CallInfo struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	CallSessionID string `json:"call_session_id"`
}

// CreateCall dials an outbound call. The returned call-control id is the
// handle for all subsequent actions.
func (c *Client) CreateCall(ctx context.Context, req DialRequest) (*CallInfo, error) {
	body := map[string]any{
		"to":            req.To,
		"from":          c.fromNumber,
		"connection_id": c.connectionID,
	}
	if req.ClientState != "" {
		body["client_state"] = req.ClientState
	}
	if req.StreamURL != "" {
		body["stream_url"] = req.StreamURL
		body["stream_track"] = "inbound_track"
		body["stream_bidirectional_mode"] = "rtp"
		body["stream_bidirectional_codec"] = "PCMU"
	}
	if req.DetectMachine {
		body["answering_machine_detection"] = "detect"
	}

	var env struct {
		Data CallInfo `json:"data"`
	}
	err := c.post(ctx, "/calls", body, &env)
	c.recordRequest(ctx, "create_call", err)
	if err != nil {
		return nil, fmt.Errorf("telnyx: create call: %w", err)
	}
	slog.Info("outbound call created", "call_control_id", env.Data.CallControlID, "to", req.To)
	return &env.Data, nil
}

// StreamingStart begins media streaming on an answered call. Used when the
// call was dialed without a stream URL and the bridge attaches later.
func (c *Client) StreamingStart(ctx context.Context, callControlID, streamURL string) error {
	body := map[string]any{
		"stream_url":                 streamURL,
		"stream_track":               "inbound_track",
		"stream_bidirectional_mode":  "rtp",
		"stream_bidirectional_codec": "PCMU",
	}
	if err := c.action(ctx, callControlID, "streaming_start", body); err != nil {
		return fmt.Errorf("telnyx: streaming start: %w", err)
	}
	return nil
}

// TranscriptionStart enables carrier-side transcription on both legs. The
// agent leg is needed so its farewell is observable to the closing
// protocol; interim results feed the first-ASR checkpoint.
func (c *Client) TranscriptionStart(ctx context.Context, callControlID string) error {
	body := map[string]any{
		"transcription_engine": "B",
		"language":             "en",
		"transcription_tracks": "both",
		"interim_results":      true,
	}
	if err := c.action(ctx, callControlID, "transcription_start", body); err != nil {
		return fmt.Errorf("telnyx: transcription start: %w", err)
	}
	return nil
}

// SendDTMF plays a DTMF digit sequence into the call. Used by the IVR
// navigator.
func (c *Client) SendDTMF(ctx context.Context, callControlID, digits string) error {
	if err := c.action(ctx, callControlID, "send_dtmf", map[string]any{"digits": digits}); err != nil {
		return fmt.Errorf("telnyx: send dtmf: %w", err)
	}
	return nil
}

// Hangup terminates the call.
func (c *Client) Hangup(ctx context.Context, callControlID string) error {
	if err := c.action(ctx, callControlID, "hangup", map[string]any{}); err != nil {
		return fmt.Errorf("telnyx: hangup: %w", err)
	}
	return nil
}

func (c *Client) action(ctx context.Context, callControlID, name string, body map[string]any) error {
	path := fmt.Sprintf("/calls/%s/actions/%s", url.PathEscape(callControlID), name)
	err := c.post(ctx, path, body, nil)
	c.recordRequest(ctx, name, err)
	return err
}

func (c *Client) recordRequest(ctx context.Context, action string, err error) {
	if c.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordCarrierRequest(ctx, action, status)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("do request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode}
			var env struct {
				Errors []ErrorDetail `json:"errors"`
			}
			if data, rerr := io.ReadAll(io.LimitReader(resp.Body, 1<<16)); rerr == nil {
				if json.Unmarshal(data, &env) == nil {
					apiErr.Errors = env.Errors
				}
			}
			return apiErr
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	})
}

// BreakerState exposes the circuit breaker state for health reporting.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}
