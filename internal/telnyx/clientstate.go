package telnyx

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ClientState is the opaque payload threaded through the carrier on dial and
// echoed back on every webhook, linking carrier events to our call record.
type ClientState struct {
	CallID string `json:"call_id"`
	UserID string `json:"user_id"`
}

// EncodeClientState serialises s as base64-encoded JSON, the format the
// carrier requires for the client_state field.
func EncodeClientState(s ClientState) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("telnyx: encode client state: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeClientState parses a client_state value from a webhook payload.
// Returns an error for malformed base64 or JSON; callers fall back to the
// carrier call id lookup in that case.
func DecodeClientState(encoded string) (*ClientState, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("telnyx: decode client state: %w", err)
	}
	var s ClientState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("telnyx: decode client state: %w", err)
	}
	return &s, nil
}
