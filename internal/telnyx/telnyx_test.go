package telnyx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxbridge/voxbridge/internal/resilience"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-key", "conn-1", "+15550001111", WithBaseURL(srv.URL))
}

func TestCreateCall_SendsDialPayload(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"call_control_id": "cc-123",
				"call_leg_id":     "leg-1",
				"call_session_id": "sess-1",
			},
		})
	})

	info, err := c.CreateCall(context.Background(), DialRequest{
		To:            "+15559998888",
		ClientState:   "c3RhdGU=",
		StreamURL:     "wss://bridge.example.com/telnyx-stream?call_id=abc",
		DetectMachine: true,
	})
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if info.CallControlID != "cc-123" {
		t.Errorf("CallControlID = %q; want cc-123", info.CallControlID)
	}
	if gotPath != "/calls" {
		t.Errorf("path = %q; want /calls", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody["to"] != "+15559998888" || gotBody["from"] != "+15550001111" {
		t.Errorf("to/from = %v/%v", gotBody["to"], gotBody["from"])
	}
	if gotBody["connection_id"] != "conn-1" {
		t.Errorf("connection_id = %v", gotBody["connection_id"])
	}
	if gotBody["stream_track"] != "inbound_track" {
		t.Errorf("stream_track = %v", gotBody["stream_track"])
	}
	if gotBody["answering_machine_detection"] != "detect" {
		t.Errorf("answering_machine_detection = %v", gotBody["answering_machine_detection"])
	}
}

func TestCreateCall_OmitsStreamFieldsWithoutURL(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"call_control_id": "cc-1"}})
	})

	if _, err := c.CreateCall(context.Background(), DialRequest{To: "+15550000000"}); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if _, ok := gotBody["stream_url"]; ok {
		t.Error("stream_url should be omitted when empty")
	}
	if _, ok := gotBody["client_state"]; ok {
		t.Error("client_state should be omitted when empty")
	}
}

func TestActions_HitPerCallPaths(t *testing.T) {
	var paths []string
	var lastBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		json.NewDecoder(r.Body).Decode(&lastBody)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{}}`))
	})

	ctx := context.Background()
	if err := c.SendDTMF(ctx, "cc-1", "1w2"); err != nil {
		t.Fatalf("SendDTMF: %v", err)
	}
	if lastBody["digits"] != "1w2" {
		t.Errorf("digits = %v; want 1w2", lastBody["digits"])
	}
	if err := c.Hangup(ctx, "cc-1"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if err := c.TranscriptionStart(ctx, "cc-1"); err != nil {
		t.Fatalf("TranscriptionStart: %v", err)
	}
	if lastBody["transcription_tracks"] != "both" {
		t.Errorf("transcription_tracks = %v; want both", lastBody["transcription_tracks"])
	}
	if lastBody["interim_results"] != true {
		t.Errorf("interim_results = %v; want true", lastBody["interim_results"])
	}
	if err := c.StreamingStart(ctx, "cc-1", "wss://b.example.com/s"); err != nil {
		t.Fatalf("StreamingStart: %v", err)
	}

	want := []string{
		"/calls/cc-1/actions/send_dtmf",
		"/calls/cc-1/actions/hangup",
		"/calls/cc-1/actions/transcription_start",
		"/calls/cc-1/actions/streaming_start",
	}
	if len(paths) != len(want) {
		t.Fatalf("got %d requests; want %d", len(paths), len(want))
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("path[%d] = %q; want %q", i, paths[i], want[i])
		}
	}
}

func TestAPIError_ParsesErrorEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"errors":[{"code":"90010","title":"Invalid number","detail":"not E.164"}]}`))
	})

	err := c.Hangup(context.Background(), "cc-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v; want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("StatusCode = %d; want 422", apiErr.StatusCode)
	}
	if len(apiErr.Errors) != 1 || apiErr.Errors[0].Title != "Invalid number" {
		t.Errorf("Errors = %+v", apiErr.Errors)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := c.Hangup(ctx, "cc-1"); err == nil {
			t.Fatal("expected error from 500 response")
		}
	}
	if got := c.BreakerState(); got != resilience.StateOpen {
		t.Fatalf("breaker state = %v; want open", got)
	}
	if err := c.Hangup(ctx, "cc-1"); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("error = %v; want ErrCircuitOpen", err)
	}
}

func TestClientStateRoundTrip(t *testing.T) {
	encoded, err := EncodeClientState(ClientState{CallID: "call-9", UserID: "user-3"})
	if err != nil {
		t.Fatalf("EncodeClientState: %v", err)
	}
	decoded, err := DecodeClientState(encoded)
	if err != nil {
		t.Fatalf("DecodeClientState: %v", err)
	}
	if decoded.CallID != "call-9" || decoded.UserID != "user-3" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestDecodeClientState_Malformed(t *testing.T) {
	if _, err := DecodeClientState("not base64 !!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := DecodeClientState("bm90IGpzb24="); err == nil {
		t.Error("expected error for non-JSON payload")
	}
}
