package bridge_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voxbridge/voxbridge/internal/bridge"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/store"
	"github.com/voxbridge/voxbridge/pkg/realtime"
)

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// inferenceStub is a fake realtime inference endpoint.
type inferenceStub struct {
	srv  *httptest.Server
	recv chan map[string]any
	send chan map[string]any
}

func startInferenceStub(t *testing.T) *inferenceStub {
	t.Helper()
	stub := &inferenceStub{
		recv: make(chan map[string]any, 64),
		send: make(chan map[string]any, 16),
	}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var msg map[string]any
				if json.Unmarshal(data, &msg) == nil {
					stub.recv <- msg
				}
			}
		}()
		for {
			select {
			case <-done:
				return
			case msg := <-stub.send:
				data, _ := json.Marshal(msg)
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

// waitForEvent drains recv until a message of the given type arrives.
func (s *inferenceStub) waitForEvent(t *testing.T, eventType string) map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-s.recv:
			if msg["type"] == eventType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", eventType)
		}
	}
}

// fakeDB records datastore calls. ops keeps the order of transcript inserts
// relative to the end-of-session health flush.
type fakeDB struct {
	mu             sync.Mutex
	transcriptions []store.Transcription
	health         map[string]int64
	checkpoints    []string
	expiredCalls   []string
	deleted        []string
	ops            []string
}

func (f *fakeDB) InsertTranscription(_ context.Context, tr *store.Transcription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcriptions = append(f.transcriptions, *tr)
	f.ops = append(f.ops, "transcript")
	return nil
}

func (f *fakeDB) MergeInboundAudioHealth(_ context.Context, _ string, counters map[string]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = counters
	f.ops = append(f.ops, "health")
	return nil
}

func (f *fakeDB) UpsertCheckpoint(_ context.Context, _, name string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, name)
	return true, nil
}

func (f *fakeDB) ListCallsWithExpiredTranscripts(_ context.Context, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiredCalls, nil
}

func (f *fakeDB) DeleteTranscriptions(_ context.Context, callID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, callID)
	return 5, nil
}

func newTestServer(t *testing.T, stub *inferenceStub, db *fakeDB) *httptest.Server {
	t.Helper()
	client := realtime.NewClient("test-key", realtime.WithBaseURL(wsURL(stub.srv.URL)))
	srv := bridge.NewServer(bridge.ServerConfig{
		DefaultInstructions:     "You are a phone agent.",
		PublicURL:               "wss://bridge.test",
		CronSecret:              "hush",
		TranscriptRetentionDays: 30,
	}, client, db, newTestMetrics(t))

	mux := http.NewServeMux()
	srv.Register(mux)
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return hs
}

func TestHealthEndpoint(t *testing.T) {
	hs := newTestServer(t, startInferenceStub(t), &fakeDB{})

	resp, err := http.Get(hs.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	var body struct {
		Status         string `json:"status"`
		ActiveSessions int    `json:"activeSessions"`
		Timestamp      string `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q; want ok", body.Status)
	}
	if body.ActiveSessions != 0 {
		t.Errorf("activeSessions = %d; want 0", body.ActiveSessions)
	}
	if _, err := time.Parse(time.RFC3339, body.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", body.Timestamp, err)
	}
}

func TestCarrierStream_RequiresUpgrade(t *testing.T) {
	hs := newTestServer(t, startInferenceStub(t), &fakeDB{})

	resp, err := http.Get(hs.URL + "/telnyx-stream?call_id=call-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d; want 426", resp.StatusCode)
	}
}

func TestStartSession_RequiresCallID(t *testing.T) {
	hs := newTestServer(t, startInferenceStub(t), &fakeDB{})

	resp, err := http.Post(hs.URL+"/start-session", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d; want 400", resp.StatusCode)
	}
}

func TestCleanup_Authorization(t *testing.T) {
	db := &fakeDB{expiredCalls: []string{"call-a", "call-b"}}
	hs := newTestServer(t, startInferenceStub(t), db)

	req, _ := http.NewRequest(http.MethodPost, hs.URL+"/internal/cleanup", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d; want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, hs.URL+"/internal/cleanup", nil)
	req.Header.Set("Authorization", "Bearer hush")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	var body struct {
		Calls   int   `json:"calls"`
		Deleted int64 `json:"deleted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Calls != 2 || body.Deleted != 10 {
		t.Errorf("calls/deleted = %d/%d; want 2/10", body.Calls, body.Deleted)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.deleted) != 2 {
		t.Errorf("deleted calls = %v; want 2 entries", db.deleted)
	}
}

func TestBridge_EndToEnd(t *testing.T) {
	stub := startInferenceStub(t)
	db := &fakeDB{}
	hs := newTestServer(t, stub, db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	carrier, _, err := websocket.Dial(ctx, wsURL(hs.URL)+"/telnyx-stream?call_id=call-1", nil)
	if err != nil {
		t.Fatalf("carrier dial: %v", err)
	}
	defer carrier.Close(websocket.StatusNormalClosure, "")

	// The bridge configures the inference session first, then prompts the
	// agent to speak the opening line.
	update := stub.waitForEvent(t, "session.update")
	session, _ := update["session"].(map[string]any)
	if session["instructions"] != "You are a phone agent." {
		t.Errorf("instructions = %v", session["instructions"])
	}
	stub.waitForEvent(t, "response.create")

	// Caller audio: one 20ms μ-law frame should arrive at the inference leg
	// as 480 samples of 24kHz PCM.
	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = 0xFF // μ-law silence
	}
	media, _ := json.Marshal(map[string]any{
		"event": "media",
		"media": map[string]any{"track": "inbound", "payload": base64.StdEncoding.EncodeToString(frame)},
	})
	if err := carrier.Write(ctx, websocket.MessageText, media); err != nil {
		t.Fatalf("carrier write: %v", err)
	}

	appendMsg := stub.waitForEvent(t, "input_audio_buffer.append")
	pcm, err := base64.StdEncoding.DecodeString(appendMsg["audio"].(string))
	if err != nil {
		t.Fatalf("decode append audio: %v", err)
	}
	if len(pcm) != 960 {
		t.Errorf("forwarded PCM = %d bytes; want 960", len(pcm))
	}

	// Agent audio: 480 samples of PCM should come back as one μ-law frame.
	agentPCM := make([]byte, 960)
	stub.send <- map[string]any{
		"type":  "response.audio.delta",
		"delta": base64.StdEncoding.EncodeToString(agentPCM),
	}

	_, data, err := carrier.Read(ctx)
	if err != nil {
		t.Fatalf("carrier read: %v", err)
	}
	var out struct {
		Event string `json:"event"`
		Media struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal carrier media: %v", err)
	}
	if out.Event != "media" {
		t.Fatalf("event = %q; want media", out.Event)
	}
	mulaw, err := base64.StdEncoding.DecodeString(out.Media.Payload)
	if err != nil {
		t.Fatalf("decode outbound payload: %v", err)
	}
	if len(mulaw) != 160 {
		t.Errorf("outbound frame = %d bytes; want 160", len(mulaw))
	}

	// Agent transcript is persisted.
	stub.send <- map[string]any{
		"type":       "response.audio_transcript.done",
		"transcript": "Hello, how can I help?",
	}
	waitFor(t, func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		return len(db.transcriptions) == 1
	}, "transcription persisted")
	db.mu.Lock()
	if db.transcriptions[0].Speaker != store.SpeakerAgent || db.transcriptions[0].Text != "Hello, how can I help?" {
		t.Errorf("transcription = %+v", db.transcriptions[0])
	}
	db.mu.Unlock()

	// Carrier stop ends the session and flushes health counters.
	stop, _ := json.Marshal(map[string]any{"event": "stop"})
	if err := carrier.Write(ctx, websocket.MessageText, stop); err != nil {
		t.Fatalf("carrier write stop: %v", err)
	}
	waitFor(t, func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		return db.health != nil
	}, "audio health flushed")

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.health["carrier_frames_in"] != 1 {
		t.Errorf("carrier_frames_in = %d; want 1", db.health["carrier_frames_in"])
	}
	found := false
	for _, cp := range db.checkpoints {
		if cp == "bridge_session_started" {
			found = true
		}
	}
	if !found {
		t.Errorf("checkpoints = %v; want bridge_session_started", db.checkpoints)
	}
}

func TestStartSession_RegistersCallContext(t *testing.T) {
	stub := startInferenceStub(t)
	hs := newTestServer(t, stub, &fakeDB{})

	body := `{"call_id":"call-ctx","call_context":"Calling the dentist to move Friday's appointment."}`
	resp, err := http.Post(hs.URL+"/start-session", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /start-session: %v", err)
	}
	defer resp.Body.Close()
	var started struct {
		Success   bool   `json:"success"`
		StreamURL string `json:"stream_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !started.Success {
		t.Error("success = false; want true")
	}
	if want := "wss://bridge.test/telnyx-stream?call_id=call-ctx"; started.StreamURL != want {
		t.Errorf("stream_url = %q; want %q", started.StreamURL, want)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	carrier, _, err := websocket.Dial(ctx, wsURL(hs.URL)+"/telnyx-stream?call_id=call-ctx", nil)
	if err != nil {
		t.Fatalf("carrier dial: %v", err)
	}
	defer carrier.Close(websocket.StatusNormalClosure, "")

	// Registered context is injected before the opening response request.
	stub.waitForEvent(t, "session.update")
	item := stub.waitForEvent(t, "conversation.item.create")
	raw, _ := json.Marshal(item)
	if !strings.Contains(string(raw), "move Friday's appointment") {
		t.Errorf("context item missing call context: %s", raw)
	}
	stub.waitForEvent(t, "response.create")
}

func TestFrontend_StreamsTranscriptEvents(t *testing.T) {
	stub := startInferenceStub(t)
	db := &fakeDB{}
	hs := newTestServer(t, stub, db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	front, _, err := websocket.Dial(ctx, wsURL(hs.URL)+"/frontend?call_id=call-2", nil)
	if err != nil {
		t.Fatalf("frontend dial: %v", err)
	}
	defer front.Close(websocket.StatusNormalClosure, "")

	carrier, _, err := websocket.Dial(ctx, wsURL(hs.URL)+"/telnyx-stream?call_id=call-2", nil)
	if err != nil {
		t.Fatalf("carrier dial: %v", err)
	}
	defer carrier.Close(websocket.StatusNormalClosure, "")

	stub.waitForEvent(t, "session.update")
	stub.send <- map[string]any{
		"type":       "response.audio_transcript.done",
		"transcript": "Hello, this is the assistant.",
	}

	_, data, err := front.Read(ctx)
	if err != nil {
		t.Fatalf("frontend read: %v", err)
	}
	var ev struct {
		Event  string `json:"event"`
		CallID string `json:"call_id"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal frontend frame: %v", err)
	}
	if ev.Event != "transcript" {
		t.Errorf("event = %q; want transcript", ev.Event)
	}
	if ev.CallID != "call-2" || ev.Text != "Hello, this is the assistant." {
		t.Errorf("frame = %+v", ev)
	}
}

func TestBridge_TranscriptsQuiesceBeforeEnd(t *testing.T) {
	stub := startInferenceStub(t)
	db := &fakeDB{}
	hs := newTestServer(t, stub, db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	carrier, _, err := websocket.Dial(ctx, wsURL(hs.URL)+"/telnyx-stream?call_id=call-7", nil)
	if err != nil {
		t.Fatalf("carrier dial: %v", err)
	}
	defer carrier.Close(websocket.StatusNormalClosure, "")

	stub.waitForEvent(t, "session.update")
	stub.send <- map[string]any{
		"type":       "response.audio_transcript.done",
		"transcript": "Goodbye now.",
	}
	waitFor(t, func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		return len(db.transcriptions) == 1
	}, "transcript persisted")

	stop, _ := json.Marshal(map[string]any{"event": "stop"})
	if err := carrier.Write(ctx, websocket.MessageText, stop); err != nil {
		t.Fatalf("carrier write stop: %v", err)
	}
	waitFor(t, func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		return db.health != nil
	}, "session end flushed")

	// The end flush is strictly last: no transcript write may land after it.
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.ops) == 0 || db.ops[len(db.ops)-1] != "health" {
		t.Fatalf("datastore op order = %v; want the health flush last", db.ops)
	}
	for i, op := range db.ops[:len(db.ops)-1] {
		if op == "health" {
			t.Errorf("health flush at position %d of %v; want it terminal", i, db.ops)
		}
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
