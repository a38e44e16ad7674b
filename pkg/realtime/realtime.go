// Package realtime implements the WebSocket client for the realtime voice
// inference service (OpenAI Realtime protocol).
//
// A [Client] dials the service and configures a [Session] per call. Audio is
// exchanged as base64-encoded PCM16 chunks; user and agent transcripts are
// surfaced on a channel as they complete. Mid-session control (context
// injection, response prompting, interruption) is supported via
// conversation.item.create / response.create / response.cancel events.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultVoice   = "alloy"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// connectTimeout bounds the WebSocket dial plus session configuration.
	connectTimeout = 15 * time.Second
)

// ErrUnreachable indicates the inference service could not be reached or the
// handshake failed within the connect timeout.
var ErrUnreachable = errors.New("realtime: inference service unreachable")

// Speaker identifies which party produced a transcript line.
const (
	SpeakerRemote = "remote"
	SpeakerAgent  = "agent"
)

// TranscriptEntry is one completed transcript line from the session.
type TranscriptEntry struct {
	Speaker   string
	Text      string
	Timestamp time.Time
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the realtime model used for sessions.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithVoice sets the agent voice used for sessions.
func WithVoice(voice string) Option {
	return func(c *Client) { c.voice = voice }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client dials realtime inference sessions.
type Client struct {
	apiKey  string
	model   string
	voice   string
	baseURL string
}

// NewClient creates a Client with the given API key and options.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		voice:   defaultVoice,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SessionConfig carries the per-call session parameters.
type SessionConfig struct {
	// Instructions is the agent system prompt for this call.
	Instructions string

	// TranscriptionModel transcribes the remote party's audio server-side.
	// Empty selects "whisper-1".
	TranscriptionModel string
}

// Connect establishes a configured inference session. The dial and the
// initial session.update are bounded by a 15 second timeout; failures wrap
// [ErrUnreachable]. The returned session accepts audio immediately.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrUnreachable, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &Session{
		conn:        conn,
		audioCh:     make(chan []byte, 64),
		transcripts: make(chan TranscriptEntry, 16),
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	if err := sess.sendSessionUpdate(c.voice, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("%w: session update: %v", ErrUnreachable, err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *transcriptionCfg   `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionParam `json:"turn_detection,omitempty"`
}

type transcriptionCfg struct {
	Model string `json:"model"`
}

type turnDetectionParam struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverErrorDetail is the nested error object in a Realtime error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed /
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is one live inference connection. All methods are safe for
// concurrent use.
type Session struct {
	conn         *websocket.Conn
	audioCh      chan []byte
	transcripts  chan TranscriptEntry
	errorHandler func(error)

	mu     sync.Mutex
	errVal error
	closed bool

	// currentTxText accumulates response.audio_transcript.delta events as a
	// fallback for servers that omit the transcript on the done event.
	currentTxText string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate configures modalities, voice, audio formats, user-side
// transcription and server-side voice activity detection.
func (s *Session) sendSessionUpdate(voice string, cfg SessionConfig) error {
	txModel := cfg.TranscriptionModel
	if txModel == "" {
		txModel = "whisper-1"
	}
	params := sessionParams{
		Modalities:              []string{"text", "audio"},
		Voice:                   voice,
		Instructions:            cfg.Instructions,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcriptionCfg{Model: txModel},
		TurnDetection: &turnDetectionParam{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns audioCh and transcripts: it closes both when it exits.
func (s *Session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *Session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		select {
		case s.audioCh <- audioData:
		case <-s.ctx.Done():
		}

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.currentTxText += evt.Delta
		s.mu.Unlock()

	case "response.audio_transcript.done":
		s.mu.Lock()
		text := evt.Transcript
		if text == "" {
			text = s.currentTxText
		}
		s.currentTxText = ""
		s.mu.Unlock()

		if text == "" {
			return
		}
		s.deliver(TranscriptEntry{Speaker: SpeakerAgent, Text: text, Timestamp: time.Now()})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.deliver(TranscriptEntry{Speaker: SpeakerRemote, Text: evt.Transcript, Timestamp: time.Now()})

	case "error":
		s.handleErrorEvent(evt)

	case "session.created", "session.updated", "response.done",
		"input_audio_buffer.speech_started", "input_audio_buffer.speech_stopped":
		slog.Debug("realtime session event", "type", evt.Type)
	}
}

func (s *Session) deliver(entry TranscriptEntry) {
	select {
	case s.transcripts <- entry:
	case <-s.ctx.Done():
	}
}

func (s *Session) handleErrorEvent(evt *serverEvent) {
	s.mu.Lock()
	handler := s.errorHandler
	s.mu.Unlock()

	if handler == nil {
		return
	}

	msg := "unknown error"
	if evt.Error != nil && evt.Error.Message != "" {
		msg = evt.Error.Message
	}
	handler(fmt.Errorf("realtime: %s", msg))
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *Session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.transcripts)
	})
}

// SendAudio delivers a raw PCM16 24 kHz chunk to the model as an
// input_audio_buffer.append event.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("realtime: session closed")
	}
	s.mu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(chunk)
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: encoded,
	})
}

// Audio returns the channel on which the model's synthesized audio arrives
// as raw PCM16 24 kHz chunks. Closed when the session ends.
func (s *Session) Audio() <-chan []byte { return s.audioCh }

// Transcripts returns the channel on which completed transcript lines
// arrive. Closed when the session ends.
func (s *Session) Transcripts() <-chan TranscriptEntry { return s.transcripts }

// Err returns the first non-nil error that caused the session to terminate.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// OnError registers a callback for non-fatal error events from the service.
func (s *Session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

// InjectContext inserts the call context as a system conversation item so
// the model sees it alongside its instructions.
func (s *Session) InjectContext(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("realtime: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "system",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// CreateResponse prompts the model to speak, used for the opening greeting
// and silence reprompts.
func (s *Session) CreateResponse() error {
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// Interrupt sends a response.cancel event to stop the current model response.
func (s *Session) Interrupt() error {
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// Close terminates the session and releases all resources. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
