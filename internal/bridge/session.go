// Package bridge connects a carrier media stream to a realtime inference
// session, transcoding audio in both directions and fanning transcripts out
// to the datastore and any listening frontends.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/realtime"
)

// carrierFrameBytes is one 20ms μ-law frame at 8kHz.
const carrierFrameBytes = 160

// outboundQueueFrames bounds agent audio buffered towards the carrier.
// Roughly 200ms; when full the oldest frame is dropped so live audio is
// never delayed by a backlog.
const outboundQueueFrames = 10

// mediaMessage is the carrier media streaming wire format, both directions.
type mediaMessage struct {
	Event string       `json:"event"`
	Media *mediaFields `json:"media,omitempty"`
}

type mediaFields struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

// Callbacks receive session lifecycle notifications. All callbacks are
// invoked from session goroutines and must not block for long.
type Callbacks struct {
	// OnTranscript is called for each finalised transcript line.
	OnTranscript func(entry realtime.TranscriptEntry)

	// OnEnd is called exactly once when the session terminates, with the
	// audio health counters accumulated over its lifetime.
	OnEnd func(reason string, health map[string]int64)

	// OnError is called for mid-session failures that end the session.
	OnError func(err error)
}

// Session bridges one carrier call leg to one inference session.
type Session struct {
	callID    string
	carrier   *websocket.Conn
	inference *realtime.Session
	cb        Callbacks
	metrics   *observe.Metrics
	log       *slog.Logger

	startedAt time.Time
	outQueue  chan []byte

	framesIn     atomic.Int64 // carrier → inference
	framesOut    atomic.Int64 // inference → carrier
	droppedOut   atomic.Int64 // shed from the outbound queue
	clearedOut   atomic.Int64 // flushed on barge-in
	decodeErrors atomic.Int64

	cancel    context.CancelFunc
	endOnce   sync.Once
	endReason string
	done      chan struct{}
}

// NewSession wires a carrier media WebSocket to an established inference
// session. Call [Session.Run] to start pumping audio.
func NewSession(callID string, carrier *websocket.Conn, inference *realtime.Session, cb Callbacks, metrics *observe.Metrics) *Session {
	return &Session{
		callID:    callID,
		carrier:   carrier,
		inference: inference,
		cb:        cb,
		metrics:   metrics,
		log:       slog.With("call_id", callID),
		startedAt: time.Now(),
		outQueue:  make(chan []byte, outboundQueueFrames),
		done:      make(chan struct{}),
	}
}

// CallID returns the call this session serves.
func (s *Session) CallID() string { return s.callID }

// Done is closed when the session has fully terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run pumps audio until the carrier disconnects, the inference session
// fails, ctx is cancelled, or [Session.End] is called. It blocks until all
// pump goroutines have exited.
func (s *Session) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.metrics.ActiveSessions.Add(ctx, 1)

	var wg sync.WaitGroup
	wg.Go(func() { s.carrierReadLoop(ctx) })
	wg.Go(func() { s.inferenceAudioLoop(ctx) })
	wg.Go(func() { s.carrierWriteLoop(ctx) })
	wg.Go(func() { s.transcriptLoop(ctx) })
	wg.Wait()

	s.End("session loops exited")
	// Every pump goroutine has exited, so no transcript callback can fire
	// after the end notification.
	if s.cb.OnEnd != nil {
		s.cb.OnEnd(s.endReason, s.health())
	}
	s.metrics.ActiveSessions.Add(context.Background(), -1)
	s.metrics.BridgeSessionDuration.Record(context.Background(), time.Since(s.startedAt).Seconds())
	close(s.done)
}

// End starts session teardown. Safe to call multiple times; only the first
// reason is reported. The OnEnd callback fires from [Session.Run] once the
// pump goroutines have drained, never concurrently with OnTranscript.
func (s *Session) End(reason string) {
	s.endOnce.Do(func() {
		s.log.Info("bridge session ending", "reason", reason)
		s.endReason = reason
		if s.cancel != nil {
			s.cancel()
		}
		s.carrier.Close(websocket.StatusNormalClosure, "session ended")
		if err := s.inference.Close(); err != nil {
			s.log.Debug("inference close", "error", err)
		}
	})
}

// health snapshots the audio counters for persistence.
func (s *Session) health() map[string]int64 {
	return map[string]int64{
		"carrier_frames_in":       s.framesIn.Load(),
		"inference_frames_out":    s.framesOut.Load(),
		"outbound_frames_dropped": s.droppedOut.Load(),
		"outbound_frames_cleared": s.clearedOut.Load(),
		"decode_errors":           s.decodeErrors.Load(),
	}
}

// carrierReadLoop reads carrier media messages, transcodes caller audio to
// 24kHz PCM and feeds the inference session.
func (s *Session) carrierReadLoop(ctx context.Context) {
	defer s.cancelWith("carrier leg closed")

	var tc audio.Transcoder
	for {
		_, data, err := s.carrier.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("carrier read", "error", err)
			}
			return
		}

		var msg mediaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.decodeErrors.Add(1)
			continue
		}

		switch msg.Event {
		case "media":
			if msg.Media == nil {
				continue
			}
			// Only caller audio; bidirectional streams echo our own track.
			if msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			mulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				s.decodeErrors.Add(1)
				continue
			}
			pcm := tc.MulawToPCM24k(mulaw)
			if err := s.inference.SendAudio(pcm); err != nil {
				s.fail(fmt.Errorf("bridge: forward to inference: %w", err))
				return
			}
			s.framesIn.Add(1)
			s.metrics.RecordFramesForwarded(ctx, "carrier_to_inference", 1)

		case "stop":
			s.End("carrier stop event")
			return

		case "connected", "start":
			s.log.Debug("carrier stream event", "event", msg.Event)
		}
	}
}

// inferenceAudioLoop transcodes agent audio down to μ-law frames and queues
// them for the carrier, shedding the oldest frame when the queue is full.
func (s *Session) inferenceAudioLoop(ctx context.Context) {
	defer close(s.outQueue)

	var tc audio.Transcoder
	for {
		var pcm []byte
		var ok bool
		select {
		case <-ctx.Done():
			return
		case pcm, ok = <-s.inference.Audio():
			if !ok {
				if err := s.inference.Err(); err != nil {
					s.fail(fmt.Errorf("bridge: inference session: %w", err))
				}
				return
			}
		}

		mulaw := tc.PCM24kToMulaw(pcm)
		for off := 0; off < len(mulaw); off += carrierFrameBytes {
			end := min(off+carrierFrameBytes, len(mulaw))
			frame := make([]byte, end-off)
			copy(frame, mulaw[off:end])
			s.enqueue(ctx, frame)
		}
	}
}

func (s *Session) enqueue(ctx context.Context, frame []byte) {
	for {
		select {
		case s.outQueue <- frame:
			return
		default:
		}
		// Queue full: drop the oldest frame to keep latency bounded.
		select {
		case <-s.outQueue:
			s.droppedOut.Add(1)
			s.metrics.RecordFramesDropped(ctx, "carrier", 1)
		default:
		}
	}
}

// carrierWriteLoop drains the outbound queue into the carrier socket.
func (s *Session) carrierWriteLoop(ctx context.Context) {
	for frame := range s.outQueue {
		msg := mediaMessage{
			Event: "media",
			Media: &mediaFields{
				Track:   "outbound",
				Payload: base64.StdEncoding.EncodeToString(frame),
			},
		}
		data, err := json.Marshal(msg)
		if err != nil {
			s.decodeErrors.Add(1)
			continue
		}
		if err := s.carrier.Write(ctx, websocket.MessageText, data); err != nil {
			if ctx.Err() == nil {
				s.log.Debug("carrier write", "error", err)
			}
			s.cancelWith("carrier write failed")
			return
		}
		s.framesOut.Add(1)
		s.metrics.RecordFramesForwarded(ctx, "inference_to_carrier", 1)
	}
}

// transcriptLoop forwards finalised transcript lines and handles barge-in:
// when the caller speaks while agent audio is still queued, the queue is
// flushed and the carrier's playback buffer cleared so the agent stops
// talking over them.
func (s *Session) transcriptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-s.inference.Transcripts():
			if !ok {
				return
			}
			if entry.Speaker == realtime.SpeakerRemote {
				s.clearOutbound(ctx)
			}
			if s.cb.OnTranscript != nil {
				s.cb.OnTranscript(entry)
			}
		}
	}
}

func (s *Session) clearOutbound(ctx context.Context) {
	var cleared int64
	for {
		select {
		case _, ok := <-s.outQueue:
			if !ok {
				return
			}
			cleared++
		default:
			if cleared > 0 {
				s.clearedOut.Add(cleared)
				if err := s.carrier.Write(ctx, websocket.MessageText, []byte(`{"event":"clear"}`)); err != nil {
					s.log.Debug("carrier clear", "error", err)
				}
			}
			return
		}
	}
}

func (s *Session) fail(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
	s.End(err.Error())
}

func (s *Session) cancelWith(reason string) {
	s.End(reason)
}
