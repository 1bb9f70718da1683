package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
)

// DeepgramSynthesizer streams raw linear16 audio from Deepgram's speak
// websocket. The reply is sent as one Speak message followed by Flush; the
// stream completes on Flushed.
type DeepgramSynthesizer struct {
	apiKey     string
	speakURL   string
	model      string
	sampleRate int
	queueSize  int
	dialer     *websocket.Dialer
}

// NewDeepgramSynthesizer creates a Deepgram streaming synthesis adapter.
// model doubles as the default voice (e.g. "aura-2-thalia-en").
func NewDeepgramSynthesizer(apiKey, model string, sampleRate, queueSize int) *DeepgramSynthesizer {
	return &DeepgramSynthesizer{
		apiKey:     apiKey,
		speakURL:   "wss://api.deepgram.com/v1/speak",
		model:      model,
		sampleRate: sampleRate,
		queueSize:  queueSize,
		dialer:     websocket.DefaultDialer,
	}
}

// Voices returns the configured default voice.
func (d *DeepgramSynthesizer) Voices() []string { return []string{d.model} }

func (d *DeepgramSynthesizer) Open(ctx context.Context, sc SessionContext) (Stream, error) {
	voice := sc.Voice
	if voice == "" {
		voice = d.model
	}
	u, err := url.Parse(d.speakURL)
	if err != nil {
		return nil, fmt.Errorf("deepgram speak url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.sampleRate))
	q.Set("model", voice)
	q.Set("container", "none")
	u.RawQuery = q.Encode()

	conn, _, err := d.dialer.DialContext(ctx, u.String(), http.Header{"Authorization": {"Token " + d.apiKey}})
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "dial").Inc()
		return nil, fmt.Errorf("deepgram speak dial: %w", err)
	}

	st := &deepgramSpeakStream{conn: conn, log: slog.Default().With("adapter", "deepgram-speak", "turn_id", sc.TurnID)}
	st.chunkStream = newChunkStream(d.queueSize, st.release)
	go st.readLoop()
	go st.pump(st.speak, st.flush)
	return st, nil
}

type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type deepgramSpeakStream struct {
	*chunkStream
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex
	flushed atomic.Bool
}

func (s *deepgramSpeakStream) write(msg speakMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *deepgramSpeakStream) speak(c Chunk) error {
	if c.Text == "" {
		return nil
	}
	return s.write(speakMessage{Type: "Speak", Text: c.Text})
}

func (s *deepgramSpeakStream) flush() error {
	if err := s.write(speakMessage{Type: "Flush"}); err != nil {
		return fmt.Errorf("deepgram flush: %w", err)
	}
	return nil
}

func (s *deepgramSpeakStream) release() error {
	if !s.flushed.Load() {
		_ = s.write(speakMessage{Type: "Clear"})
	}
	_ = s.write(speakMessage{Type: "Close"})
	return s.conn.Close()
}

func (s *deepgramSpeakStream) readLoop() {
	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() || s.flushed.Load() {
				return
			}
			metrics.Errors.WithLabelValues("tts", "disconnect").Inc()
			s.fail(fmt.Errorf("deepgram speak: %w: %v", ErrChannelClosed, err))
			return
		}

		if msgType == websocket.BinaryMessage {
			if !s.audio(msg) {
				return
			}
			continue
		}

		var head struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		}
		if err = json.Unmarshal(msg, &head); err != nil {
			s.log.Warn("deepgram speak message", "error", err)
			continue
		}
		switch head.Type {
		case "Flushed":
			s.flushed.Store(true)
			s.finish()
			return
		case "Warning":
			s.log.Warn("deepgram speak warning", "description", head.Description)
		case "Error":
			metrics.Errors.WithLabelValues("tts", "provider").Inc()
			s.fail(fmt.Errorf("deepgram speak error: %s", head.Description))
			return
		}
	}
}
