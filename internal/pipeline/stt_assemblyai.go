package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
)

// AssemblyAITranscriber streams pcm_s16le audio to AssemblyAI's v3
// realtime API. AssemblyAI decides the end of a turn itself, so a final
// transcript may arrive before the caller ends input.
type AssemblyAITranscriber struct {
	apiKey    string
	streamURL string
	queueSize int
	dialer    *websocket.Dialer
}

// NewAssemblyAITranscriber creates an AssemblyAI streaming transcription adapter.
func NewAssemblyAITranscriber(apiKey string, queueSize int) *AssemblyAITranscriber {
	return &AssemblyAITranscriber{
		apiKey:    apiKey,
		streamURL: "wss://streaming.assemblyai.com/v3/ws",
		queueSize: queueSize,
		dialer:    websocket.DefaultDialer,
	}
}

func (a *AssemblyAITranscriber) Open(ctx context.Context, sc SessionContext) (Stream, error) {
	u, err := url.Parse(a.streamURL)
	if err != nil {
		return nil, fmt.Errorf("assemblyai url: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sc.SampleRate))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", "true")
	u.RawQuery = q.Encode()

	conn, _, err := a.dialer.DialContext(ctx, u.String(), http.Header{"Authorization": {a.apiKey}})
	if err != nil {
		metrics.Errors.WithLabelValues("stt", "dial").Inc()
		return nil, fmt.Errorf("assemblyai dial: %w", err)
	}

	st := &assemblyStream{conn: conn, log: slog.Default().With("adapter", "assemblyai", "turn_id", sc.TurnID)}
	st.chunkStream = newChunkStream(a.queueSize, st.release)
	go st.readLoop()
	go st.pump(st.sendAudio, st.terminate)
	return st, nil
}

type assemblyStream struct {
	*chunkStream
	conn *websocket.Conn
	log  *slog.Logger

	writeMu     sync.Mutex
	terminating atomic.Bool
	latest      string
}

type assemblyMessage struct {
	Type            string `json:"type"`
	ID              string `json:"id,omitempty"`
	Transcript      string `json:"transcript,omitempty"`
	EndOfTurn       bool   `json:"end_of_turn,omitempty"`
	TurnIsFormatted bool   `json:"turn_is_formatted,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (s *assemblyStream) sendAudio(c Chunk) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, c.Audio)
}

func (s *assemblyStream) terminate() error {
	s.terminating.Store(true)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(assemblyMessage{Type: "Terminate"}); err != nil {
		return fmt.Errorf("assemblyai terminate: %w", err)
	}
	return nil
}

func (s *assemblyStream) release() error {
	if !s.terminating.Load() {
		s.writeMu.Lock()
		_ = s.conn.WriteJSON(assemblyMessage{Type: "Terminate"})
		s.writeMu.Unlock()
	}
	return s.conn.Close()
}

func (s *assemblyStream) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() {
				return
			}
			if s.terminating.Load() {
				s.final(s.latest)
				s.finish()
				return
			}
			metrics.Errors.WithLabelValues("stt", "disconnect").Inc()
			s.fail(fmt.Errorf("assemblyai: %w: %v", ErrChannelClosed, err))
			return
		}

		var msg assemblyMessage
		if err = json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("assemblyai message", "error", err)
			continue
		}
		if !s.handle(msg) {
			return
		}
	}
}

func (s *assemblyStream) handle(msg assemblyMessage) bool {
	switch msg.Type {
	case "Begin":
		s.log.Info("assemblyai session started", "id", msg.ID)
		return true
	case "Turn":
		text := strings.TrimSpace(msg.Transcript)
		s.latest = text
		// With format_turns the unformatted end_of_turn is followed by a
		// formatted one; only the formatted one is final.
		if msg.EndOfTurn && msg.TurnIsFormatted {
			s.final(text)
			s.finish()
			return false
		}
		if text == "" {
			return true
		}
		return s.partial(text)
	case "Termination":
		s.final(s.latest)
		s.finish()
		return false
	}
	if msg.Error != "" {
		metrics.Errors.WithLabelValues("stt", "provider").Inc()
		s.fail(fmt.Errorf("assemblyai error: %s", msg.Error))
		return false
	}
	return true
}
