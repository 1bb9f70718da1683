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

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
)

// deepgramErrorType is the message type Deepgram sends before closing on a
// request error.
const deepgramErrorType api.TypeResponse = "Error"

// DeepgramTranscriber streams linear16 audio to Deepgram's live listen API.
type DeepgramTranscriber struct {
	apiKey    string
	listenURL string
	model     string
	language  string
	queueSize int
	dialer    *websocket.Dialer
}

// NewDeepgramTranscriber creates a Deepgram streaming transcription adapter.
func NewDeepgramTranscriber(apiKey, model, language string, queueSize int) *DeepgramTranscriber {
	return &DeepgramTranscriber{
		apiKey:    apiKey,
		listenURL: "wss://api.deepgram.com/v1/listen",
		model:     model,
		language:  language,
		queueSize: queueSize,
		dialer:    websocket.DefaultDialer,
	}
}

func (d *DeepgramTranscriber) Open(ctx context.Context, sc SessionContext) (Stream, error) {
	u, err := url.Parse(d.listenURL)
	if err != nil {
		return nil, fmt.Errorf("deepgram url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sc.SampleRate))
	q.Set("channels", "1")
	q.Set("model", d.model)
	q.Set("language", d.language)
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("endpointing", "300")
	u.RawQuery = q.Encode()

	conn, _, err := d.dialer.DialContext(ctx, u.String(), http.Header{"Authorization": {"Token " + d.apiKey}})
	if err != nil {
		metrics.Errors.WithLabelValues("stt", "dial").Inc()
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}

	st := &deepgramStream{conn: conn, log: slog.Default().With("adapter", "deepgram", "turn_id", sc.TurnID)}
	st.chunkStream = newChunkStream(d.queueSize, conn.Close)
	go st.readLoop()
	go st.pump(st.sendAudio, st.closeStream)
	return st, nil
}

type deepgramStream struct {
	*chunkStream
	conn *websocket.Conn
	log  *slog.Logger

	writeMu  sync.Mutex
	draining atomic.Bool
	segments []string
}

func (s *deepgramStream) sendAudio(c Chunk) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, c.Audio)
}

// closeStream asks Deepgram to flush; the socket closes after the last results.
func (s *deepgramStream) closeStream() error {
	s.draining.Store(true)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		return fmt.Errorf("deepgram close stream: %w", err)
	}
	return nil
}

func (s *deepgramStream) readLoop() {
	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.onDisconnect(err)
			return
		}
		if msgType == websocket.BinaryMessage {
			continue
		}
		if !s.handle(msg) {
			return
		}
	}
}

func (s *deepgramStream) onDisconnect(err error) {
	if s.isClosed() {
		return
	}
	// Deepgram closes the socket once CloseStream results are flushed.
	if s.draining.Load() {
		s.final(s.transcript())
		s.finish()
		return
	}
	metrics.Errors.WithLabelValues("stt", "disconnect").Inc()
	s.fail(fmt.Errorf("deepgram: %w: %v", ErrChannelClosed, err))
}

func (s *deepgramStream) handle(msg []byte) bool {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		s.log.Warn("deepgram message", "error", err)
		return true
	}

	switch api.TypeResponse(head.Type) {
	case api.TypeMessageResponse:
		var resp api.MessageResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			s.log.Warn("deepgram results", "error", err)
			return true
		}
		return s.onResults(&resp)
	case deepgramErrorType:
		metrics.Errors.WithLabelValues("stt", "provider").Inc()
		s.fail(fmt.Errorf("deepgram error: %s", msg))
		return false
	}
	return true
}

func (s *deepgramStream) onResults(resp *api.MessageResponse) bool {
	if len(resp.Channel.Alternatives) == 0 {
		return true
	}
	text := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
	if resp.IsFinal {
		if text != "" {
			s.segments = append(s.segments, text)
		}
		if current := s.transcript(); current != "" {
			return s.partial(current)
		}
		return true
	}
	if text == "" {
		return true
	}
	return s.partial(strings.TrimSpace(s.transcript() + " " + text))
}

func (s *deepgramStream) transcript() string {
	return strings.Join(s.segments, " ")
}
