package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-session-gateway/internal/audio"
	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-session-gateway/internal/orchestrator"
	"github.com/hubenschmidt/voice-session-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-session-gateway/internal/session"
)

const (
	writeWait        = 10 * time.Second
	defaultPing      = 30 * time.Second
	maxFrameSize     = 1 << 20
	defaultSendQueue = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Orchestrator is the session API the gateway drives.
type Orchestrator interface {
	Connect(id string, sink pipeline.Sink) *session.Session
	StartTurn(id string, req orchestrator.TurnRequest) (string, error)
	FeedAudio(id string, pcm []byte) error
	EndAudio(id string) error
	CancelTurn(id string) error
	ClearHistory(id string) (int, error)
	History(id string) ([]session.Turn, error)
	Teardown(id string) error
}

// HandlerConfig holds transport settings shared by all connections.
type HandlerConfig struct {
	MaxConcurrent int
	PingInterval  time.Duration
	// BinaryAudio sends synthesized audio as a JSON header followed by one
	// binary frame instead of base64 inside the JSON.
	BinaryAudio bool
	// SendQueue bounds the outbound frames buffered per connection.
	SendQueue int
}

// Handler manages websocket voice sessions with admission control.
type Handler struct {
	orch Orchestrator
	cfg  HandlerConfig
	sem  chan struct{}
}

// NewHandler creates a websocket handler with a concurrency limit.
func NewHandler(orch Orchestrator, cfg HandlerConfig) *Handler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPing
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	return &Handler{
		orch: orch,
		cfg:  cfg,
		sem:  make(chan struct{}, cfg.MaxConcurrent),
	}
}

// ServeHTTP upgrades the connection and runs the session until it closes.
// Returns 503 if at max concurrent session capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		metrics.ConnectionsRejected.Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)
	metrics.ConnectionsTotal.Inc()

	h.runSession(conn, r.URL.Query().Get("session_id"))
}

func (h *Handler) runSession(conn *websocket.Conn, sessionID string) {
	var pending *command
	if sessionID == "" {
		var err error
		sessionID, pending, err = readHello(conn)
		if err != nil {
			slog.Info("connection closed before hello", "error", err)
			return
		}
	}

	out := newSender(conn, h.cfg.BinaryAudio, h.cfg.SendQueue)
	sess := h.orch.Connect(sessionID, out.output)
	sessionID = sess.ID()
	log := slog.Default().With("session_id", sessionID)
	defer func() {
		out.close()
		if err := h.orch.Teardown(sessionID); err != nil && !errors.Is(err, orchestrator.ErrSessionNotFound) {
			log.Error("teardown", "error", err)
		}
	}()

	out.send(readyFrame(sessionID))
	out.send(historyFrame(sess.History()))
	log.Info("session connected")

	stop := make(chan struct{})
	defer close(stop)
	go h.keepalive(conn, stop)

	if pending != nil {
		h.dispatch(sessionID, *pending, out, log)
	}
	h.readLoop(conn, sessionID, out, log)
	log.Info("session disconnected")
}

// readLoop feeds binary frames to the active turn and dispatches text
// commands until the connection fails.
func (h *Handler) readLoop(conn *websocket.Conn, sessionID string, out *sender, log *slog.Logger) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("read", "error", err)
			}
			return
		}

		if msgType == websocket.BinaryMessage {
			if err = h.orch.FeedAudio(sessionID, data); err != nil {
				h.reportErr(out, log, err)
			}
			continue
		}

		var cmd command
		if err = json.Unmarshal(data, &cmd); err != nil {
			out.send(errorFrame(stageTransport, "malformed message"))
			continue
		}
		h.dispatch(sessionID, cmd, out, log)
	}
}

func (h *Handler) dispatch(sessionID string, cmd command, out *sender, log *slog.Logger) {
	var err error
	switch cmd.Type {
	case cmdStartTurn:
		_, err = h.orch.StartTurn(sessionID, orchestrator.TurnRequest{
			Voice:     cmd.VoiceProfile,
			STTEngine: cmd.STTEngine,
			LLMEngine: cmd.LLMEngine,
			TTSEngine: cmd.TTSEngine,
		})
	case cmdEndTurn:
		err = h.orch.EndAudio(sessionID)
	case cmdCancelTurn:
		err = h.orch.CancelTurn(sessionID)
	case cmdClearHistory:
		if _, err = h.orch.ClearHistory(sessionID); err == nil {
			out.send(historyFrame(nil))
		}
	case cmdPing:
		out.send(frame{Type: "pong"})
	case cmdHello:
	default:
		out.send(errorFrame(stageTransport, "unknown message type "+cmd.Type))
		return
	}
	if err != nil {
		h.reportErr(out, log, err)
	}
}

// reportErr sends session errors to the client. Turn failures were already
// emitted by the turn itself and are only logged.
func (h *Handler) reportErr(out *sender, log *slog.Logger, err error) {
	if errors.Is(err, pipeline.ErrInputClosed) {
		log.Debug("late input after endpointing", "error", err)
		return
	}
	if errors.Is(err, orchestrator.ErrSessionNotFound) || errors.Is(err, orchestrator.ErrNoActivePipeline) {
		log.Warn("session command rejected", "error", err)
		out.send(errorFrame(stageSession, err.Error()))
		return
	}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		log.Warn("turn failed", "stage", se.Stage.String(), "error", se.Err)
		return
	}
	log.Error("session command", "error", err)
	out.send(errorFrame(stageSession, err.Error()))
}

func (h *Handler) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readHello reads the first frame when the session id was not in the URL.
// A hello frame names the session; any other text command is returned for
// dispatch under a generated id.
func readHello(conn *websocket.Conn) (string, *command, error) {
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var cmd command
	if msgType != websocket.TextMessage || json.Unmarshal(data, &cmd) != nil {
		return "", nil, nil
	}
	if cmd.Type == cmdHello {
		return cmd.SessionID, nil, nil
	}
	return "", &cmd, nil
}

// sender queues frames for one connection and writes them from a single
// goroutine, so sinks never wait on the network. A client that falls a full
// queue behind is disconnected.
type sender struct {
	conn   *websocket.Conn
	binary bool
	queue  chan message
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

type message struct {
	kind int
	data []byte
}

func newSender(conn *websocket.Conn, binary bool, queueSize int) *sender {
	s := &sender{
		conn:   conn,
		binary: binary,
		queue:  make(chan message, queueSize),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// close stops accepting frames, drops what is still queued and waits for
// the writer to exit.
func (s *sender) close() {
	s.mu.Lock()
	s.shutLocked()
	s.mu.Unlock()
	<-s.done
}

func (s *sender) shutLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

func (s *sender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *sender) send(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("encode frame", "error", err)
		return
	}
	s.enqueue(message{websocket.TextMessage, data})
}

// output is the session's pipeline.Sink.
func (s *sender) output(o pipeline.Output) {
	if o.Kind == pipeline.OutputAudioChunk && o.First {
		o.Audio = audio.StripWAVHeader(o.Audio)
	}
	data, err := json.Marshal(outputFrame(o, s.binary))
	if err != nil {
		slog.Error("encode frame", "error", err)
		return
	}
	msgs := []message{{websocket.TextMessage, data}}
	if o.Kind == pipeline.OutputAudioChunk && s.binary {
		msgs = append(msgs, message{websocket.BinaryMessage, o.Audio})
	}
	s.enqueue(msgs...)
}

// enqueue adds msgs atomically or not at all. Only enqueue sends on the
// queue and it checks capacity under mu, so it never blocks.
func (s *sender) enqueue(msgs ...message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if cap(s.queue)-len(s.queue) < len(msgs) {
		slog.Warn("client too slow, closing connection", "queued", len(s.queue))
		metrics.SlowClientsDropped.Inc()
		s.shutLocked()
		s.conn.Close()
		return false
	}
	for _, m := range msgs {
		s.queue <- m
	}
	return true
}

func (s *sender) writeLoop() {
	defer close(s.done)
	failed := false
	for m := range s.queue {
		if failed || s.isClosed() {
			continue
		}
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(m.kind, m.data); err != nil {
			slog.Warn("write frame", "error", err)
			failed = true
		}
	}
}
