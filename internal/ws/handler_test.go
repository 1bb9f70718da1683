package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-session-gateway/internal/orchestrator"
	"github.com/hubenschmidt/voice-session-gateway/internal/pipeline"
	pt "github.com/hubenschmidt/voice-session-gateway/internal/pipeline/pipelinetest"
	"github.com/hubenschmidt/voice-session-gateway/internal/session"
)

type gateway struct {
	srv           *httptest.Server
	orch          *orchestrator.Orchestrator
	stt, llm, tts *pt.Adapter
}

func newGateway(t *testing.T, cfg HandlerConfig) *gateway {
	t.Helper()
	g := &gateway{
		stt: &pt.Adapter{Script: []pipeline.Event{pt.Partial("hel"), pt.Final("hello there")}},
		llm: &pt.Adapter{Script: []pipeline.Event{pt.Partial("Hi"), pt.Final("Hi, how are you?"), pt.Done()}},
		tts: &pt.Adapter{Script: []pipeline.Event{pt.Audio([]byte("aa")), pt.Audio([]byte("bb")), pt.Done()}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	g.orch = orchestrator.New(ctx, session.NewStore(), &pipeline.Deps{
		Transcriber:  g.stt,
		Generator:    g.llm,
		Synthesizer:  g.tts,
		SampleRate:   16000,
		HistoryLimit: 10,
		FinalTimeout: time.Second,
	}, time.Second)
	g.srv = httptest.NewServer(NewHandler(g.orch, cfg))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gateway) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws/voice" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// next reads text frames until one of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var f frame
		if err = json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if f.Type == typ {
			return f
		}
	}
}

func TestHandshakeWithQueryID(t *testing.T) {
	g := newGateway(t, HandlerConfig{})
	conn := g.dial(t, "?session_id=tab-7")

	ready := next(t, conn, "ready")
	if ready.SessionID != "tab-7" {
		t.Fatalf("ready = %+v", ready)
	}
	if h := next(t, conn, "history"); len(h.Turns) != 0 {
		t.Errorf("history = %+v", h.Turns)
	}
}

func TestHandshakeWithHello(t *testing.T) {
	g := newGateway(t, HandlerConfig{})
	conn := g.dial(t, "")
	sendJSON(t, conn, command{Type: cmdHello, SessionID: "tab-9"})
	if ready := next(t, conn, "ready"); ready.SessionID != "tab-9" {
		t.Fatalf("ready = %+v", ready)
	}
}

func TestFirstCommandWithoutHelloGetsGeneratedID(t *testing.T) {
	g := newGateway(t, HandlerConfig{})
	conn := g.dial(t, "")
	sendJSON(t, conn, command{Type: cmdPing})
	if ready := next(t, conn, "ready"); ready.SessionID == "" {
		t.Fatal("expected generated session id")
	}
	next(t, conn, "pong")
}

func TestTurnOverWebsocket(t *testing.T) {
	g := newGateway(t, HandlerConfig{})
	conn := g.dial(t, "?session_id=tab-1")
	next(t, conn, "ready")

	sendJSON(t, conn, command{Type: cmdStartTurn, VoiceProfile: "en-US-natalie"})
	next(t, conn, "stage-status")
	for range 3 {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 0, 2, 0}); err != nil {
			t.Fatal(err)
		}
	}
	sendJSON(t, conn, command{Type: cmdEndTurn})

	if f := next(t, conn, "final-transcript"); f.Text == nil || *f.Text != "hello there" {
		t.Fatalf("final-transcript = %+v", f)
	}
	if f := next(t, conn, "final-reply"); *f.Text != "Hi, how are you?" {
		t.Fatalf("final-reply = %+v", f)
	}
	first := next(t, conn, "audio-chunk")
	second := next(t, conn, "audio-chunk")
	if *first.Index != 0 || *first.IsFinal || *second.Index != 1 || !*second.IsFinal {
		t.Fatalf("chunks = %+v, %+v", first, second)
	}
	if b, _ := base64.StdEncoding.DecodeString(second.Audio); string(b) != "bb" {
		t.Errorf("audio = %q", b)
	}
	for {
		f := next(t, conn, "stage-status")
		if f.Stage == pipeline.StageCompleted.String() {
			break
		}
	}
	if chunks := g.stt.Last().Chunks(); len(chunks) != 3 {
		t.Errorf("stt got %d chunks", len(chunks))
	}
	if v := g.tts.Last().Context().Voice; v != "en-US-natalie" {
		t.Errorf("voice = %q", v)
	}
}

func TestBinaryAudioMode(t *testing.T) {
	g := newGateway(t, HandlerConfig{BinaryAudio: true})
	wav := append([]byte("RIFF\x00\x00\x00\x00WAVEdata\x02\x00\x00\x00"), 'a', 'a')
	g.tts.Script = []pipeline.Event{pt.Audio(wav), pt.Done()}
	conn := g.dial(t, "?session_id=tab-1")
	next(t, conn, "ready")

	sendJSON(t, conn, command{Type: cmdStartTurn})
	sendJSON(t, conn, command{Type: cmdEndTurn})

	header := next(t, conn, "audio-chunk")
	if !header.Binary || header.Audio != "" {
		t.Fatalf("header = %+v", header)
	}
	msgType, data, err := conn.ReadMessage()
	if err != nil || msgType != websocket.BinaryMessage {
		t.Fatalf("payload: %d %v", msgType, err)
	}
	if string(data) != "aa" {
		t.Errorf("payload = %q, want WAV header stripped", data)
	}
}

func TestSessionErrors(t *testing.T) {
	g := newGateway(t, HandlerConfig{})
	conn := g.dial(t, "?session_id=tab-1")
	next(t, conn, "ready")

	conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2})
	if f := next(t, conn, "error"); f.Stage != stageSession {
		t.Errorf("audio outside turn = %+v", f)
	}
	sendJSON(t, conn, command{Type: "dance"})
	if f := next(t, conn, "error"); f.Stage != stageTransport {
		t.Errorf("unknown type = %+v", f)
	}
	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	if f := next(t, conn, "error"); f.Stage != stageTransport {
		t.Errorf("malformed = %+v", f)
	}
}

func TestClearHistoryCommand(t *testing.T) {
	g := newGateway(t, HandlerConfig{})
	conn := g.dial(t, "?session_id=tab-1")
	next(t, conn, "ready")

	sendJSON(t, conn, command{Type: cmdStartTurn})
	sendJSON(t, conn, command{Type: cmdEndTurn})
	next(t, conn, "final-reply")

	sendJSON(t, conn, command{Type: cmdClearHistory})
	if h := next(t, conn, "history"); len(h.Turns) != 0 {
		t.Errorf("history after clear = %+v", h.Turns)
	}
}

func TestCloseTearsDownSession(t *testing.T) {
	g := newGateway(t, HandlerConfig{})
	g.stt.Script = nil
	conn := g.dial(t, "?session_id=tab-1")
	next(t, conn, "ready")
	sendJSON(t, conn, command{Type: cmdStartTurn})
	next(t, conn, "stage-status")

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := g.orch.History("tab-1"); err != nil {
			if !g.stt.Last().Closed() {
				t.Error("transcription stream left open after close")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session survived connection close")
}

func TestAdmissionLimit(t *testing.T) {
	g := newGateway(t, HandlerConfig{MaxConcurrent: 1})
	conn := g.dial(t, "?session_id=tab-1")
	next(t, conn, "ready")

	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws/voice?session_id=tab-2"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second connection admitted")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp = %v", resp)
	}
	resp.Body.Close()
}

func TestEndpointedTurnSendsNoErrors(t *testing.T) {
	g := newGateway(t, HandlerConfig{})
	g.stt.Script = nil
	g.stt.OnFirstChunk = []pipeline.Event{pt.Final("hello there")}
	chunksBefore := testutil.ToFloat64(metrics.AudioChunksOut)
	conn := g.dial(t, "?session_id=tab-1")
	next(t, conn, "ready")

	sendJSON(t, conn, command{Type: cmdStartTurn})
	for range 5 {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 0, 2, 0}); err != nil {
			t.Fatal(err)
		}
	}
	sendJSON(t, conn, command{Type: cmdEndTurn})
	sendJSON(t, conn, command{Type: cmdPing})

	var errorFrames, audioFrames int
	completed, ponged := false, false
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !completed || !ponged {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (completed=%v pong=%v)", err, completed, ponged)
		}
		var f frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		switch f.Type {
		case "error":
			errorFrames++
			t.Logf("error frame: %s", data)
		case "audio-chunk":
			audioFrames++
		case "pong":
			ponged = true
		case "stage-status":
			completed = completed || f.Stage == pipeline.StageCompleted.String()
		}
	}
	if errorFrames != 0 {
		t.Errorf("error frames = %d, want 0", errorFrames)
	}
	if audioFrames != 2 {
		t.Errorf("audio chunks = %d, want 2", audioFrames)
	}
	if got := testutil.ToFloat64(metrics.AudioChunksOut) - chunksBefore; got != 2 {
		t.Errorf("audio chunks counted = %v, want 2", got)
	}
}

func TestSlowClientDoesNotBlockSink(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conns <- conn
	}))
	defer srv.Close()

	// The client never reads.
	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	conn := <-conns

	dropped := testutil.ToFloat64(metrics.SlowClientsDropped)
	out := newSender(conn, true, 4)
	chunk := make([]byte, 64<<10)
	start := time.Now()
	for i := range 1000 {
		out.output(pipeline.Output{Kind: pipeline.OutputAudioChunk, Index: i, Audio: chunk})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("sink blocked for %v", elapsed)
	}
	if !out.isClosed() {
		t.Error("slow client kept open")
	}
	if testutil.ToFloat64(metrics.SlowClientsDropped) <= dropped {
		t.Error("slow client not counted")
	}

	closed := make(chan struct{})
	go func() {
		out.close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
}
