package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hubenschmidt/voice-session-gateway/internal/orchestrator"
	"github.com/hubenschmidt/voice-session-gateway/internal/pipeline"
	pt "github.com/hubenschmidt/voice-session-gateway/internal/pipeline/pipelinetest"
	"github.com/hubenschmidt/voice-session-gateway/internal/session"
)

func newTestServer(t *testing.T) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()
	engines := engineSet{
		stt:    pipeline.NewAdapterRouter(map[string]pipeline.Adapter{"fake": &pt.Adapter{}}, "fake"),
		llm:    pipeline.NewAdapterRouter(map[string]pipeline.Adapter{"fake": &pt.Adapter{}}, "fake"),
		tts:    pipeline.NewAdapterRouter(map[string]pipeline.Adapter{"fake": &pt.Adapter{}}, "fake"),
		health: map[string]orchestrator.BackendMeta{"tts/fake": {Kind: "tts"}},
		voices: map[string][]string{"fake": {"alto"}},
	}
	deps := &pipeline.Deps{
		Transcriber: engines.stt,
		Generator:   engines.llm,
		Synthesizer: engines.tts,
		SampleRate:  16000,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	orch := orchestrator.New(ctx, session.NewStore(), deps, time.Second)

	mux := http.NewServeMux()
	registerRoutes(mux, routeDeps{
		orch:      orch,
		engines:   engines,
		health:    orchestrator.NewHealthChecker(orchestrator.NewRegistry(engines.health), nil),
		wsHandler: http.NotFoundHandler(),
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, orch
}

func getJSON(t *testing.T, method, url string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHistoryRoutes(t *testing.T) {
	srv, orch := newTestServer(t)

	if code := getJSON(t, http.MethodGet, srv.URL+"/api/sessions/nope/history", nil); code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d", code)
	}

	sess := orch.Connect("tab-7", func(pipeline.Output) {})
	sess.AppendUser("hello")
	sess.AppendAgent("hi there")

	var hist struct {
		SessionID string         `json:"session_id"`
		Turns     []session.Turn `json:"turns"`
	}
	if code := getJSON(t, http.MethodGet, srv.URL+"/api/sessions/tab-7/history", &hist); code != http.StatusOK {
		t.Fatalf("history status = %d", code)
	}
	if hist.SessionID != "tab-7" || len(hist.Turns) != 2 || hist.Turns[1].Text != "hi there" {
		t.Fatalf("history = %+v", hist)
	}

	var cleared struct {
		Cleared int `json:"cleared"`
	}
	if code := getJSON(t, http.MethodDelete, srv.URL+"/api/sessions/tab-7/history", &cleared); code != http.StatusOK {
		t.Fatalf("clear status = %d", code)
	}
	if cleared.Cleared != 2 {
		t.Fatalf("cleared = %d, want 2", cleared.Cleared)
	}
	if turns, _ := orch.History("tab-7"); len(turns) != 0 {
		t.Fatalf("history after clear = %v", turns)
	}
}

func TestSessionsAndEngines(t *testing.T) {
	srv, orch := newTestServer(t)
	orch.Connect("a", func(pipeline.Output) {})
	orch.Connect("b", func(pipeline.Output) {})

	var sessions struct {
		Active int `json:"active"`
	}
	if code := getJSON(t, http.MethodGet, srv.URL+"/api/sessions", &sessions); code != http.StatusOK {
		t.Fatalf("sessions status = %d", code)
	}
	if sessions.Active != 2 {
		t.Fatalf("active = %d, want 2", sessions.Active)
	}

	var engines struct {
		TTS struct {
			Default string   `json:"default"`
			Engines []string `json:"engines"`
		} `json:"tts"`
		Backends []orchestrator.BackendInfo `json:"backends"`
	}
	if code := getJSON(t, http.MethodGet, srv.URL+"/api/engines", &engines); code != http.StatusOK {
		t.Fatalf("engines status = %d", code)
	}
	if engines.TTS.Default != "fake" || len(engines.TTS.Engines) != 1 {
		t.Fatalf("tts = %+v", engines.TTS)
	}
	if len(engines.Backends) != 1 || engines.Backends[0].Status != orchestrator.StatusUnknown {
		t.Fatalf("backends = %+v", engines.Backends)
	}
}

func TestTraceRoutesDisabled(t *testing.T) {
	srv, _ := newTestServer(t)
	if code := getJSON(t, http.MethodGet, srv.URL+"/api/traces/turns", nil); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestQueryInt(t *testing.T) {
	cases := map[string]int{"": 50, "limit=10": 10, "limit=-3": 50, "limit=abc": 50}
	for q, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/x?"+q, nil)
		if got := queryInt(r, "limit", 50); got != want {
			t.Errorf("%q: got %d, want %d", q, got, want)
		}
	}
}
