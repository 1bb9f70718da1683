package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/voice-session-gateway/internal/models"
	"github.com/hubenschmidt/voice-session-gateway/internal/orchestrator"
	"github.com/hubenschmidt/voice-session-gateway/internal/trace"
)

const (
	// healthProbeTimeout bounds one /api/engines request across all probes.
	healthProbeTimeout = 3 * time.Second

	// defaultTraceTurnLimit is how many trace turns are returned when the
	// caller omits the ?limit= query parameter.
	defaultTraceTurnLimit = 50
)

type routeDeps struct {
	orch       *orchestrator.Orchestrator
	engines    engineSet
	health     *orchestrator.HealthChecker
	ollama     *models.Ollama
	wsHandler  http.Handler
	traceStore *trace.Store
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d routeDeps) {
	mux.Handle("/ws/voice", d.wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/sessions", d.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}/history", d.handleHistory)
	mux.HandleFunc("DELETE /api/sessions/{id}/history", d.handleClearHistory)
	mux.HandleFunc("GET /api/voices", d.handleVoices)
	mux.HandleFunc("GET /api/engines", d.handleEngines)
	registerTraceRoutes(mux, d.traceStore)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d routeDeps) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := d.orch.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{"active": len(sessions), "sessions": sessions})
}

func (d routeDeps) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turns, err := d.orch.History(id)
	if errors.Is(err, orchestrator.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}

func (d routeDeps) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := d.orch.ClearHistory(id)
	if errors.Is(err, orchestrator.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "cleared": n})
}

func (d routeDeps) handleVoices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default_engine": d.engines.tts.Fallback(),
		"voices":         d.engines.voices,
	})
}

func (d routeDeps) handleEngines(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	resp := map[string]any{
		"stt":      map[string]any{"default": d.engines.stt.Fallback(), "engines": d.engines.stt.Engines()},
		"llm":      map[string]any{"default": d.engines.llm.Fallback(), "engines": d.engines.llm.Engines()},
		"tts":      map[string]any{"default": d.engines.tts.Fallback(), "engines": d.engines.tts.Engines()},
		"backends": d.health.StatusAll(ctx),
	}
	if d.engines.llm.Has("ollama") {
		installed, err := d.ollama.ListLLMModels(ctx)
		if err != nil {
			slog.Warn("list ollama models", "error", err)
		}
		resp["ollama_models"] = installed
	}
	writeJSON(w, http.StatusOK, resp)
}

func registerTraceRoutes(mux *http.ServeMux, store *trace.Store) {
	mux.HandleFunc("GET /api/traces/turns", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultTraceTurnLimit)
		offset := queryInt(r, "offset", 0)
		turns, total, err := store.ListTurns(r.Context(), r.URL.Query().Get("session_id"), limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"turns": turns, "total": total})
	})

	mux.HandleFunc("GET /api/traces/turns/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		turn, stages, err := store.GetTurn(r.Context(), r.PathValue("id"))
		if errors.Is(err, trace.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"turn": turn, "stages": stages})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
