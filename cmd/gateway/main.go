package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hubenschmidt/voice-session-gateway/internal/models"
	"github.com/hubenschmidt/voice-session-gateway/internal/orchestrator"
	"github.com/hubenschmidt/voice-session-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-session-gateway/internal/session"
	"github.com/hubenschmidt/voice-session-gateway/internal/trace"
	"github.com/hubenschmidt/voice-session-gateway/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engines := buildEngines(cfg)
	registry := orchestrator.NewRegistry(engines.health)
	ollama := models.NewOllama(cfg.ollamaURL, nil)
	engines.warm(ctx)

	if cfg.ollamaPreload && engines.llm.Has("ollama") {
		go func() {
			preCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
			defer cancel()
			if err := ollama.Preload(preCtx, cfg.ollamaModel); err != nil {
				slog.Warn("ollama preload", "model", cfg.ollamaModel, "error", err)
				return
			}
			slog.Info("ollama model preloaded", "model", cfg.ollamaModel)
		}()
	}

	var traceStore *trace.Store
	var tracer *trace.Tracer
	if cfg.traceDatabaseURL != "" {
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		store, err := trace.Open(openCtx, cfg.traceDatabaseURL)
		cancel()
		if err != nil {
			slog.Warn("tracing disabled", "error", err)
		} else {
			traceStore = store
			tracer = trace.NewTracer(store)
			slog.Info("tracing enabled")
		}
	}

	deps := &pipeline.Deps{
		Transcriber:    engines.stt,
		Generator:      engines.llm,
		Synthesizer:    engines.tts,
		SampleRate:     cfg.sampleRate,
		SystemPrompt:   cfg.llmSystemPrompt,
		HistoryLimit:   cfg.historyLimit,
		MaxSpeechChars: cfg.maxSpeechChars,
		FinalTimeout:   cfg.finalTimeout,
		SkipSilent:     cfg.skipSilentChunks,
	}
	if tracer != nil {
		deps.Recorder = tracer
	}

	// Turns outlive the request that started them; they stop on shutdown only.
	turnCtx, cancelTurns := context.WithCancel(context.Background())
	defer cancelTurns()
	orch := orchestrator.New(turnCtx, session.NewStore(), deps, cfg.cancelGrace)

	handler := ws.NewHandler(orch, ws.HandlerConfig{
		MaxConcurrent: cfg.maxConcurrent,
		PingInterval:  cfg.wsPingInterval,
		BinaryAudio:   cfg.audioOutBinary,
		SendQueue:     cfg.wsSendQueue,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, routeDeps{
		orch:       orch,
		engines:    engines,
		health:     orchestrator.NewHealthChecker(registry, nil),
		ollama:     ollama,
		wsHandler:  handler,
		traceStore: traceStore,
	})

	addr := ":" + cfg.port
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "gateway", otelhttp.WithFilter(skipUpgrades)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		slog.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
		defer cancel()

		orch.Shutdown()
		cancelTurns()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		if cfg.unloadModelsOnExit && engines.llm.Has("ollama") {
			slog.Info("unloading ollama models")
			if err := ollama.UnloadAll(shutCtx); err != nil {
				slog.Warn("ollama unload", "error", err)
			}
		}
	}()

	slog.Info("gateway starting",
		"addr", addr,
		"max_concurrent", cfg.maxConcurrent,
		"stt", engines.stt.Engines(),
		"llm", engines.llm.Engines(),
		"tts", engines.tts.Engines(),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	<-stopped

	tracer.Close()
	if traceStore != nil {
		traceStore.Close()
	}
	slog.Info("gateway stopped")
}

// skipUpgrades keeps long-lived websocket sessions out of request spans.
func skipUpgrades(r *http.Request) bool {
	return r.Header.Get("Upgrade") == ""
}
