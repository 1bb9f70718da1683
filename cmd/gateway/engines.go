package main

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hubenschmidt/voice-session-gateway/internal/orchestrator"
	"github.com/hubenschmidt/voice-session-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-session-gateway/internal/skills"
)

// engineSet holds the routed collaborators plus what the HTTP API reports
// about them.
type engineSet struct {
	stt, llm, tts *pipeline.AdapterRouter
	health        map[string]orchestrator.BackendMeta
	voices        map[string][]string
	warmups       map[string]func(context.Context) error
}

// buildEngines registers every backend whose configuration is present.
func buildEngines(cfg config) engineSet {
	httpClient := pipeline.NewPooledHTTPClient(cfg.httpPoolSize, 0)
	q := cfg.streamQueueSize
	health := map[string]orchestrator.BackendMeta{}
	voices := map[string][]string{}
	warmups := map[string]func(context.Context) error{}

	stt := map[string]pipeline.Adapter{}
	if cfg.deepgramAPIKey != "" {
		stt["deepgram"] = pipeline.NewDeepgramTranscriber(cfg.deepgramAPIKey, cfg.deepgramModel, cfg.deepgramLanguage, q)
		health["stt/deepgram"] = orchestrator.BackendMeta{Kind: "stt"}
	}
	if cfg.assemblyAIAPIKey != "" {
		stt["assemblyai"] = pipeline.NewAssemblyAITranscriber(cfg.assemblyAIAPIKey, q)
		health["stt/assemblyai"] = orchestrator.BackendMeta{Kind: "stt"}
	}
	if cfg.whisperServerURL != "" {
		whisper := pipeline.NewWhisperTranscriber(cfg.whisperServerURL, cfg.httpPoolSize, q)
		stt["whisper"] = whisper
		warmups["stt/whisper"] = whisper.Warmup
		health["stt/whisper"] = orchestrator.BackendMeta{Kind: "stt", HealthURL: healthURL(cfg.whisperServerURL, "/health")}
	}

	llm := map[string]pipeline.Adapter{
		"ollama": pipeline.NewOllamaGenerator(cfg.ollamaURL, cfg.ollamaModel, cfg.llmSystemPrompt, cfg.llmMaxTokens, cfg.httpPoolSize, q),
	}
	health["llm/ollama"] = orchestrator.BackendMeta{Kind: "llm", HealthURL: healthURL(cfg.ollamaURL, "/api/version")}
	if cfg.openAIAPIKey != "" {
		llm["openai"] = pipeline.NewOpenAIGenerator(cfg.openAIAPIKey, cfg.openAIBaseURL, cfg.openAIModel, cfg.llmSystemPrompt, cfg.llmMaxTokens, cfg.httpPoolSize, q)
		health["llm/openai"] = orchestrator.BackendMeta{Kind: "llm"}
		if cfg.agentEngineEnabled {
			tools := skills.Tools(skills.Config{
				OpenWeatherKey: cfg.openWeatherAPIKey,
				TavilyKey:      cfg.tavilyAPIKey,
				NewsAPIKey:     cfg.newsAPIKey,
				NewsCountry:    cfg.newsCountry,
				TranslateKey:   cfg.translateAPIKey,
			}, httpClient)
			agent := pipeline.NewAgentGenerator(cfg.openAIAPIKey, cfg.openAIBaseURL, cfg.openAIModel, cfg.llmSystemPrompt, cfg.llmMaxTokens, q, tools...)
			llm["agent"] = agent
			health["llm/agent"] = orchestrator.BackendMeta{Kind: "llm"}
			slog.Info("agent engine enabled", "skills", agent.Tools())
		}
	}
	if cfg.anthropicAPIKey != "" {
		llm["anthropic"] = pipeline.NewAnthropicGenerator(cfg.anthropicAPIKey, cfg.anthropicURL, cfg.anthropicModel, cfg.llmSystemPrompt, cfg.llmMaxTokens, cfg.httpPoolSize, q)
		health["llm/anthropic"] = orchestrator.BackendMeta{Kind: "llm"}
	}

	type voiced interface {
		pipeline.Adapter
		Voices() []string
	}
	tts := map[string]pipeline.Adapter{}
	addTTS := func(name string, a voiced, meta orchestrator.BackendMeta) {
		tts[name] = a
		voices[name] = a.Voices()
		health["tts/"+name] = meta
	}
	if cfg.piperURL != "" {
		addTTS("piper", pipeline.NewPiperSynthesizer(cfg.piperURL, cfg.piperVoice, httpClient, q),
			orchestrator.BackendMeta{Kind: "tts", HealthURL: healthURL(cfg.piperURL, "/health")})
	}
	if cfg.kokoroURL != "" {
		addTTS("kokoro", pipeline.NewOpenAISpeechSynthesizer(cfg.kokoroURL, "", "kokoro", cfg.kokoroVoice, httpClient, q),
			orchestrator.BackendMeta{Kind: "tts", HealthURL: healthURL(cfg.kokoroURL, "/health")})
	}
	if cfg.elevenlabsAPIKey != "" {
		addTTS("elevenlabs", pipeline.NewElevenLabsSynthesizer(cfg.elevenlabsAPIKey, cfg.elevenlabsVoiceID, cfg.elevenlabsModelID, httpClient, q),
			orchestrator.BackendMeta{Kind: "tts"})
	}
	if cfg.deepgramAPIKey != "" {
		addTTS("deepgram", pipeline.NewDeepgramSynthesizer(cfg.deepgramAPIKey, cfg.deepgramTTSModel, cfg.sampleRate, q),
			orchestrator.BackendMeta{Kind: "tts"})
	}

	warnMissing("stt", cfg.sttEngine, stt)
	warnMissing("llm", cfg.llmEngine, llm)
	warnMissing("tts", cfg.ttsEngine, tts)

	return engineSet{
		stt:     pipeline.NewAdapterRouter(stt, cfg.sttEngine),
		llm:     pipeline.NewAdapterRouter(llm, cfg.llmEngine),
		tts:     pipeline.NewAdapterRouter(tts, cfg.ttsEngine),
		health:  health,
		voices:  voices,
		warmups: warmups,
	}
}

func warnMissing(kind, fallback string, backends map[string]pipeline.Adapter) {
	if _, ok := backends[fallback]; ok {
		return
	}
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	slog.Warn("default engine not configured", "kind", kind, "engine", fallback, "available", names)
}

func healthURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// warm runs every backend warmup concurrently and logs the outcome.
func (e engineSet) warm(ctx context.Context) {
	for name, fn := range e.warmups {
		go func() {
			start := time.Now()
			if err := fn(ctx); err != nil {
				slog.Warn("warmup failed", "backend", name, "error", err)
				return
			}
			slog.Info("backend warmed up", "backend", name, "ms", time.Since(start).Milliseconds())
		}()
	}
}
