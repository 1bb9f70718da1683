package main

import (
	"strings"
	"time"

	"github.com/hubenschmidt/voice-session-gateway/internal/env"
	"github.com/hubenschmidt/voice-session-gateway/internal/prompts"
)

type config struct {
	port               string
	maxConcurrent      int
	sampleRate         int
	sttEngine          string
	llmEngine          string
	ttsEngine          string
	deepgramAPIKey     string
	deepgramModel      string
	deepgramLanguage   string
	deepgramTTSModel   string
	assemblyAIAPIKey   string
	whisperServerURL   string
	ollamaURL          string
	ollamaModel        string
	ollamaPreload      bool
	openAIAPIKey       string
	openAIBaseURL      string
	openAIModel        string
	anthropicAPIKey    string
	anthropicURL       string
	anthropicModel     string
	agentEngineEnabled bool
	openWeatherAPIKey  string
	tavilyAPIKey       string
	newsAPIKey         string
	newsCountry        string
	translateAPIKey    string
	piperURL           string
	piperVoice         string
	kokoroURL          string
	kokoroVoice        string
	elevenlabsAPIKey   string
	elevenlabsVoiceID  string
	elevenlabsModelID  string
	llmSystemPrompt    string
	llmMaxTokens       int
	historyLimit       int
	maxSpeechChars     int
	finalTimeout       time.Duration
	cancelGrace        time.Duration
	streamQueueSize    int
	httpPoolSize       int
	wsPingInterval     time.Duration
	wsSendQueue        int
	audioOutBinary     bool
	skipSilentChunks   bool
	traceDatabaseURL   string
	shutdownTimeout    time.Duration
	unloadModelsOnExit bool
}

func loadConfig() config {
	return config{
		port:               env.Str("GATEWAY_PORT", "8000"),
		maxConcurrent:      env.Int("MAX_CONCURRENT_SESSIONS", 100),
		sampleRate:         env.Int("SAMPLE_RATE", 16000),
		sttEngine:          env.Str("STT_ENGINE", "deepgram"),
		llmEngine:          env.Str("LLM_ENGINE", "ollama"),
		ttsEngine:          env.Str("TTS_ENGINE", "piper"),
		deepgramAPIKey:     env.Str("DEEPGRAM_API_KEY", ""),
		deepgramModel:      env.Str("DEEPGRAM_MODEL", "nova-3"),
		deepgramLanguage:   env.Str("DEEPGRAM_LANGUAGE", "en-US"),
		deepgramTTSModel:   env.Str("DEEPGRAM_TTS_MODEL", "aura-2-thalia-en"),
		assemblyAIAPIKey:   env.Str("ASSEMBLYAI_API_KEY", ""),
		whisperServerURL:   env.Str("WHISPER_SERVER_URL", ""),
		ollamaURL:          env.Str("OLLAMA_URL", "http://localhost:11434"),
		ollamaModel:        env.Str("OLLAMA_MODEL", "llama3.2:3b"),
		ollamaPreload:      env.Bool("OLLAMA_PRELOAD", false),
		openAIAPIKey:       env.Str("OPENAI_API_KEY", ""),
		openAIBaseURL:      env.Str("OPENAI_BASE_URL", ""),
		openAIModel:        env.Str("OPENAI_MODEL", "gpt-4o-mini"),
		anthropicAPIKey:    env.Str("ANTHROPIC_API_KEY", ""),
		anthropicURL:       env.Str("ANTHROPIC_URL", "https://api.anthropic.com"),
		anthropicModel:     env.Str("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		agentEngineEnabled: env.Bool("AGENT_ENGINE_ENABLED", false),
		openWeatherAPIKey:  env.Str("OPENWEATHER_API_KEY", ""),
		tavilyAPIKey:       env.Str("TAVILY_API_KEY", ""),
		newsAPIKey:         env.Str("NEWS_API_KEY", ""),
		newsCountry:        env.Str("NEWS_COUNTRY", "us"),
		translateAPIKey:    env.Str("GOOGLE_TRANSLATE_API_KEY", ""),
		piperURL:           env.Str("PIPER_URL", "http://localhost:5100"),
		piperVoice:         env.Str("PIPER_VOICE", "en_US-lessac-medium"),
		kokoroURL:          env.Str("KOKORO_URL", ""),
		kokoroVoice:        env.Str("KOKORO_VOICE", "af_heart"),
		elevenlabsAPIKey:   env.Str("ELEVENLABS_API_KEY", ""),
		elevenlabsVoiceID:  env.Str("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		elevenlabsModelID:  env.Str("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),
		llmSystemPrompt:    prompts.ForSession(env.Str("LLM_SYSTEM_PROMPT", "")),
		llmMaxTokens:       env.Int("LLM_MAX_TOKENS", 300),
		historyLimit:       env.Int("HISTORY_LIMIT", 10),
		maxSpeechChars:     env.Int("MAX_SPEECH_CHARS", 2950),
		finalTimeout:       env.Duration("FINAL_TRANSCRIPT_TIMEOUT", 5*time.Second),
		cancelGrace:        env.Duration("CANCEL_GRACE", 2*time.Second),
		streamQueueSize:    env.Int("STREAM_QUEUE_SIZE", 64),
		httpPoolSize:       env.Int("HTTP_POOL_SIZE", 50),
		wsPingInterval:     env.Duration("WS_PING_INTERVAL", 30*time.Second),
		wsSendQueue:        env.Int("WS_SEND_QUEUE", 256),
		audioOutBinary:     strings.EqualFold(env.Str("AUDIO_OUT_MODE", "base64"), "binary"),
		skipSilentChunks:   env.Bool("SKIP_SILENT_CHUNKS", false),
		traceDatabaseURL:   env.Str("TRACE_DATABASE_URL", ""),
		shutdownTimeout:    env.Duration("SHUTDOWN_TIMEOUT", 30*time.Second),
		unloadModelsOnExit: env.Bool("UNLOAD_MODELS_ON_EXIT", false),
	}
}
