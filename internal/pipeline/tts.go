package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
)

const defaultAudioChunkBytes = 8192

// requestBuilder builds the synthesis request for text in voice.
type requestBuilder func(ctx context.Context, text, voice string) (*http.Request, error)

// HTTPSynthesizer posts the complete reply text to an HTTP TTS backend and
// streams the response body back in fixed-size chunks as it arrives.
type HTTPSynthesizer struct {
	label        string
	defaultVoice string
	chunkBytes   int
	queueSize    int
	client       *http.Client
	build        requestBuilder
}

func (h *HTTPSynthesizer) Open(ctx context.Context, sc SessionContext) (Stream, error) {
	voice := sc.Voice
	if voice == "" {
		voice = h.defaultVoice
	}
	reqCtx, cancel := context.WithCancel(ctx)
	st := &httpSynthStream{h: h, ctx: reqCtx, voice: voice}
	st.chunkStream = newChunkStream(h.queueSize, func() error { cancel(); return nil })
	go st.pump(st.collect, st.synthesize)
	return st, nil
}

// Voices returns the backend's default voice.
func (h *HTTPSynthesizer) Voices() []string { return []string{h.defaultVoice} }

type httpSynthStream struct {
	*chunkStream
	h     *HTTPSynthesizer
	ctx   context.Context
	voice string
	text  string
}

func (s *httpSynthStream) collect(c Chunk) error {
	s.text += c.Text
	return nil
}

func (s *httpSynthStream) synthesize() error {
	start := time.Now()
	req, err := s.h.build(s.ctx, s.text, s.voice)
	if err != nil {
		return err
	}

	resp, err := s.h.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "http").Inc()
		return fmt.Errorf("%s request: %w", s.h.label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("tts", "status").Inc()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s status %d: %s", s.h.label, resp.StatusCode, errBody)
	}

	first := true
	err = readChunks(resp.Body, s.h.chunkBytes, func(b []byte) bool {
		if first {
			metrics.StageDuration.WithLabelValues("tts_first_byte").Observe(time.Since(start).Seconds())
			first = false
		}
		return s.audio(b)
	})
	if s.isClosed() {
		return nil
	}
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "read").Inc()
		return fmt.Errorf("%s read: %w", s.h.label, err)
	}
	s.finish()
	return nil
}

// readChunks calls fn with whatever each read of r returns, at most size
// bytes, until EOF or fn returns false. Reads are not coalesced, so audio
// goes out as soon as the provider delivers it.
func readChunks(r io.Reader, size int, fn func([]byte) bool) error {
	if size <= 0 {
		size = defaultAudioChunkBytes
	}
	buf := make([]byte, size)
	for {
		n, err := r.Read(buf)
		if n > 0 && !fn(bytes.Clone(buf[:n])) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func jsonRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// --- Piper backend (local neural TTS, returns WAV) ---

// NewPiperSynthesizer creates an adapter for a piper HTTP server.
func NewPiperSynthesizer(url, voice string, client *http.Client, queueSize int) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		label:        "piper",
		defaultVoice: voice,
		chunkBytes:   defaultAudioChunkBytes,
		queueSize:    queueSize,
		client:       client,
		build: func(ctx context.Context, text, voice string) (*http.Request, error) {
			return jsonRequest(ctx, url+"/synthesize", struct {
				Text  string `json:"text"`
				Voice string `json:"voice"`
			}{Text: text, Voice: voice})
		},
	}
}

// --- OpenAI-compatible backend (Kokoro, Orpheus: any server exposing /v1/audio/speech) ---

// NewOpenAISpeechSynthesizer creates an adapter for an OpenAI-compatible speech endpoint.
func NewOpenAISpeechSynthesizer(url, apiKey, model, voice string, client *http.Client, queueSize int) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		label:        "openai-speech",
		defaultVoice: voice,
		chunkBytes:   defaultAudioChunkBytes,
		queueSize:    queueSize,
		client:       client,
		build: func(ctx context.Context, text, voice string) (*http.Request, error) {
			req, err := jsonRequest(ctx, url+"/v1/audio/speech", struct {
				Input          string `json:"input"`
				Model          string `json:"model"`
				Voice          string `json:"voice"`
				ResponseFormat string `json:"response_format"`
			}{Input: text, Model: model, Voice: voice, ResponseFormat: "wav"})
			if err != nil {
				return nil, err
			}
			if apiKey != "" {
				req.Header.Set("Authorization", "Bearer "+apiKey)
			}
			return req, nil
		},
	}
}

// --- ElevenLabs backend (cloud streaming API, returns MP3) ---

// NewElevenLabsSynthesizer creates an adapter for ElevenLabs' streaming endpoint.
func NewElevenLabsSynthesizer(apiKey, voiceID, modelID string, client *http.Client, queueSize int) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		label:        "elevenlabs",
		defaultVoice: voiceID,
		chunkBytes:   defaultAudioChunkBytes,
		queueSize:    queueSize,
		client:       client,
		build: func(ctx context.Context, text, voice string) (*http.Request, error) {
			url := fmt.Sprintf("https://api.elevenlabs.io/v1/text-to-speech/%s/stream", voice)
			req, err := jsonRequest(ctx, url, struct {
				Text    string `json:"text"`
				ModelID string `json:"model_id"`
			}{Text: text, ModelID: modelID})
			if err != nil {
				return nil, err
			}
			req.Header.Set("xi-api-key", apiKey)
			req.Header.Set("Accept", "audio/mpeg")
			return req, nil
		},
	}
}
