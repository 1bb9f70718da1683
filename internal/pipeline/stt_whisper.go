package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/hubenschmidt/voice-session-gateway/internal/audio"
	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
)

// WhisperTranscriber collects a turn's audio and posts it as multipart WAV
// to any whisper-compatible HTTP endpoint when input ends. It produces no
// partials. Different servers only vary by endpoint path (/inference for
// whisper.cpp, /transcribe for ROCm whisper).
type WhisperTranscriber struct {
	url       string
	endpoint  string
	label     string
	maxAudio  time.Duration
	queueSize int
	client    *http.Client
}

// NewWhisperTranscriber creates an adapter for whisper.cpp (/inference endpoint).
func NewWhisperTranscriber(url string, poolSize, queueSize int) *WhisperTranscriber {
	return &WhisperTranscriber{
		url:       url,
		endpoint:  "/inference",
		label:     "whisper",
		maxAudio:  2 * time.Minute,
		queueSize: queueSize,
		client:    NewPooledHTTPClient(poolSize, 60*time.Second),
	}
}

func (w *WhisperTranscriber) Open(ctx context.Context, sc SessionContext) (Stream, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	st := &whisperStream{
		w:          w,
		ctx:        reqCtx,
		sampleRate: sc.SampleRate,
		maxBytes:   int(w.maxAudio.Seconds()) * sc.SampleRate * 2,
	}
	st.chunkStream = newChunkStream(w.queueSize, func() error { cancel(); return nil })
	go st.pump(st.collect, st.transcribe)
	return st, nil
}

// Warmup sends a second of silence to verify the server is responsive.
func (w *WhisperTranscriber) Warmup(ctx context.Context) error {
	_, err := w.post(ctx, make([]byte, 32000), 16000)
	return err
}

type whisperStream struct {
	*chunkStream
	w          *WhisperTranscriber
	ctx        context.Context
	sampleRate int
	maxBytes   int
	pcm        bytes.Buffer
}

func (s *whisperStream) collect(c Chunk) error {
	if s.pcm.Len()+len(c.Audio) > s.maxBytes {
		metrics.Errors.WithLabelValues("stt", "too_long").Inc()
		return fmt.Errorf("%s: turn audio exceeds %s", s.w.label, s.w.maxAudio)
	}
	s.pcm.Write(c.Audio)
	return nil
}

func (s *whisperStream) transcribe() error {
	start := time.Now()
	text, err := s.w.post(s.ctx, s.pcm.Bytes(), s.sampleRate)
	if err != nil {
		return err
	}
	metrics.StageDuration.WithLabelValues("stt_request").Observe(time.Since(start).Seconds())
	s.final(text)
	s.finish()
	return nil
}

func (w *WhisperTranscriber) post(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	body, contentType, err := buildMultipartAudio(audio.PCM16ToWAV(pcm, sampleRate))
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url+w.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("create %s request: %w", w.label, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := w.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("stt", "http").Inc()
		return "", fmt.Errorf("%s request: %w", w.label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("stt", "status").Inc()
		return "", fmt.Errorf("%s status %d: %s", w.label, resp.StatusCode, respBody)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode %s response: %w", w.label, err)
	}
	return result.Text, nil
}

func buildMultipartAudio(wav []byte) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(wav); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}
