package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-session-gateway/internal/session"
)

// TokenFunc receives one streamed token. Returning false stops the stream.
type TokenFunc func(token string) bool

// generateFunc runs one streaming completion for prompt.
type generateFunc func(ctx context.Context, prompt Chunk, onToken TokenFunc) error

// generationStream buffers the prompt chunk and starts the completion when
// input ends. Tokens are emitted as partials; the full text as the final.
type generationStream struct {
	*chunkStream
	ctx    context.Context
	run    generateFunc
	prompt Chunk
}

func openGeneration(ctx context.Context, queueSize int, run generateFunc) *generationStream {
	reqCtx, cancel := context.WithCancel(ctx)
	st := &generationStream{ctx: reqCtx, run: run}
	st.chunkStream = newChunkStream(queueSize, func() error { cancel(); return nil })
	go st.pump(st.collect, st.generate)
	return st
}

func (s *generationStream) collect(c Chunk) error {
	s.prompt.Text += c.Text
	if c.History != nil {
		s.prompt.History = c.History
	}
	return nil
}

func (s *generationStream) generate() error {
	start := time.Now()
	var text strings.Builder
	err := s.run(s.ctx, s.prompt, func(token string) bool {
		if token == "" {
			return true
		}
		if text.Len() == 0 {
			metrics.StageDuration.WithLabelValues("llm_first_token").Observe(time.Since(start).Seconds())
		}
		text.WriteString(token)
		return s.partial(token)
	})
	if s.isClosed() {
		return nil
	}
	if err != nil {
		return err
	}
	s.final(text.String())
	s.finish()
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatMessages lays out prior turns followed by the new user message.
func chatMessages(prompt Chunk) []chatMessage {
	msgs := make([]chatMessage, 0, len(prompt.History)+1)
	for _, t := range prompt.History {
		role := "user"
		if t.Role == session.RoleAgent {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: t.Text})
	}
	return append(msgs, chatMessage{Role: "user", Content: prompt.Text})
}

// formatTranscript flattens history into a single "User:/Assistant:" prompt
// for backends that take one input string.
func formatTranscript(prompt Chunk) string {
	if len(prompt.History) == 0 {
		return prompt.Text
	}
	var b strings.Builder
	for _, t := range prompt.History {
		speaker := "User"
		if t.Role == session.RoleAgent {
			speaker = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, t.Text)
	}
	fmt.Fprintf(&b, "User: %s", prompt.Text)
	return b.String()
}

func systemPrompt(sc SessionContext, fallback string) string {
	if sc.SystemPrompt != "" {
		return sc.SystemPrompt
	}
	return fallback
}

// --- Ollama backend ---

// OllamaGenerator streams chat completions from Ollama's /api/chat.
type OllamaGenerator struct {
	url          string
	model        string
	systemPrompt string
	maxTokens    int
	queueSize    int
	client       *http.Client
}

// NewOllamaGenerator creates an Ollama generation adapter.
func NewOllamaGenerator(url, model, systemPrompt string, maxTokens, poolSize, queueSize int) *OllamaGenerator {
	return &OllamaGenerator{
		url:          url,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		queueSize:    queueSize,
		client:       NewPooledHTTPClient(poolSize, 0),
	}
}

func (c *OllamaGenerator) Open(ctx context.Context, sc SessionContext) (Stream, error) {
	system := systemPrompt(sc, c.systemPrompt)
	return openGeneration(ctx, c.queueSize, func(ctx context.Context, prompt Chunk, onToken TokenFunc) error {
		return c.chat(ctx, system, prompt, onToken)
	}), nil
}

func (c *OllamaGenerator) chat(ctx context.Context, system string, prompt Chunk, onToken TokenFunc) error {
	messages := append([]chatMessage{{Role: "system", Content: system}}, chatMessages(prompt)...)
	body, err := json.Marshal(ollamaRequest{
		Model:    c.model,
		Stream:   true,
		Options:  ollamaOptions{NumPredict: c.maxTokens},
		Messages: messages,
	})
	if err != nil {
		return fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "http").Inc()
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("llm", "status").Inc()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama status %d: %s", resp.StatusCode, errBody)
	}

	return consumeOllamaStream(resp.Body, onToken)
}

// consumeOllamaStream reads NDJSON chunks until done. Thinking tokens are
// not part of the reply and are skipped.
func consumeOllamaStream(body io.Reader, onToken TokenFunc) error {
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		var chunk ollamaStreamChunk
		if json.Unmarshal(scanner.Bytes(), &chunk) != nil {
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama: %s", chunk.Error)
		}
		if chunk.Message.Content != "" && !onToken(chunk.Message.Content) {
			return nil
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ollama stream: %w", err)
	}
	return fmt.Errorf("ollama stream ended before done")
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []chatMessage `json:"messages"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict"`
}

type ollamaStreamChunk struct {
	Message struct {
		Content  string `json:"content"`
		Thinking string `json:"thinking,omitempty"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}
