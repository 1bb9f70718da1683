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

	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
)

// AnthropicGenerator streams replies from the Anthropic Messages API.
type AnthropicGenerator struct {
	apiKey       string
	url          string
	model        string
	systemPrompt string
	maxTokens    int
	queueSize    int
	client       *http.Client
}

// NewAnthropicGenerator creates an Anthropic generation adapter.
func NewAnthropicGenerator(apiKey, url, model, systemPrompt string, maxTokens, poolSize, queueSize int) *AnthropicGenerator {
	return &AnthropicGenerator{
		apiKey:       apiKey,
		url:          url,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		queueSize:    queueSize,
		client:       NewPooledHTTPClient(poolSize, 0),
	}
}

func (c *AnthropicGenerator) Open(ctx context.Context, sc SessionContext) (Stream, error) {
	system := systemPrompt(sc, c.systemPrompt)
	return openGeneration(ctx, c.queueSize, func(ctx context.Context, prompt Chunk, onToken TokenFunc) error {
		return c.chat(ctx, system, prompt, onToken)
	}), nil
}

func (c *AnthropicGenerator) chat(ctx context.Context, system string, prompt Chunk, onToken TokenFunc) error {
	body, err := json.Marshal(anthropicRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Stream:    true,
		System:    system,
		Messages:  anthropicMessages(prompt),
	})
	if err != nil {
		return fmt.Errorf("marshal anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "http").Inc()
		return fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("llm", "status").Inc()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("anthropic status %d: %s", resp.StatusCode, errBody)
	}

	return consumeAnthropicStream(resp.Body, onToken)
}

// anthropicMessages merges consecutive same-role turns; the Messages API
// requires alternating roles starting with user.
func anthropicMessages(prompt Chunk) []chatMessage {
	var out []chatMessage
	for _, m := range chatMessages(prompt) {
		if len(out) == 0 && m.Role == "assistant" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

func consumeAnthropicStream(body io.Reader, onToken TokenFunc) error {
	scanner := bufio.NewScanner(body)
	var eventType string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch eventType {
		case "message_stop":
			return nil
		case "error":
			metrics.Errors.WithLabelValues("llm", "provider").Inc()
			return fmt.Errorf("anthropic stream error: %s", data)
		case "content_block_delta":
			var delta anthropicDeltaEvent
			if json.Unmarshal([]byte(data), &delta) != nil {
				continue
			}
			if delta.Delta.Type != "text_delta" {
				continue
			}
			if !onToken(delta.Delta.Text) {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return fmt.Errorf("anthropic stream ended before message_stop")
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type anthropicDeltaEvent struct {
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta"`
}
