package pipeline

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
)

// OpenAIGenerator streams chat completions from any OpenAI-compatible
// /v1/chat/completions endpoint through the official SDK.
type OpenAIGenerator struct {
	client       openai.Client
	model        string
	systemPrompt string
	maxTokens    int
	queueSize    int
}

// NewOpenAIGenerator creates a generation adapter. An empty baseURL uses
// the SDK default.
func NewOpenAIGenerator(apiKey, baseURL, model, systemPrompt string, maxTokens, poolSize, queueSize int) *OpenAIGenerator {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(NewPooledHTTPClient(poolSize, 0)),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIGenerator{
		client:       openai.NewClient(opts...),
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		queueSize:    queueSize,
	}
}

func (g *OpenAIGenerator) Open(ctx context.Context, sc SessionContext) (Stream, error) {
	system := systemPrompt(sc, g.systemPrompt)
	return openGeneration(ctx, g.queueSize, func(ctx context.Context, prompt Chunk, onToken TokenFunc) error {
		return g.chat(ctx, system, prompt, onToken)
	}), nil
}

func (g *OpenAIGenerator) chat(ctx context.Context, system string, prompt Chunk, onToken TokenFunc) error {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(system)}
	for _, m := range chatMessages(prompt) {
		if m.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(m.Content))
			continue
		}
		messages = append(messages, openai.UserMessage(m.Content))
	}

	stream := g.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(g.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(g.maxTokens)),
	})
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if !onToken(chunk.Choices[0].Delta.Content) {
			return nil
		}
	}
	if err := stream.Err(); err != nil {
		metrics.Errors.WithLabelValues("llm", "stream").Inc()
		return fmt.Errorf("openai stream: %w", err)
	}
	return nil
}
