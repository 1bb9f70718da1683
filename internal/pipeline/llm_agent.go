package pipeline

import (
	"context"
	"fmt"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
)

// agentToolTurns bounds model round trips when tools are registered, so tool
// results can flow back into the reply.
const agentToolTurns = 5

// AgentGenerator runs an agent through the openai-agents-go runner and
// streams its text deltas. History is flattened into the input because the
// runner takes one input string. With tools the agent may call them before
// answering.
type AgentGenerator struct {
	provider     agents.ModelProvider
	model        string
	systemPrompt string
	maxTokens    int
	queueSize    int
	tools        []agents.Tool
	maxTurns     uint64
}

// NewAgentGenerator creates an agent-backed generation adapter using an
// OpenAI-compatible provider.
func NewAgentGenerator(apiKey, baseURL, model, systemPrompt string, maxTokens, queueSize int, tools ...agents.Tool) *AgentGenerator {
	params := agents.OpenAIProviderParams{
		APIKey:       param.NewOpt(apiKey),
		UseResponses: param.NewOpt(false),
	}
	if baseURL != "" {
		params.BaseURL = param.NewOpt(baseURL)
	}
	return &AgentGenerator{
		provider:     agents.NewOpenAIProvider(params),
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		queueSize:    queueSize,
		tools:        tools,
		maxTurns:     agentMaxTurns(len(tools)),
	}
}

func agentMaxTurns(tools int) uint64 {
	if tools == 0 {
		return 1
	}
	return agentToolTurns
}

// Tools returns the names of the registered tools.
func (a *AgentGenerator) Tools() []string {
	names := make([]string, len(a.tools))
	for i, t := range a.tools {
		names[i] = t.ToolName()
	}
	return names
}

func (a *AgentGenerator) Open(ctx context.Context, sc SessionContext) (Stream, error) {
	system := systemPrompt(sc, a.systemPrompt)
	return openGeneration(ctx, a.queueSize, func(ctx context.Context, prompt Chunk, onToken TokenFunc) error {
		return a.run(ctx, system, prompt, onToken)
	}), nil
}

func (a *AgentGenerator) agent(system string) *agents.Agent {
	agent := agents.New("assistant").
		WithInstructions(system).
		WithModel(a.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})
	if len(a.tools) > 0 {
		agent = agent.WithTools(a.tools...)
	}
	return agent
}

func (a *AgentGenerator) run(ctx context.Context, system string, prompt Chunk, onToken TokenFunc) error {
	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.provider,
		MaxTurns:        a.maxTurns,
		TracingDisabled: true,
	}}

	events, errCh, err := runner.RunStreamedChan(ctx, a.agent(system), formatTranscript(prompt))
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "agent_start").Inc()
		return fmt.Errorf("agent stream start: %w", err)
	}

	stopped := false
	for ev := range events {
		if stopped {
			continue
		}
		raw, ok := ev.(agents.RawResponsesStreamEvent)
		if !ok || raw.Data.Type != "response.output_text.delta" {
			continue
		}
		stopped = !onToken(raw.Data.Delta)
	}

	if streamErr := <-errCh; streamErr != nil && !stopped {
		metrics.Errors.WithLabelValues("llm", "agent_stream").Inc()
		return fmt.Errorf("agent stream: %w", streamErr)
	}
	return nil
}
