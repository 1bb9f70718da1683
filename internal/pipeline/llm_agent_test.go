package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/nlpodyssey/openai-agents-go/agents"
)

type cityArgs struct {
	City string `json:"city"`
}

func TestAgentGeneratorRegistersTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "sunny in "+r.URL.Query().Get("q"))
	}))
	defer srv.Close()

	tool := agents.NewFunctionTool("get_weather", "Current weather", func(ctx context.Context, args cityArgs) (string, error) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?q="+args.City, nil)
		resp, err := srv.Client().Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		return string(b), err
	})

	gen := NewAgentGenerator("key", "http://127.0.0.1:1", "model", "be brief", 64, 8, tool)
	if gen.maxTurns <= 1 {
		t.Fatalf("maxTurns = %d, want more than 1 with tools", gen.maxTurns)
	}
	if !slices.Equal(gen.Tools(), []string{"get_weather"}) {
		t.Fatalf("tools = %v", gen.Tools())
	}

	agent := gen.agent("sys")
	if len(agent.Tools) != 1 {
		t.Fatalf("agent tools = %d", len(agent.Tools))
	}
	registered, ok := agent.Tools[0].(agents.FunctionTool)
	if !ok {
		t.Fatalf("agent tool is %T", agent.Tools[0])
	}
	out, err := registered.OnInvokeTool(context.Background(), `{"city":"Lima"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out != "sunny in Lima" {
		t.Errorf("tool output = %v", out)
	}
}

func TestAgentGeneratorWithoutTools(t *testing.T) {
	gen := NewAgentGenerator("key", "", "model", "", 64, 8)
	if gen.maxTurns != 1 || len(gen.Tools()) != 0 {
		t.Fatalf("maxTurns = %d, tools = %v", gen.maxTurns, gen.Tools())
	}
	if agent := gen.agent("sys"); len(agent.Tools) != 0 {
		t.Fatalf("agent tools = %d", len(agent.Tools))
	}
}
