// Package skills provides the function tools the agent generator may call
// while composing a reply. Each skill is enabled only when its API key is
// configured.
package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"

	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
)

const requestTimeout = 10 * time.Second

// Config holds the provider keys. An empty key disables that skill.
type Config struct {
	OpenWeatherKey string
	TavilyKey      string
	NewsAPIKey     string
	NewsCountry    string
	TranslateKey   string
}

// Tools returns a function tool for every configured skill.
func Tools(cfg Config, client *http.Client) []agents.Tool {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	var tools []agents.Tool
	if cfg.OpenWeatherKey != "" {
		tools = append(tools, NewWeather(cfg.OpenWeatherKey, client).Tool())
	}
	if cfg.TavilyKey != "" {
		tools = append(tools, NewSearch(cfg.TavilyKey, client).Tool())
	}
	if cfg.NewsAPIKey != "" {
		tools = append(tools, NewNews(cfg.NewsAPIKey, cfg.NewsCountry, client).Tool())
	}
	if cfg.TranslateKey != "" {
		tools = append(tools, NewTranslate(cfg.TranslateKey, client).Tool())
	}
	return tools
}

// newTool wraps fn with logging and call metrics. A returned error is
// reported back to the model as a tool failure; the run continues.
func newTool[T any](name, description string, fn func(context.Context, T) (string, error)) agents.FunctionTool {
	tool := agents.NewFunctionTool(name, description, func(ctx context.Context, args T) (string, error) {
		start := time.Now()
		out, err := fn(ctx, args)
		if err != nil {
			metrics.SkillCalls.WithLabelValues(name, "error").Inc()
			slog.Warn("skill failed", "skill", name, "error", err)
			return "", err
		}
		metrics.SkillCalls.WithLabelValues(name, "ok").Inc()
		slog.Info("skill called", "skill", name, "ms", time.Since(start).Milliseconds())
		return out, nil
	})
	tool.Description = description
	return tool
}

// fetchJSON sends a request with an optional JSON body and decodes a 200
// response into out.
func fetchJSON(ctx context.Context, client *http.Client, method, url string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// clip shortens s to at most n runes.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
