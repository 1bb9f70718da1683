// Package models manages the language models held by a local Ollama
// server: listing installed models, warming the default one at startup and
// releasing GPU memory at shutdown.
package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama talks to the model management endpoints of one Ollama server.
type Ollama struct {
	url    string
	client *http.Client
}

// NewOllama creates a client for the server at url. A nil client gets a
// short-timeout default.
func NewOllama(url string, client *http.Client) *Ollama {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Ollama{url: strings.TrimRight(url, "/"), client: client}
}

// LoadedLLM describes a model currently loaded in Ollama.
type LoadedLLM struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ListLLMModels returns installed chat model names, skipping embedding models.
func (o *Ollama) ListLLMModels(ctx context.Context) ([]string, error) {
	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := o.getJSON(ctx, "/api/tags", &result); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		if !strings.Contains(m.Name, "embed") {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

// ListLoaded returns the models currently loaded in memory.
func (o *Ollama) ListLoaded(ctx context.Context) ([]LoadedLLM, error) {
	var result struct {
		Models []LoadedLLM `json:"models"`
	}
	if err := o.getJSON(ctx, "/api/ps", &result); err != nil {
		return nil, err
	}
	return result.Models, nil
}

// Preload loads model and keeps it resident so the first turn does not pay
// the load time.
func (o *Ollama) Preload(ctx context.Context, model string) error {
	return o.generate(ctx, map[string]any{"model": model, "keep_alive": -1}, "preload")
}

// Unload asks Ollama to release model and waits until it is gone or ctx ends.
func (o *Ollama) Unload(ctx context.Context, model string) error {
	if err := o.generate(ctx, map[string]any{"model": model, "keep_alive": 0, "stream": false}, "unload"); err != nil {
		return err
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		loaded, err := o.ListLoaded(ctx)
		if err != nil {
			return nil
		}
		if !contains(loaded, model) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("model %s still loaded: %w", model, ctx.Err())
		case <-ticker.C:
		}
	}
}

// UnloadAll releases every loaded model.
func (o *Ollama) UnloadAll(ctx context.Context) error {
	loaded, err := o.ListLoaded(ctx)
	if err != nil {
		return err
	}
	for _, m := range loaded {
		if err := o.Unload(ctx, m.Name); err != nil {
			return fmt.Errorf("unload %s: %w", m.Name, err)
		}
	}
	return nil
}

func (o *Ollama) generate(ctx context.Context, body map[string]any, op string) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama %s status %d", op, resp.StatusCode)
	}
	return nil
}

func (o *Ollama) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url+path, nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama %s status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func contains(loaded []LoadedLLM, model string) bool {
	for _, m := range loaded {
		if m.Name == model {
			return true
		}
	}
	return false
}
