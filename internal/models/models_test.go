package models

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestListLLMModelsSkipsEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"models":[{"name":"llama3.2:3b"},{"name":"nomic-embed-text"},{"name":"qwen2.5:7b"}]}`))
	}))
	defer srv.Close()

	got, err := NewOllama(srv.URL+"/", nil).ListLLMModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "llama3.2:3b" || got[1] != "qwen2.5:7b" {
		t.Errorf("models = %v", got)
	}
}

func TestUnloadAllWaitsUntilReleased(t *testing.T) {
	var mu sync.Mutex
	loaded := map[string]bool{"llama3.2:3b": true}
	var keepAlive []any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.URL.Path {
		case "/api/ps":
			var models []LoadedLLM
			for name := range loaded {
				models = append(models, LoadedLLM{Name: name})
			}
			json.NewEncoder(w).Encode(map[string]any{"models": models})
		case "/api/generate":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			keepAlive = append(keepAlive, body["keep_alive"])
			delete(loaded, body["model"].(string))
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := NewOllama(srv.URL, nil).UnloadAll(ctx); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(loaded) != 0 || len(keepAlive) != 1 || keepAlive[0] != float64(0) {
		t.Errorf("loaded = %v, keep_alive = %v", loaded, keepAlive)
	}
}

func TestPreloadStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := NewOllama(srv.URL, nil).Preload(context.Background(), "missing"); err == nil {
		t.Fatal("expected status error")
	}
}
