package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// BackendStatus is the probed state of one engine.
type BackendStatus string

const (
	StatusHealthy   BackendStatus = "healthy"
	StatusUnhealthy BackendStatus = "unhealthy"
	StatusUnknown   BackendStatus = "unknown"
)

// BackendInfo is the reported state of one engine.
type BackendInfo struct {
	Name   string        `json:"name"`
	Kind   string        `json:"kind"`
	Status BackendStatus `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// HealthChecker probes the readiness endpoints of registered backends.
type HealthChecker struct {
	httpClient *http.Client
	registry   *Registry
}

// NewHealthChecker creates a checker. A nil client gets a short-timeout default.
func NewHealthChecker(registry *Registry, client *http.Client) *HealthChecker {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &HealthChecker{httpClient: client, registry: registry}
}

// Status probes one backend. Backends without a health URL are reported
// as unknown.
func (h *HealthChecker) Status(ctx context.Context, name string) (BackendInfo, error) {
	meta, ok := h.registry.Lookup(name)
	if !ok {
		return BackendInfo{}, fmt.Errorf("backend %q not in registry", name)
	}
	info := BackendInfo{Name: name, Kind: meta.Kind, Status: StatusUnknown}
	if meta.HealthURL == "" {
		return info, nil
	}
	if err := h.probe(ctx, meta.HealthURL); err != nil {
		info.Status = StatusUnhealthy
		info.Error = err.Error()
		return info, nil
	}
	info.Status = StatusHealthy
	return info, nil
}

// StatusAll probes every registered backend concurrently.
func (h *HealthChecker) StatusAll(ctx context.Context) []BackendInfo {
	names := h.registry.Names()
	results := make([]BackendInfo, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = h.Status(ctx, name)
		}()
	}
	wg.Wait()
	return results
}

func (h *HealthChecker) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
