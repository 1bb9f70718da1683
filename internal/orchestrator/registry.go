package orchestrator

import "sort"

// BackendMeta holds static metadata for one collaborator engine.
type BackendMeta struct {
	Kind      string // "stt", "llm" or "tts"
	HealthURL string // URL to probe for readiness; empty for hosted APIs
}

// Registry lists the engines the gateway was configured with.
type Registry struct {
	backends map[string]BackendMeta
}

// NewRegistry creates a registry keyed by "<kind>/<engine>".
func NewRegistry(backends map[string]BackendMeta) *Registry {
	return &Registry{backends: backends}
}

// Lookup returns metadata for a backend, or false if not registered.
func (r *Registry) Lookup(name string) (BackendMeta, bool) {
	m, ok := r.backends[name]
	return m, ok
}

// Names returns all registered backend names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
