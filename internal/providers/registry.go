package providers

import "sort"

// Registry holds the known providers in a fixed classification order, so
// the same request always resolves to the same provider.
type Registry struct {
	ordered []Provider
	byName  map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	registry := &Registry{
		ordered: providers,
		byName:  make(map[string]Provider, len(providers)),
	}
	for _, provider := range providers {
		registry.byName[provider.Name()] = provider
	}
	return registry
}

func DefaultRegistry() *Registry {
	return NewRegistry(AnthropicProvider{}, OpenAIProvider{})
}

// Classify finds the first provider claiming the request. The boolean is
// the is_llm_call verdict; callers evaluate it once per flow.
func (r *Registry) Classify(host, path, contentType string) (Provider, bool) {
	for _, provider := range r.ordered {
		if provider.Matches(host, path, contentType) {
			return provider, true
		}
	}
	return nil, false
}

func (r *Registry) Get(name string) (Provider, bool) {
	provider, ok := r.byName[name]
	return provider, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
