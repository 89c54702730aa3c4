package llm

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"crm-copilot/internal/domain"
)

// Registry holds named LLM providers and the default one.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]domain.LLMProvider
	defaultName string
}

// NewRegistry creates an empty provider registry.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		providers:   make(map[string]domain.LLMProvider),
		defaultName: defaultName,
	}
}

// Register adds a provider. Returns error if name already registered.
func (r *Registry) Register(provider domain.LLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider
	if r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// Resolve picks the provider for a concrete model id. "name/model" selects
// a registered provider explicitly; anything else goes to the default.
// The returned model has the provider prefix stripped.
func (r *Registry) Resolve(model string) (domain.LLMProvider, string, error) {
	if prefix, rest, ok := strings.Cut(model, "/"); ok {
		r.mu.RLock()
		p, found := r.providers[prefix]
		r.mu.RUnlock()
		if found {
			return p, rest, nil
		}
	}

	r.mu.RLock()
	name := r.defaultName
	r.mu.RUnlock()
	p, err := r.Get(name)
	if err != nil {
		return nil, "", err
	}
	return p, model, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
