package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-copilot/internal/domain"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry("")
	require.NoError(t, r.Register(&mockProvider{name: "openai"}))
	require.NoError(t, r.Register(&mockProvider{name: "anthropic"}))
	assert.Error(t, r.Register(&mockProvider{name: "openai"}))

	assert.Equal(t, []string{"anthropic", "openai"}, r.List())

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry("openai")
	require.NoError(t, r.Register(&mockProvider{name: "openai"}))
	require.NoError(t, r.Register(&mockProvider{name: "anthropic"}))

	p, model, err := r.Resolve("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "gpt-4o", model)

	p, model, err = r.Resolve("anthropic/claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, "claude-sonnet-4-5", model)

	// Unknown prefixes are part of the model id.
	p, model, err = r.Resolve("meta-llama/llama-3")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "meta-llama/llama-3", model)
}

func TestRegistryResolveNoDefault(t *testing.T) {
	_, _, err := NewRegistry("openai").Resolve("gpt-4o")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}
