package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageText(t *testing.T) {
	assert.Equal(t, "hello", Message{Content: "hello"}.Text())

	m := Message{Blocks: []ContentBlock{
		{Type: BlockText, Text: "first"},
		{Type: BlockImageURL, URL: "https://example.com/a.png"},
		{Type: BlockText, Text: "second"},
	}}
	assert.Equal(t, "first\nsecond", m.Text())

	m.Content = "lead"
	assert.Equal(t, "lead\nfirst\nsecond", m.Text())
}

func TestMessageTimestampOmitted(t *testing.T) {
	data, err := json.Marshal(Message{Role: RoleUser, Content: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"hi"}`, string(data))
}

func TestUsageAdd(t *testing.T) {
	var u Usage
	u.Add(Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12})
	u.Add(Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6})
	assert.Equal(t, Usage{PromptTokens: 15, CompletionTokens: 3, TotalTokens: 18}, u)
}
