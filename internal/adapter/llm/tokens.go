package llm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"crm-copilot/internal/domain"
)

// Chat framing overhead, per OpenAI's counting guide.
const (
	tokensPerMessage  = 3
	tokensPerRole     = 1
	tokensPerToolCall = 3
	tokensPerToolDef  = 7
	tokensPriming     = 3
)

// TiktokenCounter counts prompt tokens with tiktoken encodings. Models without
// a known encoding (Anthropic, local models) are estimated with o200k_base.
type TiktokenCounter struct {
	mu     sync.RWMutex
	codecs map[string]tokenizer.Codec
}

// NewTiktokenCounter creates a counter with an empty codec cache.
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{codecs: make(map[string]tokenizer.Codec)}
}

// CountMessages implements domain.TokenCounter.
func (c *TiktokenCounter) CountMessages(model string, msgs []domain.Message, tools []domain.ToolSchema) (int, error) {
	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}

	count := func(s string) int {
		if s == "" {
			return 0
		}
		ids, _, _ := codec.Encode(s)
		return len(ids)
	}

	total := tokensPriming
	for _, m := range msgs {
		total += tokensPerMessage + tokensPerRole
		total += count(m.Text())
		for _, tc := range m.ToolCalls {
			total += count(tc.Name) + count(string(tc.Arguments)) + tokensPerToolCall
		}
	}
	for _, t := range tools {
		total += count(t.Name) + count(t.Description) + count(string(t.Parameters)) + tokensPerToolDef
	}
	return total, nil
}

func (c *TiktokenCounter) codec(model string) (tokenizer.Codec, error) {
	key := strings.ToLower(model)

	c.mu.RLock()
	codec, ok := c.codecs[key]
	c.mu.RUnlock()
	if ok {
		return codec, nil
	}

	codec, err := tokenizer.ForModel(tokenizer.Model(key))
	if err != nil {
		codec, err = tokenizer.Get(fallbackEncoding(key))
		if err != nil {
			return nil, fmt.Errorf("tokenizer for %q: %w", model, err)
		}
	}

	c.mu.Lock()
	c.codecs[key] = codec
	c.mu.Unlock()
	return codec, nil
}

func fallbackEncoding(model string) tokenizer.Encoding {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"), strings.HasPrefix(model, "gpt-5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

var _ domain.TokenCounter = (*TiktokenCounter)(nil)
