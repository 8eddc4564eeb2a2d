// Package tokencount estimates token usage for model calls whose backends
// omit usage accounting in their responses.
//
// It uses tiktoken-go, a Go port of OpenAI's tiktoken library. Counts for
// non-OpenAI models are approximations: every model family is mapped onto
// the closest tiktoken encoding, which is good enough for cost telemetry.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token counting with a per-model encoding cache.
type Counter struct {
	encodings map[string]*tiktoken.Tiktoken
	mu        sync.RWMutex
}

// NewCounter creates a new token counter.
func NewCounter() *Counter {
	return &Counter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// CountTokens returns the token count of text under the given model's
// encoding. When no encoding can be loaded it falls back to the rough
// four-characters-per-token heuristic rather than failing the caller.
func (c *Counter) CountTokens(text, model string) int {
	enc, err := c.encodingFor(model)
	if err != nil {
		return heuristic(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountChatTokens estimates the prompt-side token count of a two-message
// chat request (system + user), including the per-message framing overhead
// used by OpenAI-compatible chat APIs.
func (c *Counter) CountChatTokens(systemPrompt, userPrompt, model string) int {
	enc, err := c.encodingFor(model)
	if err != nil {
		return heuristic(systemPrompt) + heuristic(userPrompt)
	}

	// 3 tokens of framing plus 1 role token per message, and every reply
	// is primed with <|start|>assistant<|message|>.
	n := 0
	for _, m := range []struct{ role, content string }{
		{"system", systemPrompt},
		{"user", userPrompt},
	} {
		n += 3
		n += len(enc.Encode(m.role, nil, nil))
		n += len(enc.Encode(m.content, nil, nil))
		n++
	}
	n += 3
	return n
}

func heuristic(text string) int {
	return (len(text) + 3) / 4
}

// encodingFor returns a cached tiktoken encoding for the model, loading
// and caching it on first use.
func (c *Counter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	name := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodings[name]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[name]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.String("normalized", name),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	c.encodings[name] = enc
	return enc, nil
}

// normalizeModelName maps gateway model ids (which may carry provider
// prefixes like "meta-llama/..." or variant suffixes) onto a
// tiktoken-known name.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)

	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	model = strings.TrimSuffix(model, ":free")

	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		// Non-OpenAI families (claude, llama, mistral, ...) tokenize
		// close enough to cl100k_base for estimation purposes.
		return "gpt-4"
	}
}
