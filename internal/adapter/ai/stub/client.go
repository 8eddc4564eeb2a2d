// Package stub provides deterministic in-process fakes for development and
// tests: a provider that fabricates schema-valid model output without any
// network, and an embedder that derives stable vectors from text content so
// identical ideas always collide in the similarity pipeline.
package stub

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

var categories = []string{"technical", "business", "research", "design", "policy"}

// Provider is a domain.ProviderAdapter returning canned, schema-valid JSON.
type Provider struct {
	name string
}

// NewProvider creates a stub provider with the given registry name.
func NewProvider(name string) *Provider {
	return &Provider{name: name}
}

// Name implements domain.ProviderAdapter.
func (p *Provider) Name() string { return p.name }

// Call fabricates output for whichever task the prompts describe. The
// deepening system prompt mentions its envelope key, which is how the two
// are told apart.
func (p *Provider) Call(_ domain.Context, systemPrompt, userPrompt string) (domain.RawResult, error) {
	var payload any
	if strings.Contains(systemPrompt, `"deepening"`) {
		payload = p.deepeningPayload(userPrompt)
	} else {
		payload = p.researchPayload(userPrompt)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return domain.RawResult{}, fmt.Errorf("op=stub.Call: %w", err)
	}
	text := string(b)
	return domain.RawResult{
		Text:             text,
		Model:            "stub-model",
		PromptTokens:     (len(systemPrompt) + len(userPrompt)) / 4,
		CompletionTokens: len(text) / 4,
		LatencyMs:        1,
	}, nil
}

func (p *Provider) researchPayload(userPrompt string) map[string]any {
	seed := hash64(p.name + "|" + userPrompt)
	ideas := make([]map[string]any, 0, 5)
	for i := 0; i < 5; i++ {
		n := int(seed>>uint(i*8)&0xff)%90 + 10
		ideas = append(ideas, map[string]any{
			"title": fmt.Sprintf("Stub idea %d-%02d from %s", i+1, n, p.name),
			"description": fmt.Sprintf(
				"A deterministic stub description elaborating concept %d in enough detail to satisfy length validation rules.", i+1),
			"rationale":        fmt.Sprintf("Directly derived from the stated problem, variant %d.", i+1),
			"category":         categories[(i+int(seed%uint64(len(categories))))%len(categories)],
			"confidence_score": 0.9 - float64(i)*0.1,
			"novelty_score":    0.5 + float64(i)*0.05,
			"tags":             []string{"stub", "deterministic", fmt.Sprintf("variant%d", i+1)},
		})
	}
	return map[string]any{"ideas": ideas}
}

func (p *Provider) deepeningPayload(userPrompt string) map[string]any {
	depth := 1
	for d := 3; d >= 1; d-- {
		if strings.Contains(userPrompt, fmt.Sprintf("depth_level to %d", d)) {
			depth = d
			break
		}
	}
	return map[string]any{
		"deepening": map[string]any{
			"idea_title":        "Stub deepening",
			"depth_level":       depth,
			"executive_summary": "A deterministic elaboration produced without any model call.",
			"key_insights":      []string{"stub insight one", "stub insight two"},
			"detailed_analysis": strings.Repeat("Deterministic stub analysis sentence. ", 4),
			"action_items": []map[string]any{
				{"step": 1, "description": "First stub action", "priority": "high", "estimated_effort": "1 week"},
				{"step": 2, "description": "Second stub action", "priority": "low"},
			},
			"risks":              []map[string]any{{"risk": "stub risk", "severity": "low", "mitigation": "none needed"}},
			"success_metrics":    []string{"stub metric"},
			"resources_needed":   []string{"nothing"},
			"estimated_timeline": "immediate",
			"confidence_score":   0.99,
		},
	}
}

// Embedder is a domain.Embedder deriving vectors from text content.
// Identical texts map to identical vectors; distinct texts land far apart
// with overwhelming probability.
type Embedder struct {
	dims int
}

// NewEmbedder creates a stub embedder producing dims-dimensional vectors.
func NewEmbedder(dims int) *Embedder {
	if dims <= 0 {
		dims = 1536
	}
	return &Embedder{dims: dims}
}

// Embed implements domain.Embedder.
func (e *Embedder) Embed(_ domain.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *Embedder) vector(text string) []float32 {
	state := hash64(text)
	v := make([]float32, e.dims)
	for j := range v {
		state = xorshift64(state)
		v[j] = float32(int64(state)) / float32(1<<63)
	}
	return v
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func xorshift64(x uint64) uint64 {
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	return x
}
