package app

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/ai/anthropic"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/ai/openaicompat"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/ai/stub"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/config"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/service/fanout"
)

// BuildFanout turns the provider registry into a fan-out executor, one
// concrete adapter per entry. The token counter is shared so its encoder
// cache is warmed once per process.
func BuildFanout(cfg config.Config, reg config.ProviderRegistry) (*fanout.Executor, error) {
	counter := tokencount.NewCounter()
	def, _ := reg.Default()

	entries := make([]fanout.Entry, 0, len(reg.Providers))
	for _, p := range reg.Providers {
		var adapter domain.ProviderAdapter
		switch p.Kind {
		case config.KindOpenAICompat:
			adapter = openaicompat.New(openaicompat.Config{
				Name:      p.Name,
				BaseURL:   p.BaseURL,
				APIKey:    p.APIKey,
				Model:     p.Model,
				MaxTokens: p.MaxTokens,
				Timeout:   cfg.LLMTimeout,
				JSONMode:  p.JSONMode,
			}, counter)
		case config.KindAnthropic:
			adapter = anthropic.New(anthropic.Config{
				Name:      p.Name,
				BaseURL:   p.BaseURL,
				APIKey:    p.APIKey,
				Model:     p.Model,
				MaxTokens: p.MaxTokens,
				Timeout:   cfg.LLMTimeout,
			})
		case config.KindStub:
			adapter = stub.NewProvider(p.Name)
		default:
			return nil, fmt.Errorf("op=app.BuildFanout: provider %s has unknown kind %q", p.Name, p.Kind)
		}
		entries = append(entries, fanout.Entry{
			Name:          p.Name,
			Adapter:       adapter,
			Enabled:       p.Enabled,
			DeepeningOnly: p.DeepeningOnly,
			Default:       p.Name == def.Name,
		})
		slog.Info("provider registered",
			slog.String("provider", p.Name),
			slog.String("kind", p.Kind),
			slog.String("model", p.Model),
			slog.Bool("enabled", p.Enabled),
			slog.Bool("deepening_only", p.DeepeningOnly))
	}
	return fanout.NewExecutor(entries, cfg.FastMode), nil
}

// BuildEmbedder returns the embeddings backend. Without a gateway key the
// deterministic stub keeps the pipeline runnable offline.
func BuildEmbedder(cfg config.Config) domain.Embedder {
	if cfg.LLMAPIKey == "" {
		slog.Warn("LLM_API_KEY unset, embedding with the deterministic stub")
		return stub.NewEmbedder(cfg.EmbeddingDimensions)
	}
	return openaicompat.NewEmbeddings(openaicompat.EmbeddingsConfig{
		BaseURL:    cfg.LLMBaseURL,
		APIKey:     cfg.LLMAPIKey,
		Model:      cfg.EmbeddingsModel,
		Dimensions: cfg.EmbeddingDimensions,
		BatchSize:  cfg.EmbeddingBatchSize,
	})
}
