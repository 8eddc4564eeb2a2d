// Package openaicompat implements the provider adapter and the embedding
// client for OpenAI-compatible chat and embeddings endpoints. Gateways
// such as OpenRouter, Groq or a self-hosted vLLM all speak this dialect,
// so one adapter covers every provider of this kind in the registry.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// Retry policy: two retries (three attempts total). Rate limiting, server
// errors, transport errors and per-attempt timeouts are retried; client
// errors are terminal. Attempt k waits 2^k seconds before the next try.
const (
	maxRetries      = 2
	initialInterval = 2 * time.Second
	defaultTimeout  = 60 * time.Second
)

// errAttemptTimeout marks an attempt that hit its per-call deadline so the
// final error can be classified after retries are exhausted.
var errAttemptTimeout = errors.New("attempt deadline exceeded")

// Config describes one OpenAI-compatible chat backend.
type Config struct {
	Name        string
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	JSONMode    bool
}

// Client is a domain.ProviderAdapter over one OpenAI-compatible backend.
type Client struct {
	cfg       Config
	hc        *http.Client
	counter   *tokencount.Counter
	retryWait time.Duration
}

// New constructs a chat adapter. The counter may be shared across adapters;
// it is only consulted when the backend omits usage accounting.
func New(cfg Config, counter *tokencount.Counter) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if counter == nil {
		counter = tokencount.NewCounter()
	}
	return &Client{
		cfg:       cfg,
		hc:        &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		counter:   counter,
		retryWait: initialInterval,
	}
}

// Name implements domain.ProviderAdapter.
func (c *Client) Name() string { return c.cfg.Name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Call implements domain.ProviderAdapter. Each attempt gets its own
// deadline so a timeout cancels the in-flight request instead of letting
// it run on in the background.
func (c *Client) Call(ctx domain.Context, systemPrompt, userPrompt string) (domain.RawResult, error) {
	payload := chatRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	if c.cfg.JSONMode {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return domain.RawResult{}, fmt.Errorf("op=openaicompat.Call: %w", err)
	}

	started := time.Now()
	var out chatResponse
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		start := time.Now()
		// Recreate the request each attempt to avoid reusing consumed bodies.
		r, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		r.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(r)
		if err != nil {
			if ctx.Err() != nil {
				observeChat(c.cfg.Name, "canceled", start)
				return backoff.Permanent(ctx.Err())
			}
			if attemptCtx.Err() != nil {
				observeChat(c.cfg.Name, "timeout", start)
				slog.Warn("provider attempt timed out",
					slog.String("provider", c.cfg.Name), slog.String("op", "chat"),
					slog.Duration("timeout", c.cfg.Timeout))
				return fmt.Errorf("%w after %s", errAttemptTimeout, c.cfg.Timeout)
			}
			observeChat(c.cfg.Name, "transport_error", start)
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			observeChat(c.cfg.Name, "transport_error", start)
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			observeChat(c.cfg.Name, "rate_limited", start)
			slog.Warn("provider rate limited",
				slog.String("provider", c.cfg.Name), slog.String("op", "chat"),
				slog.Int("status", resp.StatusCode),
				slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			observeChat(c.cfg.Name, "client_error", start)
			slog.Warn("provider 4xx",
				slog.String("provider", c.cfg.Name), slog.String("op", "chat"),
				slog.Int("status", resp.StatusCode),
				slog.String("model", c.cfg.Model),
				slog.String("body", snippet(bodyBytes)))
			return backoff.Permanent(fmt.Errorf("chat status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			observeChat(c.cfg.Name, "server_error", start)
			slog.Error("provider non-2xx",
				slog.String("provider", c.cfg.Name), slog.String("op", "chat"),
				slog.Int("status", resp.StatusCode),
				slog.String("model", c.cfg.Model),
				slog.String("body", snippet(bodyBytes)))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}

		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			observeChat(c.cfg.Name, "decode_error", start)
			return backoff.Permanent(fmt.Errorf("decode chat response: %w", err))
		}
		observeChat(c.cfg.Name, "ok", start)
		return nil
	}

	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		if errors.Is(err, errAttemptTimeout) {
			return domain.RawResult{}, fmt.Errorf("op=openaicompat.Call provider=%s: %v: %w", c.cfg.Name, err, domain.ErrProviderTimeout)
		}
		return domain.RawResult{}, fmt.Errorf("op=openaicompat.Call provider=%s: %v: %w", c.cfg.Name, err, domain.ErrProviderError)
	}

	if len(out.Choices) == 0 {
		return domain.RawResult{}, fmt.Errorf("op=openaicompat.Call provider=%s: empty choices: %w", c.cfg.Name, domain.ErrProviderError)
	}

	res := domain.RawResult{
		Text:             out.Choices[0].Message.Content,
		Model:            out.Model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		LatencyMs:        time.Since(started).Milliseconds(),
	}
	if res.Model == "" {
		res.Model = c.cfg.Model
	}
	// Some gateways omit usage accounting; estimate so token telemetry
	// stays populated.
	if res.PromptTokens == 0 && res.CompletionTokens == 0 {
		res.PromptTokens = c.counter.CountChatTokens(systemPrompt, userPrompt, res.Model)
		res.CompletionTokens = c.counter.CountTokens(res.Text, res.Model)
	}
	return res, nil
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(newExpo(c.retryWait), maxRetries), ctx)
}

func newExpo(base time.Duration) *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = base
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = 30 * time.Second
	expo.MaxElapsedTime = 0
	return expo
}

func observeChat(provider, outcome string, start time.Time) {
	observability.ObserveProviderRequest(provider, "chat", outcome, time.Since(start).Seconds())
}

func snippet(b []byte) string {
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
}
