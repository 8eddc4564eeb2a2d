// Package anthropic implements the provider adapter for the Anthropic
// Messages API. Unlike the OpenAI dialect, the system prompt travels as a
// top-level field, auth uses x-api-key and there is no JSON response mode,
// so the prompts themselves must demand JSON-only output.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

const (
	apiVersion      = "2023-06-01"
	maxRetries      = 2
	initialInterval = 2 * time.Second
	defaultTimeout  = 60 * time.Second
	defaultTokens   = 4096
)

var errAttemptTimeout = errors.New("attempt deadline exceeded")

// Config describes one Anthropic backend.
type Config struct {
	Name        string
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Client is a domain.ProviderAdapter over the Anthropic Messages API.
type Client struct {
	cfg       Config
	hc        *http.Client
	retryWait time.Duration
}

// New constructs an Anthropic adapter with the shared retry policy.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	return &Client{
		cfg:       cfg,
		hc:        &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		retryWait: initialInterval,
	}
}

// Name implements domain.ProviderAdapter.
func (c *Client) Name() string { return c.cfg.Name }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Call implements domain.ProviderAdapter.
func (c *Client) Call(ctx domain.Context, systemPrompt, userPrompt string) (domain.RawResult, error) {
	b, err := json.Marshal(messagesRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		System:      systemPrompt,
		Temperature: c.cfg.Temperature,
		Messages:    []message{{Role: "user", Content: userPrompt}},
	})
	if err != nil {
		return domain.RawResult{}, fmt.Errorf("op=anthropic.Call: %w", err)
	}

	started := time.Now()
	var out messagesResponse
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		start := time.Now()
		r, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("x-api-key", c.cfg.APIKey)
		r.Header.Set("anthropic-version", apiVersion)
		r.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(r)
		if err != nil {
			if ctx.Err() != nil {
				observe(c.cfg.Name, "canceled", start)
				return backoff.Permanent(ctx.Err())
			}
			if attemptCtx.Err() != nil {
				observe(c.cfg.Name, "timeout", start)
				slog.Warn("provider attempt timed out",
					slog.String("provider", c.cfg.Name), slog.String("op", "chat"),
					slog.Duration("timeout", c.cfg.Timeout))
				return fmt.Errorf("%w after %s", errAttemptTimeout, c.cfg.Timeout)
			}
			observe(c.cfg.Name, "transport_error", start)
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			observe(c.cfg.Name, "transport_error", start)
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			observe(c.cfg.Name, "rate_limited", start)
			slog.Warn("provider rate limited",
				slog.String("provider", c.cfg.Name), slog.String("op", "chat"),
				slog.Int("status", resp.StatusCode))
			return fmt.Errorf("messages status %d", resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			observe(c.cfg.Name, "client_error", start)
			slog.Warn("provider 4xx",
				slog.String("provider", c.cfg.Name), slog.String("op", "chat"),
				slog.Int("status", resp.StatusCode),
				slog.String("model", c.cfg.Model),
				slog.String("body", snippet(bodyBytes)))
			return backoff.Permanent(fmt.Errorf("messages status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			// Includes 529 "overloaded", which Anthropic sends under load.
			observe(c.cfg.Name, "server_error", start)
			slog.Error("provider non-2xx",
				slog.String("provider", c.cfg.Name), slog.String("op", "chat"),
				slog.Int("status", resp.StatusCode),
				slog.String("model", c.cfg.Model),
				slog.String("body", snippet(bodyBytes)))
			return fmt.Errorf("messages status %d", resp.StatusCode)
		}

		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			observe(c.cfg.Name, "decode_error", start)
			return backoff.Permanent(fmt.Errorf("decode messages response: %w", err))
		}
		observe(c.cfg.Name, "ok", start)
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retryWait
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = 30 * time.Second
	expo.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(expo, maxRetries), ctx)); err != nil {
		if errors.Is(err, errAttemptTimeout) {
			return domain.RawResult{}, fmt.Errorf("op=anthropic.Call provider=%s: %v: %w", c.cfg.Name, err, domain.ErrProviderTimeout)
		}
		return domain.RawResult{}, fmt.Errorf("op=anthropic.Call provider=%s: %v: %w", c.cfg.Name, err, domain.ErrProviderError)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return domain.RawResult{}, fmt.Errorf("op=anthropic.Call provider=%s: no text content: %w", c.cfg.Name, domain.ErrProviderError)
	}

	res := domain.RawResult{
		Text:             text.String(),
		Model:            out.Model,
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
		LatencyMs:        time.Since(started).Milliseconds(),
	}
	if res.Model == "" {
		res.Model = c.cfg.Model
	}
	return res, nil
}

func observe(provider, outcome string, start time.Time) {
	observability.ObserveProviderRequest(provider, "chat", outcome, time.Since(start).Seconds())
}

func snippet(b []byte) string {
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
}
