package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// EmbeddingsConfig describes the embeddings backend.
type EmbeddingsConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	BatchSize  int
}

// EmbeddingsClient implements domain.Embedder against an OpenAI-compatible
// /embeddings endpoint. Input is partitioned into batches of at most
// BatchSize; each batch response is reordered by the server-provided index
// before concatenation, so output position k always corresponds to input k.
type EmbeddingsClient struct {
	cfg       EmbeddingsConfig
	hc        *http.Client
	retryWait time.Duration
}

// NewEmbeddings constructs an embeddings client.
func NewEmbeddings(cfg EmbeddingsConfig) *EmbeddingsClient {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &EmbeddingsClient{
		cfg: cfg,
		hc: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retryWait: initialInterval,
	}
}

// BatchError reports which batch of an embedding call failed. It unwraps
// to domain.ErrEmbeddingError.
type BatchError struct {
	BatchNumber  int
	TotalBatches int
	TextsInBatch int
	Err          error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("embedding batch %d/%d (%d texts) failed: %v",
		e.BatchNumber, e.TotalBatches, e.TextsInBatch, e.Err)
}

func (e *BatchError) Unwrap() error { return domain.ErrEmbeddingError }

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed implements domain.Embedder. Empty input yields empty output; any
// batch failure fails the whole call.
func (c *EmbeddingsClient) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	totalBatches := (len(texts) + c.cfg.BatchSize - 1) / c.cfg.BatchSize
	vectors := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += c.cfg.BatchSize {
		end := min(i+c.cfg.BatchSize, len(texts))
		batch := texts[i:end]
		batchNumber := i/c.cfg.BatchSize + 1

		vecs, err := c.embedBatch(ctx, batch)
		if err != nil {
			slog.Error("embedding batch failed",
				slog.Int("batch", batchNumber),
				slog.Int("total_batches", totalBatches),
				slog.Int("texts_in_batch", len(batch)),
				slog.Any("error", err))
			return nil, &BatchError{
				BatchNumber:  batchNumber,
				TotalBatches: totalBatches,
				TextsInBatch: len(batch),
				Err:          err,
			}
		}
		vectors = append(vectors, vecs...)
	}
	return vectors, nil
}

func (c *EmbeddingsClient) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	b, err := json.Marshal(embeddingsRequest{Model: c.cfg.Model, Input: batch})
	if err != nil {
		return nil, err
	}

	var out embeddingsResponse
	op := func() error {
		start := time.Now()
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		r.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(r)
		if err != nil {
			observability.ObserveEmbeddingBatch("transport_error", time.Since(start).Seconds())
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			observability.ObserveEmbeddingBatch("transport_error", time.Since(start).Seconds())
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			observability.ObserveEmbeddingBatch("rate_limited", time.Since(start).Seconds())
			slog.Warn("embeddings rate limited", slog.Int("status", resp.StatusCode))
			return fmt.Errorf("embed status %d", resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			observability.ObserveEmbeddingBatch("client_error", time.Since(start).Seconds())
			slog.Warn("embeddings 4xx",
				slog.Int("status", resp.StatusCode),
				slog.String("model", c.cfg.Model),
				slog.String("body", snippet(bodyBytes)))
			return backoff.Permanent(fmt.Errorf("embed status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			observability.ObserveEmbeddingBatch("server_error", time.Since(start).Seconds())
			slog.Error("embeddings non-2xx",
				slog.Int("status", resp.StatusCode),
				slog.String("model", c.cfg.Model),
				slog.String("body", snippet(bodyBytes)))
			return fmt.Errorf("embed status %d", resp.StatusCode)
		}

		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			observability.ObserveEmbeddingBatch("decode_error", time.Since(start).Seconds())
			return backoff.Permanent(fmt.Errorf("decode embeddings response: %w", err))
		}
		observability.ObserveEmbeddingBatch("ok", time.Since(start).Seconds())
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(newExpo(c.retryWait), maxRetries), ctx)); err != nil {
		return nil, err
	}

	if len(out.Data) != len(batch) {
		return nil, fmt.Errorf("embeddings count mismatch: got %d want %d", len(out.Data), len(batch))
	}

	// The backend may return items out of order; restore input order via
	// the server-provided index.
	vecs := make([][]float32, len(batch))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(batch) {
			return nil, fmt.Errorf("embeddings index %d out of range for batch of %d", d.Index, len(batch))
		}
		if vecs[d.Index] != nil {
			return nil, fmt.Errorf("embeddings index %d duplicated in response", d.Index)
		}
		if c.cfg.Dimensions > 0 && len(d.Embedding) != c.cfg.Dimensions {
			return nil, fmt.Errorf("embedding dimension mismatch: got %d want %d", len(d.Embedding), c.cfg.Dimensions)
		}
		vecs[d.Index] = d.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("embeddings response missing index %d", i)
		}
	}
	return vecs, nil
}
