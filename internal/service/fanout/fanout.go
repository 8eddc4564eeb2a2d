// Package fanout dispatches one research prompt to every eligible provider
// adapter concurrently and waits for all of them. A slow or failing adapter
// delays the join but never aborts the others; the caller always receives
// one outcome per dispatched adapter.
package fanout

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// Entry is one registry adapter with its dispatch flags. Default marks the
// adapter fast mode collapses to and deepening falls back on.
type Entry struct {
	Name          string
	Adapter       domain.ProviderAdapter
	Enabled       bool
	DeepeningOnly bool
	Default       bool
}

// Executor fans research prompts out across a fixed registry. It is
// immutable after construction and safe for concurrent use.
type Executor struct {
	entries  []Entry
	fastMode bool
}

// NewExecutor builds an executor over the registry entries. fastMode
// restricts research dispatch to the single default entry.
func NewExecutor(entries []Entry, fastMode bool) *Executor {
	return &Executor{entries: entries, fastMode: fastMode}
}

// researchTargets returns the entries ExecuteAll dispatches to, in
// registry order.
func (e *Executor) researchTargets() []Entry {
	var targets []Entry
	for _, entry := range e.entries {
		if !entry.Enabled || entry.DeepeningOnly {
			continue
		}
		targets = append(targets, entry)
	}
	if !e.fastMode || len(targets) <= 1 {
		return targets
	}
	for _, entry := range targets {
		if entry.Default {
			return []Entry{entry}
		}
	}
	return targets[:1]
}

// ExecuteAll invokes every eligible adapter concurrently and blocks until
// each one has reported. Outcomes are returned in dispatch order, one per
// adapter; a panicking adapter is converted into an error outcome.
func (e *Executor) ExecuteAll(ctx domain.Context, systemPrompt, userPrompt string) []domain.AttemptOutcome {
	targets := e.researchTargets()
	outcomes := make([]domain.AttemptOutcome, len(targets))
	if len(targets) == 0 {
		return outcomes
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i, entry := range targets {
		wg.Add(1)
		go func(slot int, entry Entry) {
			defer wg.Done()
			outcomes[slot] = attempt(ctx, entry, systemPrompt, userPrompt)
		}(i, entry)
	}
	wg.Wait()
	observability.ObserveStage("fanout", time.Since(start).Seconds())

	succeeded := 0
	for _, o := range outcomes {
		if o.Err == nil {
			succeeded++
		}
	}
	slog.Info("provider fan-out complete",
		slog.Int("providers", len(targets)),
		slog.Int("succeeded", succeeded),
		slog.Int("failed", len(targets)-succeeded),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return outcomes
}

// attempt runs one adapter call, converting a panic into an error outcome
// so a broken adapter cannot take down the join or the process.
func attempt(ctx domain.Context, entry Entry, systemPrompt, userPrompt string) (out domain.AttemptOutcome) {
	out.Provider = entry.Name
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("provider adapter panicked",
				slog.String("provider", entry.Name),
				slog.Any("panic", rec))
			out.Result = nil
			out.Err = fmt.Errorf("op=fanout.ExecuteAll provider=%s: adapter panic: %v: %w", entry.Name, rec, domain.ErrProviderError)
		}
	}()
	res, err := entry.Adapter.Call(ctx, systemPrompt, userPrompt)
	if err != nil {
		out.Err = err
		return out
	}
	out.Result = &res
	return out
}

// ForDeepening resolves the adapter for a single-provider deepening call:
// the named entry when one is given, otherwise the default entry. Unlike
// research dispatch, deepening-only entries are eligible here.
func (e *Executor) ForDeepening(name string) (Entry, error) {
	if name != "" {
		for _, entry := range e.entries {
			if entry.Name != name {
				continue
			}
			if !entry.Enabled {
				return Entry{}, fmt.Errorf("op=fanout.ForDeepening: provider %q is disabled: %w", name, domain.ErrValidation)
			}
			return entry, nil
		}
		return Entry{}, fmt.Errorf("op=fanout.ForDeepening: unknown provider %q: %w", name, domain.ErrValidation)
	}
	for _, entry := range e.entries {
		if entry.Enabled && entry.Default {
			return entry, nil
		}
	}
	for _, entry := range e.entries {
		if entry.Enabled && !entry.DeepeningOnly {
			return entry, nil
		}
	}
	return Entry{}, fmt.Errorf("op=fanout.ForDeepening: no enabled provider configured: %w", domain.ErrValidation)
}
