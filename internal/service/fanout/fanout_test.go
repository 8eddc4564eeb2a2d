package fanout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

type fakeAdapter struct {
	name     string
	result   domain.RawResult
	err      error
	delay    time.Duration
	panicMsg string
	calls    atomic.Int32
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Call(ctx domain.Context, _, _ string) (domain.RawResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.RawResult{}, ctx.Err()
		}
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return domain.RawResult{}, f.err
	}
	return f.result, nil
}

func entryFor(a *fakeAdapter) Entry {
	return Entry{Name: a.name, Adapter: a, Enabled: true}
}

func TestExecuteAll_EveryAdapterReports(t *testing.T) {
	t.Parallel()
	ok := &fakeAdapter{name: "alpha", result: domain.RawResult{Text: "{}", Model: "m-alpha"}}
	failing := &fakeAdapter{name: "beta", err: errors.New("boom")}
	slow := &fakeAdapter{name: "gamma", delay: 30 * time.Millisecond, result: domain.RawResult{Text: "{}", Model: "m-gamma"}}

	exec := NewExecutor([]Entry{entryFor(ok), entryFor(failing), entryFor(slow)}, false)
	outcomes := exec.ExecuteAll(context.Background(), "system", "user")

	require.Len(t, outcomes, 3)
	assert.Equal(t, "alpha", outcomes[0].Provider)
	require.NotNil(t, outcomes[0].Result)
	assert.Equal(t, "m-alpha", outcomes[0].Result.Model)
	assert.NoError(t, outcomes[0].Err)

	assert.Equal(t, "beta", outcomes[1].Provider)
	assert.Nil(t, outcomes[1].Result)
	assert.Error(t, outcomes[1].Err)

	assert.Equal(t, "gamma", outcomes[2].Provider)
	require.NotNil(t, outcomes[2].Result)
	assert.NoError(t, outcomes[2].Err)
}

func TestExecuteAll_RunsAdaptersConcurrently(t *testing.T) {
	t.Parallel()
	var entries []Entry
	for _, name := range []string{"a", "b", "c"} {
		entries = append(entries, entryFor(&fakeAdapter{
			name:   name,
			delay:  100 * time.Millisecond,
			result: domain.RawResult{Text: "{}"},
		}))
	}
	exec := NewExecutor(entries, false)

	start := time.Now()
	outcomes := exec.ExecuteAll(context.Background(), "system", "user")
	elapsed := time.Since(start)

	require.Len(t, outcomes, 3)
	// Sequential dispatch would take >= 300ms.
	assert.Less(t, elapsed, 250*time.Millisecond)
}

func TestExecuteAll_PanicBecomesErrorOutcome(t *testing.T) {
	t.Parallel()
	panics := &fakeAdapter{name: "broken", panicMsg: "nil map write"}
	ok := &fakeAdapter{name: "steady", result: domain.RawResult{Text: "{}"}}

	exec := NewExecutor([]Entry{entryFor(panics), entryFor(ok)}, false)
	outcomes := exec.ExecuteAll(context.Background(), "system", "user")

	require.Len(t, outcomes, 2)
	assert.Equal(t, "broken", outcomes[0].Provider)
	assert.Nil(t, outcomes[0].Result)
	require.Error(t, outcomes[0].Err)
	assert.ErrorIs(t, outcomes[0].Err, domain.ErrProviderError)
	assert.Contains(t, outcomes[0].Err.Error(), "nil map write")

	assert.NoError(t, outcomes[1].Err)
	require.NotNil(t, outcomes[1].Result)
}

func TestExecuteAll_SkipsDisabledAndDeepeningOnly(t *testing.T) {
	t.Parallel()
	active := &fakeAdapter{name: "active", result: domain.RawResult{Text: "{}"}}
	disabled := &fakeAdapter{name: "disabled"}
	deepener := &fakeAdapter{name: "deepener"}

	exec := NewExecutor([]Entry{
		entryFor(active),
		{Name: "disabled", Adapter: disabled, Enabled: false},
		{Name: "deepener", Adapter: deepener, Enabled: true, DeepeningOnly: true},
	}, false)
	outcomes := exec.ExecuteAll(context.Background(), "system", "user")

	require.Len(t, outcomes, 1)
	assert.Equal(t, "active", outcomes[0].Provider)
	assert.Equal(t, int32(1), active.calls.Load())
	assert.Equal(t, int32(0), disabled.calls.Load())
	assert.Equal(t, int32(0), deepener.calls.Load())
}

func TestExecuteAll_FastModeUsesOnlyDefault(t *testing.T) {
	t.Parallel()
	first := &fakeAdapter{name: "first", result: domain.RawResult{Text: "{}"}}
	def := &fakeAdapter{name: "default", result: domain.RawResult{Text: "{}"}}

	exec := NewExecutor([]Entry{
		entryFor(first),
		{Name: "default", Adapter: def, Enabled: true, Default: true},
	}, true)
	outcomes := exec.ExecuteAll(context.Background(), "system", "user")

	require.Len(t, outcomes, 1)
	assert.Equal(t, "default", outcomes[0].Provider)
	assert.Equal(t, int32(0), first.calls.Load())
	assert.Equal(t, int32(1), def.calls.Load())
}

func TestExecuteAll_FastModeWithoutDefaultFallsBackToFirst(t *testing.T) {
	t.Parallel()
	first := &fakeAdapter{name: "first", result: domain.RawResult{Text: "{}"}}
	second := &fakeAdapter{name: "second", result: domain.RawResult{Text: "{}"}}

	exec := NewExecutor([]Entry{entryFor(first), entryFor(second)}, true)
	outcomes := exec.ExecuteAll(context.Background(), "system", "user")

	require.Len(t, outcomes, 1)
	assert.Equal(t, "first", outcomes[0].Provider)
}

func TestExecuteAll_EmptyRegistry(t *testing.T) {
	t.Parallel()
	exec := NewExecutor(nil, false)
	outcomes := exec.ExecuteAll(context.Background(), "system", "user")
	assert.Empty(t, outcomes)
}

func TestForDeepening(t *testing.T) {
	t.Parallel()
	research := &fakeAdapter{name: "research"}
	def := &fakeAdapter{name: "default"}
	deepener := &fakeAdapter{name: "deepener"}

	entries := []Entry{
		entryFor(research),
		{Name: "default", Adapter: def, Enabled: true, Default: true},
		{Name: "deepener", Adapter: deepener, Enabled: true, DeepeningOnly: true},
		{Name: "off", Adapter: &fakeAdapter{name: "off"}, Enabled: false},
	}
	exec := NewExecutor(entries, false)

	tests := []struct {
		name     string
		provider string
		want     string
		wantErr  bool
	}{
		{name: "named_entry", provider: "research", want: "research"},
		{name: "deepening_only_entry_is_eligible", provider: "deepener", want: "deepener"},
		{name: "empty_name_resolves_default", provider: "", want: "default"},
		{name: "disabled_entry_rejected", provider: "off", wantErr: true},
		{name: "unknown_entry_rejected", provider: "nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			entry, err := exec.ForDeepening(tt.provider)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, entry.Name)
		})
	}
}

func TestForDeepening_NoDefaultFlagFallsBackToFirstEnabled(t *testing.T) {
	t.Parallel()
	exec := NewExecutor([]Entry{
		{Name: "only-deepening", Adapter: &fakeAdapter{name: "only-deepening"}, Enabled: true, DeepeningOnly: true},
		{Name: "general", Adapter: &fakeAdapter{name: "general"}, Enabled: true},
	}, false)

	entry, err := exec.ForDeepening("")
	require.NoError(t, err)
	assert.Equal(t, "general", entry.Name)
}

func TestForDeepening_NoProvidersConfigured(t *testing.T) {
	t.Parallel()
	exec := NewExecutor(nil, false)
	_, err := exec.ForDeepening("")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
