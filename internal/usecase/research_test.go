package usecase

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/ai"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/service/fanout"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/service/similarity"
)

const testProblem = "How can a mid-size city cut last-mile delivery emissions without raising costs?"

type pipelineFixture struct {
	sessions  *fakeSessions
	responses *fakeResponses
	ideas     *fakeIdeas
	embedder  *fakeEmbedder
	events    *fakeEvents
	svc       ResearchService
}

func newPipelineFixture(entries ...fanout.Entry) *pipelineFixture {
	f := &pipelineFixture{
		sessions:  newFakeSessions(),
		responses: &fakeResponses{},
		ideas:     &fakeIdeas{},
		embedder:  &fakeEmbedder{},
		events:    &fakeEvents{},
	}
	f.svc = NewResearchService(f.sessions, f.responses, f.ideas,
		fanout.NewExecutor(entries, false), ai.NewResponseParser(),
		f.embedder, similarity.NewEngine(0.80, 0.85), f.events)
	return f
}

func okAdapter(name, body string) *fakeAdapter {
	return &fakeAdapter{name: name, fn: func(context.Context, string, string) (domain.RawResult, error) {
		return domain.RawResult{
			Text:             body,
			Model:            name + "-large",
			PromptTokens:     100,
			CompletionTokens: 250,
			LatencyMs:        40,
		}, nil
	}}
}

func errAdapter(name string, err error) *fakeAdapter {
	return &fakeAdapter{name: name, fn: func(context.Context, string, string) (domain.RawResult, error) {
		return domain.RawResult{}, err
	}}
}

func entryFor(a *fakeAdapter) fanout.Entry {
	return fanout.Entry{Name: a.name, Adapter: a, Enabled: true}
}

func TestResearchRun_HappyPath(t *testing.T) {
	t.Parallel()
	alpha := okAdapter("alpha", researchJSON(
		ideaObject("Cargo bike micro-hubs", 0.9),
		ideaObject("Night-time consolidated drops", 0.8)))
	bravo := okAdapter("bravo", researchJSON(
		ideaObject("Parcel locker density grants", 0.7)))
	f := newPipelineFixture(entryFor(alpha), entryFor(bravo))

	var reported []int
	out, err := f.svc.Run(context.Background(), ResearchRequest{
		ProblemStatement: testProblem,
		Progress:         func(pct int) { reported = append(reported, pct) },
	})
	require.NoError(t, err)

	assert.Equal(t, "sess-1", out.SessionID)
	assert.Equal(t, domain.SessionCompleted, out.Status)
	assert.Equal(t, domain.DedupSummary{TotalIdeas: 3, UniqueIdeas: 3, Duplicates: 0, Clusters: 3}, out.Summary)
	assert.Len(t, out.UniqueIdeas, 3)

	require.Len(t, out.ProviderStatus, 2)
	assert.Equal(t, domain.ProviderStatus{Provider: "alpha", Success: true, Ideas: 2}, out.ProviderStatus[0])
	assert.Equal(t, domain.ProviderStatus{Provider: "bravo", Success: true, Ideas: 1}, out.ProviderStatus[1])

	// One success row per provider, carrying the raw result.
	require.Len(t, f.responses.successes, 2)
	assert.Equal(t, "alpha", f.responses.successes[0].Provider)
	assert.Equal(t, "alpha-large", f.responses.successes[0].Model)
	assert.Equal(t, 100, f.responses.successes[0].PromptTokens)
	assert.NotEmpty(t, f.responses.successes[0].RawText)

	// Ideas are saved per response row, tagged and embedded.
	require.Len(t, f.ideas.batches, 2)
	assert.Len(t, f.ideas.batches[0], 2)
	assert.Len(t, f.ideas.batches[1], 1)
	first := f.ideas.batches[0][0]
	assert.Equal(t, "sess-1", first.SessionID)
	assert.Equal(t, "resp-1", first.ProviderResponseID)
	assert.Equal(t, "alpha", first.Provider)
	assert.Equal(t, "Cargo bike micro-hubs", first.Title)
	assert.NotEmpty(t, first.Embedding)
	assert.False(t, first.IsDuplicate)
	assert.Equal(t, "resp-2", f.ideas.batches[1][0].ProviderResponseID)

	assert.Equal(t,
		[]domain.SessionStatus{domain.SessionProcessing, domain.SessionCompleted},
		f.sessions.statusLog["sess-1"])

	require.Len(t, f.events.published, 1)
	assert.Equal(t, domain.EventSessionCompleted, f.events.published[0].Type)
	assert.Equal(t, "sess-1", f.events.published[0].SessionID)

	require.NotEmpty(t, reported)
	assert.Equal(t, 100, reported[len(reported)-1])
	for i := 1; i < len(reported); i++ {
		assert.GreaterOrEqual(t, reported[i], reported[i-1], "progress never goes backwards")
	}
}

func TestResearchRun_EmbeddingTextShape(t *testing.T) {
	t.Parallel()
	alpha := okAdapter("alpha", researchJSON(ideaObject("Cargo bike micro-hubs", 0.9)))
	f := newPipelineFixture(entryFor(alpha))

	_, err := f.svc.Run(context.Background(), ResearchRequest{ProblemStatement: testProblem})
	require.NoError(t, err)

	require.Len(t, f.embedder.calls, 1, "all ideas embed in one batch call")
	require.Len(t, f.embedder.calls[0], 1)
	assert.Equal(t,
		"Cargo bike micro-hubs. A concrete, buildable approach that addresses the stated problem from a fresh angle. Tags: infra, tooling",
		f.embedder.calls[0][0])
}

func TestResearchRun_DedupAcrossProviders(t *testing.T) {
	t.Parallel()
	// Same idea from both providers; alpha's copy has higher confidence.
	alpha := okAdapter("alpha", researchJSON(ideaObject("Cargo bike micro-hubs", 0.9)))
	bravo := okAdapter("bravo", researchJSON(ideaObject("Cargo bike micro-hubs", 0.6)))
	f := newPipelineFixture(entryFor(alpha), entryFor(bravo))
	f.embedder.fn = func(texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range out {
			out[i] = []float32{1, 0, 0}
		}
		return out, nil
	}

	out, err := f.svc.Run(context.Background(), ResearchRequest{ProblemStatement: testProblem})
	require.NoError(t, err)

	assert.Equal(t, domain.DedupSummary{TotalIdeas: 2, UniqueIdeas: 1, Duplicates: 1, Clusters: 1}, out.Summary)
	require.Len(t, out.UniqueIdeas, 1)
	assert.Equal(t, 0.9, out.UniqueIdeas[0].ConfidenceScore, "higher confidence copy is the keeper")

	// The duplicate points at the keeper's stored id.
	require.Len(t, f.ideas.refs, 1)
	assert.Equal(t, "idea-2", f.ideas.refs[0].IdeaID)
	assert.Equal(t, "idea-1", f.ideas.refs[0].DuplicateOf)
	assert.InDelta(t, 1.0, f.ideas.refs[0].Similarity, 1e-6)

	keeper, dup := f.ideas.saved[0], f.ideas.saved[1]
	assert.False(t, keeper.IsDuplicate)
	assert.True(t, dup.IsDuplicate)
	assert.Equal(t, keeper.ClusterID, dup.ClusterID)
}

func TestResearchRun_PartialProviderFailure(t *testing.T) {
	t.Parallel()
	alpha := okAdapter("alpha", researchJSON(ideaObject("Cargo bike micro-hubs", 0.9)))
	bravo := errAdapter("bravo", fmt.Errorf("op=test: attempt deadline exceeded: %w", domain.ErrProviderTimeout))
	f := newPipelineFixture(entryFor(alpha), entryFor(bravo))

	out, err := f.svc.Run(context.Background(), ResearchRequest{ProblemStatement: testProblem})
	require.NoError(t, err, "one healthy provider is enough")

	assert.Equal(t, domain.SessionCompleted, out.Status)
	assert.Equal(t, 1, out.Summary.TotalIdeas)
	require.Len(t, out.ProviderStatus, 2)
	assert.True(t, out.ProviderStatus[0].Success)
	assert.False(t, out.ProviderStatus[1].Success)
	assert.Contains(t, out.ProviderStatus[1].Error, "deadline")

	require.Len(t, f.responses.failures, 1)
	assert.Equal(t, "bravo", f.responses.failures[0].Provider)
	assert.Contains(t, f.responses.failures[0].ErrorMessage, "deadline")
}

func TestResearchRun_ParseFailureKeepsRawText(t *testing.T) {
	t.Parallel()
	alpha := okAdapter("alpha", researchJSON(ideaObject("Cargo bike micro-hubs", 0.9)))
	bravo := okAdapter("bravo", `here are my thoughts, unstructured`)
	f := newPipelineFixture(entryFor(alpha), entryFor(bravo))

	out, err := f.svc.Run(context.Background(), ResearchRequest{ProblemStatement: testProblem})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, out.Status)

	require.Len(t, f.responses.failures, 1)
	row := f.responses.failures[0]
	assert.Equal(t, "bravo", row.Provider)
	assert.Equal(t, "bravo-large", row.Model)
	assert.Equal(t, `here are my thoughts, unstructured`, row.RawText, "rejected output is kept for auditing")
	assert.Contains(t, row.ErrorMessage, "rejected")
	assert.Equal(t, 250, row.CompletionTokens)
}

func TestResearchRun_AllProvidersFailed(t *testing.T) {
	t.Parallel()
	alpha := errAdapter("alpha", fmt.Errorf("op=test: 503: %w", domain.ErrProviderError))
	bravo := okAdapter("bravo", `{"ideas":[]}`) // schema rejects the empty list
	f := newPipelineFixture(entryFor(alpha), entryFor(bravo))

	_, err := f.svc.Run(context.Background(), ResearchRequest{ProblemStatement: testProblem})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAllProvidersFailed)

	assert.Equal(t, domain.SessionFailed, f.sessions.status("sess-1"))
	assert.Empty(t, f.ideas.saved, "no idea rows on total failure")
	assert.Empty(t, f.responses.successes)
	assert.Len(t, f.responses.failures, 2)

	require.Len(t, f.events.published, 1)
	assert.Equal(t, domain.EventSessionFailed, f.events.published[0].Type)
	assert.Contains(t, f.events.published[0].Detail, "every provider attempt failed")
}

func TestResearchRun_EmbedderFailureFailsSession(t *testing.T) {
	t.Parallel()
	alpha := okAdapter("alpha", researchJSON(ideaObject("Cargo bike micro-hubs", 0.9)))
	f := newPipelineFixture(entryFor(alpha))
	f.embedder.fn = func([]string) ([][]float32, error) {
		return nil, fmt.Errorf("op=test: upstream 500: %w", domain.ErrEmbeddingError)
	}

	_, err := f.svc.Run(context.Background(), ResearchRequest{ProblemStatement: testProblem})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbeddingError)

	assert.Equal(t, domain.SessionFailed, f.sessions.status("sess-1"))
	assert.Len(t, f.responses.successes, 1, "raw response row survives the embed failure")
	assert.Empty(t, f.ideas.saved)
}

func TestResearchRun_VectorCountMismatch(t *testing.T) {
	t.Parallel()
	alpha := okAdapter("alpha", researchJSON(
		ideaObject("Cargo bike micro-hubs", 0.9),
		ideaObject("Night-time consolidated drops", 0.8)))
	f := newPipelineFixture(entryFor(alpha))
	f.embedder.fn = func(texts []string) ([][]float32, error) {
		return basisVectors(len(texts))[:1], nil
	}

	_, err := f.svc.Run(context.Background(), ResearchRequest{ProblemStatement: testProblem})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbeddingError)
	assert.Equal(t, domain.SessionFailed, f.sessions.status("sess-1"))
}

func TestResearchRun_IdeaSaveErrorFailsSession(t *testing.T) {
	t.Parallel()
	alpha := okAdapter("alpha", researchJSON(ideaObject("Cargo bike micro-hubs", 0.9)))
	f := newPipelineFixture(entryFor(alpha))
	f.ideas.saveErr = fmt.Errorf("op=test: tx aborted: %w", domain.ErrDatabaseError)

	_, err := f.svc.Run(context.Background(), ResearchRequest{ProblemStatement: testProblem})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDatabaseError)
	assert.Equal(t, domain.SessionFailed, f.sessions.status("sess-1"))
}

func TestResearchRun_CompletedSessionReplays(t *testing.T) {
	t.Parallel()
	boom := &fakeAdapter{name: "alpha", fn: func(context.Context, string, string) (domain.RawResult, error) {
		return domain.RawResult{}, fmt.Errorf("must not be called")
	}}
	f := newPipelineFixture(entryFor(boom))

	f.sessions.put(domain.Session{ID: "sess-done", Status: domain.SessionCompleted, ProblemStatement: testProblem})
	f.ideas.saved = []domain.Idea{
		{ID: "idea-1", SessionID: "sess-done", ProviderResponseID: "resp-1", ClusterID: 0, ConfidenceScore: 0.9},
		{ID: "idea-2", SessionID: "sess-done", ProviderResponseID: "resp-1", ClusterID: 0, IsDuplicate: true},
		{ID: "idea-3", SessionID: "sess-done", ProviderResponseID: "resp-2", ClusterID: 1},
	}
	f.responses.listOut = []domain.ProviderResponse{
		{ID: "resp-1", SessionID: "sess-done", Provider: "alpha", Status: domain.ResponseSuccess},
		{ID: "resp-2", SessionID: "sess-done", Provider: "bravo", Status: domain.ResponseSuccess},
		{ID: "resp-3", SessionID: "sess-done", Provider: "charlie", Status: domain.ResponseFailed, ErrorMessage: "timeout"},
	}

	out, err := f.svc.Run(context.Background(), ResearchRequest{SessionID: "sess-done", ProblemStatement: testProblem})
	require.NoError(t, err)

	assert.Equal(t, 0, boom.callCount(), "no provider traffic on replay")
	assert.Equal(t, domain.SessionCompleted, out.Status)
	assert.Equal(t, domain.DedupSummary{TotalIdeas: 3, UniqueIdeas: 2, Duplicates: 1, Clusters: 2}, out.Summary)
	assert.Len(t, out.UniqueIdeas, 2)

	require.Len(t, out.ProviderStatus, 3)
	assert.Equal(t, domain.ProviderStatus{Provider: "alpha", Success: true, Ideas: 2}, out.ProviderStatus[0])
	assert.Equal(t, domain.ProviderStatus{Provider: "bravo", Success: true, Ideas: 1}, out.ProviderStatus[1])
	assert.Equal(t, domain.ProviderStatus{Provider: "charlie", Error: "timeout"}, out.ProviderStatus[2])

	assert.Empty(t, f.sessions.statusLog["sess-done"], "status untouched on replay")
	assert.Empty(t, f.events.published)
}

func TestResearchRun_FailedSessionReruns(t *testing.T) {
	t.Parallel()
	alpha := okAdapter("alpha", researchJSON(ideaObject("Cargo bike micro-hubs", 0.9)))
	f := newPipelineFixture(entryFor(alpha))

	f.sessions.put(domain.Session{ID: "sess-retry", Status: domain.SessionFailed, ProblemStatement: testProblem})
	// Leftover from the interrupted attempt; must be swept before re-run.
	f.responses.successes = []domain.ProviderResponse{
		{ID: "resp-stale", SessionID: "sess-retry", Provider: "alpha", Status: domain.ResponseSuccess},
	}

	out, err := f.svc.Run(context.Background(), ResearchRequest{SessionID: "sess-retry", ProblemStatement: testProblem})
	require.NoError(t, err)

	assert.Equal(t, []string{"sess-retry"}, f.responses.purged)
	assert.Equal(t, domain.SessionCompleted, out.Status)
	assert.Equal(t, "sess-retry", out.SessionID)
	assert.Equal(t,
		[]domain.SessionStatus{domain.SessionProcessing, domain.SessionCompleted},
		f.sessions.statusLog["sess-retry"])
	require.Len(t, f.responses.successes, 1)
	assert.NotEqual(t, "resp-stale", f.responses.successes[0].ID)
}

func TestResearchRun_UnknownSessionID(t *testing.T) {
	t.Parallel()
	alpha := okAdapter("alpha", researchJSON(ideaObject("Cargo bike micro-hubs", 0.9)))
	f := newPipelineFixture(entryFor(alpha))

	_, err := f.svc.Run(context.Background(), ResearchRequest{SessionID: "nope", ProblemStatement: testProblem})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, alpha.callCount())
}

func TestResearchRun_NilEventsPublisherIsFine(t *testing.T) {
	t.Parallel()
	alpha := okAdapter("alpha", researchJSON(ideaObject("Cargo bike micro-hubs", 0.9)))
	f := newPipelineFixture(entryFor(alpha))
	f.svc.Events = nil

	out, err := f.svc.Run(context.Background(), ResearchRequest{ProblemStatement: testProblem})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, out.Status)
}

func TestResearchRun_MetadataReachesSession(t *testing.T) {
	t.Parallel()
	alpha := okAdapter("alpha", researchJSON(ideaObject("Cargo bike micro-hubs", 0.9)))
	f := newPipelineFixture(entryFor(alpha))

	meta := map[string]any{"requestedBy": "cli", "sessionId": ""}
	_, err := f.svc.Run(context.Background(), ResearchRequest{ProblemStatement: testProblem, Metadata: meta})
	require.NoError(t, err)

	s, err := f.sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "cli", s.Metadata["requestedBy"])
}

