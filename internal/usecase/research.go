// Package usecase contains the application services: research pipeline
// orchestration, idea deepening, intake/enqueue and session queries.
package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/ai"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/service/fanout"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/service/similarity"
)

// ResearchService runs the idea aggregation pipeline for one session:
// fan-out, validation, persistence of raw responses, embedding,
// clustering/dedup, idea persistence and the final status flip.
type ResearchService struct {
	Sessions  domain.SessionRepository
	Responses domain.ResponseRepository
	Ideas     domain.IdeaRepository
	Fanout    *fanout.Executor
	Parser    *ai.ResponseParser
	Embedder  domain.Embedder
	Engine    *similarity.Engine
	Events    domain.EventPublisher // optional
}

func NewResearchService(
	sessions domain.SessionRepository,
	responses domain.ResponseRepository,
	ideas domain.IdeaRepository,
	fan *fanout.Executor,
	parser *ai.ResponseParser,
	embedder domain.Embedder,
	engine *similarity.Engine,
	events domain.EventPublisher,
) ResearchService {
	return ResearchService{
		Sessions:  sessions,
		Responses: responses,
		Ideas:     ideas,
		Fanout:    fan,
		Parser:    parser,
		Embedder:  embedder,
		Engine:    engine,
		Events:    events,
	}
}

// ResearchRequest is one pipeline invocation. SessionID is set when the
// enqueuer pre-created the session; empty means the pipeline creates one.
// Progress, when non-nil, receives coarse percentage milestones.
type ResearchRequest struct {
	SessionID        string
	ProblemStatement string
	Metadata         map[string]any
	Progress         func(pct int)
}

// providerSuccess pairs a fulfilled provider call with its parsed drafts.
type providerSuccess struct {
	provider string
	result   domain.RawResult
	drafts   []domain.IdeaDraft
}

// flatIdea is one draft tagged with its origin. Its position in the
// flattened slice is the index every downstream stage keys on.
type flatIdea struct {
	draft      domain.IdeaDraft
	provider   string
	responseID string
}

// Run executes the pipeline. Sessions already completed replay their
// stored output so queue retries stay idempotent; failed sessions are
// re-run from scratch.
func (s ResearchService) Run(ctx domain.Context, req ResearchRequest) (domain.ResearchOutput, error) {
	const op = "research.Run"
	start := time.Now()
	report := req.Progress
	if report == nil {
		report = func(int) {}
	}

	session, replay, err := s.openSession(ctx, req)
	if err != nil {
		return domain.ResearchOutput{}, err
	}
	if replay != nil {
		return *replay, nil
	}
	report(10)

	slog.Info("research pipeline started",
		slog.String("session_id", session.ID),
		slog.Int("statement_len", len(session.ProblemStatement)))

	system, user := ai.BuildResearchPrompts(session.ProblemStatement)
	outcomes := s.Fanout.ExecuteAll(ctx, system, user)
	report(40)

	successes, statuses := s.settleOutcomes(ctx, session.ID, outcomes)
	if len(successes) == 0 {
		err := fmt.Errorf("op=%s session=%s: every provider attempt failed or was rejected: %w",
			op, session.ID, domain.ErrAllProvidersFailed)
		s.failSession(ctx, session.ID, err)
		return domain.ResearchOutput{}, err
	}

	flat, err := s.persistSuccessRows(ctx, session.ID, successes)
	if err != nil {
		s.failSession(ctx, session.ID, err)
		return domain.ResearchOutput{}, err
	}
	report(50)

	texts := make([]string, len(flat))
	confidences := make([]float64, len(flat))
	for i := range flat {
		texts[i] = embeddingText(flat[i].draft)
		confidences[i] = flat[i].draft.ConfidenceScore
	}
	vectors, err := s.Embedder.Embed(ctx, texts)
	if err != nil {
		err = fmt.Errorf("op=%s session=%s: %w", op, session.ID, err)
		s.failSession(ctx, session.ID, err)
		return domain.ResearchOutput{}, err
	}
	if len(vectors) != len(flat) {
		err = fmt.Errorf("op=%s session=%s: embedder returned %d vectors for %d ideas: %w",
			op, session.ID, len(vectors), len(flat), domain.ErrEmbeddingError)
		s.failSession(ctx, session.ID, err)
		return domain.ResearchOutput{}, err
	}
	report(65)

	analysis, err := s.Engine.Analyze(vectors, confidences)
	if err != nil {
		err = fmt.Errorf("op=%s session=%s: %w", op, session.ID, err)
		s.failSession(ctx, session.ID, err)
		return domain.ResearchOutput{}, err
	}
	report(75)

	idxToID, err := s.persistIdeas(ctx, session.ID, flat, vectors, analysis)
	if err != nil {
		s.failSession(ctx, session.ID, err)
		return domain.ResearchOutput{}, err
	}
	if err := s.patchDuplicateRefs(ctx, flat, analysis, idxToID); err != nil {
		s.failSession(ctx, session.ID, err)
		return domain.ResearchOutput{}, err
	}
	report(90)

	if err := s.Sessions.UpdateStatus(ctx, session.ID, domain.SessionCompleted); err != nil {
		err = fmt.Errorf("op=%s session=%s: %w", op, session.ID, err)
		s.failSession(ctx, session.ID, err)
		return domain.ResearchOutput{}, err
	}
	unique, err := s.Ideas.BySession(ctx, session.ID, true)
	if err != nil {
		return domain.ResearchOutput{}, fmt.Errorf("op=%s session=%s: %w", op, session.ID, err)
	}
	report(100)

	// Per-provider idea counts come from the parsed drafts.
	for i := range statuses {
		if !statuses[i].Success {
			continue
		}
		for j := range successes {
			if successes[j].provider == statuses[i].Provider {
				statuses[i].Ideas = len(successes[j].drafts)
			}
		}
	}

	observability.ObserveResearchOutcome(
		analysis.Summary.TotalIdeas, analysis.Summary.Duplicates, analysis.Summary.Clusters)
	observability.ObserveStage("pipeline", time.Since(start).Seconds())
	s.publish(ctx, domain.SessionEvent{
		Type:      domain.EventSessionCompleted,
		SessionID: session.ID,
	})
	slog.Info("research pipeline completed",
		slog.String("session_id", session.ID),
		slog.Int("total_ideas", analysis.Summary.TotalIdeas),
		slog.Int("unique_ideas", analysis.Summary.UniqueIdeas),
		slog.Int("clusters", analysis.Summary.Clusters),
		slog.Duration("duration", time.Since(start)))

	return domain.ResearchOutput{
		SessionID:      session.ID,
		Status:         domain.SessionCompleted,
		Summary:        analysis.Summary,
		UniqueIdeas:    unique,
		ProviderStatus: statuses,
	}, nil
}

// openSession creates or loads the session for this run. A completed
// session short-circuits into a replayed output.
func (s ResearchService) openSession(ctx domain.Context, req ResearchRequest) (domain.Session, *domain.ResearchOutput, error) {
	const op = "research.openSession"
	if req.SessionID == "" {
		session, err := s.Sessions.Create(ctx, req.ProblemStatement, req.Metadata)
		if err != nil {
			return domain.Session{}, nil, fmt.Errorf("op=%s: %w", op, err)
		}
		if err := s.Sessions.UpdateStatus(ctx, session.ID, domain.SessionProcessing); err != nil {
			return domain.Session{}, nil, fmt.Errorf("op=%s session=%s: %w", op, session.ID, err)
		}
		return session, nil, nil
	}

	session, err := s.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return domain.Session{}, nil, fmt.Errorf("op=%s session=%s: %w", op, req.SessionID, err)
	}
	switch session.Status {
	case domain.SessionCompleted:
		out, err := s.replayOutput(ctx, session.ID)
		if err != nil {
			return domain.Session{}, nil, err
		}
		slog.Info("session already completed, replaying stored output",
			slog.String("session_id", session.ID))
		return session, &out, nil
	case domain.SessionFailed:
		slog.Warn("re-running previously failed session", slog.String("session_id", session.ID))
	}
	// An interrupted run may have left success rows (and their ideas)
	// behind; drop them so this run's output is the only one. Failure
	// rows stay as attempt history.
	if err := s.Responses.PurgeSuccesses(ctx, session.ID); err != nil {
		return domain.Session{}, nil, fmt.Errorf("op=%s session=%s: %w", op, session.ID, err)
	}
	if err := s.Sessions.UpdateStatus(ctx, session.ID, domain.SessionProcessing); err != nil {
		return domain.Session{}, nil, fmt.Errorf("op=%s session=%s: %w", op, session.ID, err)
	}
	return session, nil, nil
}

// replayOutput reconstructs the pipeline result of a completed session
// from persisted rows.
func (s ResearchService) replayOutput(ctx domain.Context, sessionID string) (domain.ResearchOutput, error) {
	const op = "research.replayOutput"
	all, err := s.Ideas.BySession(ctx, sessionID, false)
	if err != nil {
		return domain.ResearchOutput{}, fmt.Errorf("op=%s session=%s: %w", op, sessionID, err)
	}
	unique, err := s.Ideas.BySession(ctx, sessionID, true)
	if err != nil {
		return domain.ResearchOutput{}, fmt.Errorf("op=%s session=%s: %w", op, sessionID, err)
	}
	responses, err := s.Responses.ListBySession(ctx, sessionID)
	if err != nil {
		return domain.ResearchOutput{}, fmt.Errorf("op=%s session=%s: %w", op, sessionID, err)
	}

	clusters := map[int]struct{}{}
	perResponse := map[string]int{}
	for _, idea := range all {
		clusters[idea.ClusterID] = struct{}{}
		perResponse[idea.ProviderResponseID]++
	}
	statuses := make([]domain.ProviderStatus, 0, len(responses))
	for _, r := range responses {
		st := domain.ProviderStatus{Provider: r.Provider, Success: r.Status == domain.ResponseSuccess}
		if st.Success {
			st.Ideas = perResponse[r.ID]
		} else {
			st.Error = r.ErrorMessage
		}
		statuses = append(statuses, st)
	}
	return domain.ResearchOutput{
		SessionID: sessionID,
		Status:    domain.SessionCompleted,
		Summary: domain.DedupSummary{
			TotalIdeas:  len(all),
			UniqueIdeas: len(unique),
			Duplicates:  len(all) - len(unique),
			Clusters:    len(clusters),
		},
		UniqueIdeas:    unique,
		ProviderStatus: statuses,
	}, nil
}

// settleOutcomes turns every fan-out outcome into either a parsed success
// or a persisted failure row. Adapter failures and schema rejections are
// non-fatal here; the caller decides what an empty success set means.
func (s ResearchService) settleOutcomes(ctx domain.Context, sessionID string, outcomes []domain.AttemptOutcome) ([]providerSuccess, []domain.ProviderStatus) {
	successes := make([]providerSuccess, 0, len(outcomes))
	statuses := make([]domain.ProviderStatus, 0, len(outcomes))

	for _, out := range outcomes {
		if out.Err != nil {
			s.saveFailureRow(ctx, domain.ProviderResponse{
				SessionID:    sessionID,
				Provider:     out.Provider,
				ErrorMessage: out.Err.Error(),
			})
			statuses = append(statuses, domain.ProviderStatus{Provider: out.Provider, Error: out.Err.Error()})
			continue
		}
		drafts, perr := s.Parser.ParseResearch(out.Result.Text)
		if perr != nil {
			// Rejected output keeps its raw text for auditing.
			s.saveFailureRow(ctx, domain.ProviderResponse{
				SessionID:        sessionID,
				Provider:         out.Provider,
				Model:            out.Result.Model,
				RawText:          out.Result.Text,
				ErrorMessage:     perr.Error(),
				PromptTokens:     out.Result.PromptTokens,
				CompletionTokens: out.Result.CompletionTokens,
				LatencyMs:        out.Result.LatencyMs,
			})
			statuses = append(statuses, domain.ProviderStatus{Provider: out.Provider, Error: perr.Error()})
			continue
		}
		successes = append(successes, providerSuccess{provider: out.Provider, result: *out.Result, drafts: drafts})
		statuses = append(statuses, domain.ProviderStatus{Provider: out.Provider, Success: true})
	}
	return successes, statuses
}

// saveFailureRow is best-effort; a lost failure row never aborts the run.
func (s ResearchService) saveFailureRow(ctx domain.Context, r domain.ProviderResponse) {
	if err := s.Responses.SaveFailure(ctx, r); err != nil {
		slog.Error("failure row not persisted",
			slog.String("session_id", r.SessionID),
			slog.String("provider", r.Provider),
			slog.Any("error", err))
	}
}

// persistSuccessRows writes one success response row per provider and
// flattens the drafts: successes in fan-out report order, drafts in wire
// order within each.
func (s ResearchService) persistSuccessRows(ctx domain.Context, sessionID string, successes []providerSuccess) ([]flatIdea, error) {
	const op = "research.persistSuccessRows"
	flat := make([]flatIdea, 0, len(successes)*5)
	for _, suc := range successes {
		id, err := s.Responses.SaveSuccess(ctx, domain.ProviderResponse{
			SessionID:        sessionID,
			Provider:         suc.provider,
			Model:            suc.result.Model,
			RawText:          suc.result.Text,
			PromptTokens:     suc.result.PromptTokens,
			CompletionTokens: suc.result.CompletionTokens,
			LatencyMs:        suc.result.LatencyMs,
		})
		if err != nil {
			return nil, fmt.Errorf("op=%s session=%s provider=%s: %w", op, sessionID, suc.provider, err)
		}
		for _, d := range suc.drafts {
			flat = append(flat, flatIdea{draft: d, provider: suc.provider, responseID: id})
		}
	}
	return flat, nil
}

// persistIdeas groups the enriched ideas per response row, saves each
// group in original order and returns flattened index → stored idea id.
func (s ResearchService) persistIdeas(ctx domain.Context, sessionID string, flat []flatIdea, vectors [][]float32, analysis similarity.Result) (map[int]string, error) {
	const op = "research.persistIdeas"

	perResponse := map[string][]int{}
	var responseOrder []string
	for k := range flat {
		rid := flat[k].responseID
		if _, seen := perResponse[rid]; !seen {
			responseOrder = append(responseOrder, rid)
		}
		perResponse[rid] = append(perResponse[rid], k)
	}

	idxToID := make(map[int]string, len(flat))
	for _, rid := range responseOrder {
		indices := perResponse[rid]
		batch := make([]domain.Idea, 0, len(indices))
		for _, k := range indices {
			d := flat[k].draft
			ann := analysis.Annotations[k]
			batch = append(batch, domain.Idea{
				SessionID:          sessionID,
				ProviderResponseID: rid,
				Provider:           flat[k].provider,
				Title:              d.Title,
				Description:        d.Description,
				Rationale:          d.Rationale,
				Category:           d.Category,
				ConfidenceScore:    d.ConfidenceScore,
				NoveltyScore:       d.NoveltyScore,
				Tags:               d.Tags,
				ClusterID:          ann.ClusterID,
				IsDuplicate:        ann.IsDuplicate,
				Embedding:          vectors[k],
			})
		}
		ids, err := s.Ideas.SaveIdeas(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("op=%s session=%s: %w", op, sessionID, err)
		}
		for j, k := range indices {
			idxToID[k] = ids[j]
		}
	}
	return idxToID, nil
}

// patchDuplicateRefs translates duplicate targets from flattened indices
// to stored ids and applies them in a second pass.
func (s ResearchService) patchDuplicateRefs(ctx domain.Context, flat []flatIdea, analysis similarity.Result, idxToID map[int]string) error {
	updates := make([]domain.DuplicateRef, 0)
	for k := range flat {
		ann := analysis.Annotations[k]
		if !ann.IsDuplicate {
			continue
		}
		updates = append(updates, domain.DuplicateRef{
			IdeaID:      idxToID[k],
			DuplicateOf: idxToID[ann.DuplicateOfIdx],
			Similarity:  ann.Similarity,
		})
	}
	if len(updates) == 0 {
		return nil
	}
	if err := s.Ideas.UpdateDuplicateRefs(ctx, updates); err != nil {
		return fmt.Errorf("op=research.patchDuplicateRefs: %w", err)
	}
	return nil
}

// failSession flips the session to failed and emits the event; both are
// best-effort so the primary error is never masked.
func (s ResearchService) failSession(ctx domain.Context, sessionID string, cause error) {
	if err := s.Sessions.UpdateStatus(ctx, sessionID, domain.SessionFailed); err != nil {
		slog.Error("session status flip to failed did not stick",
			slog.String("session_id", sessionID),
			slog.Any("error", err))
	}
	s.publish(ctx, domain.SessionEvent{
		Type:      domain.EventSessionFailed,
		SessionID: sessionID,
		Detail:    cause.Error(),
	})
}

func (s ResearchService) publish(ctx domain.Context, ev domain.SessionEvent) {
	if s.Events == nil {
		return
	}
	ev.At = time.Now().UTC()
	if err := s.Events.Publish(ctx, ev); err != nil {
		slog.Warn("session event not published",
			slog.String("type", ev.Type),
			slog.Any("error", err))
	}
}

// embeddingText is the canonical embedding input for one idea.
func embeddingText(d domain.IdeaDraft) string {
	return fmt.Sprintf("%s. %s Tags: %s", d.Title, d.Description, strings.Join(d.Tags, ", "))
}
