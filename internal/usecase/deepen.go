package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/ai"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/service/fanout"
)

// DeepeningService elaborates one persisted idea through a single
// provider call using one of three depth templates.
type DeepeningService struct {
	Sessions   domain.SessionRepository
	Ideas      domain.IdeaRepository
	Deepenings domain.DeepeningRepository
	Fanout     *fanout.Executor
	Parser     *ai.ResponseParser
}

func NewDeepeningService(
	sessions domain.SessionRepository,
	ideas domain.IdeaRepository,
	deepenings domain.DeepeningRepository,
	fan *fanout.Executor,
	parser *ai.ResponseParser,
) DeepeningService {
	return DeepeningService{
		Sessions:   sessions,
		Ideas:      ideas,
		Deepenings: deepenings,
		Fanout:     fan,
		Parser:     parser,
	}
}

// Deepen runs one deepening call for the idea. provider may be empty (the
// default registry entry is used) and depthLevel outside [1,3] falls back
// to 1. Failed attempts still leave a failed record behind for auditing.
func (s DeepeningService) Deepen(ctx domain.Context, sessionID, ideaID, provider string, depthLevel int) (domain.DeepeningRecord, error) {
	const op = "deepen.Deepen"

	session, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.DeepeningRecord{}, fmt.Errorf("op=%s session=%s: %w", op, sessionID, err)
	}
	idea, err := s.Ideas.Get(ctx, ideaID)
	if err != nil {
		return domain.DeepeningRecord{}, fmt.Errorf("op=%s idea=%s: %w", op, ideaID, err)
	}
	if idea.SessionID != session.ID {
		return domain.DeepeningRecord{}, fmt.Errorf("op=%s: idea %s belongs to session %s, not %s: %w",
			op, ideaID, idea.SessionID, sessionID, domain.ErrIdeaSessionMismatch)
	}
	entry, err := s.Fanout.ForDeepening(provider)
	if err != nil {
		return domain.DeepeningRecord{}, err
	}
	if depthLevel < 1 || depthLevel > 3 {
		depthLevel = 1
	}

	system, user := ai.BuildDeepeningPrompts(idea, session.ProblemStatement, depthLevel)
	rec := domain.DeepeningRecord{
		SessionID:  sessionID,
		IdeaID:     ideaID,
		Provider:   entry.Name,
		DepthLevel: depthLevel,
		PromptUsed: user,
	}

	raw, err := entry.Adapter.Call(ctx, system, user)
	if err != nil {
		rec.Status = domain.ResponseFailed
		s.saveRecord(ctx, rec)
		return domain.DeepeningRecord{}, fmt.Errorf("op=%s idea=%s provider=%s: %w", op, ideaID, entry.Name, err)
	}
	rec.PromptTokens = raw.PromptTokens
	rec.CompletionTokens = raw.CompletionTokens
	rec.LatencyMs = raw.LatencyMs

	content, err := s.Parser.ParseDeepening(raw.Text)
	if err != nil {
		rec.Status = domain.ResponseFailed
		s.saveRecord(ctx, rec)
		return domain.DeepeningRecord{}, fmt.Errorf("op=%s idea=%s provider=%s: %w", op, ideaID, entry.Name, err)
	}
	rec.Result = content
	rec.Status = domain.ResponseSuccess

	id, err := s.Deepenings.Save(ctx, rec)
	if err != nil {
		return domain.DeepeningRecord{}, fmt.Errorf("op=%s idea=%s: %w", op, ideaID, err)
	}
	rec.ID = id

	slog.Info("idea deepened",
		slog.String("session_id", sessionID),
		slog.String("idea_id", ideaID),
		slog.String("provider", entry.Name),
		slog.Int("depth_level", depthLevel),
		slog.Int64("latency_ms", raw.LatencyMs))
	return rec, nil
}

// saveRecord persists a failed attempt best-effort; auditing must not
// mask the call or parse error the caller is about to return.
func (s DeepeningService) saveRecord(ctx domain.Context, rec domain.DeepeningRecord) {
	if _, err := s.Deepenings.Save(ctx, rec); err != nil {
		slog.Error("deepening record not persisted",
			slog.String("session_id", rec.SessionID),
			slog.String("idea_id", rec.IdeaID),
			slog.Any("error", err))
	}
}
