package usecase

import (
	"fmt"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// SessionQueryService serves the read side of the API: session detail,
// listings, idea retrieval and soft deletion.
type SessionQueryService struct {
	Sessions  domain.SessionRepository
	Responses domain.ResponseRepository
	Ideas     domain.IdeaRepository
}

func NewSessionQueryService(
	sessions domain.SessionRepository,
	responses domain.ResponseRepository,
	ideas domain.IdeaRepository,
) SessionQueryService {
	return SessionQueryService{Sessions: sessions, Responses: responses, Ideas: ideas}
}

// Detail returns the session plus its most recent provider response, nil
// when no provider has reported yet.
func (s SessionQueryService) Detail(ctx domain.Context, id string) (domain.Session, *domain.ProviderResponse, error) {
	const op = "sessions.Detail"
	session, err := s.Sessions.Get(ctx, id)
	if err != nil {
		return domain.Session{}, nil, fmt.Errorf("op=%s session=%s: %w", op, id, err)
	}
	latest, err := s.Responses.Latest(ctx, id)
	if err != nil {
		return domain.Session{}, nil, fmt.Errorf("op=%s session=%s: %w", op, id, err)
	}
	return session, latest, nil
}

// Overview returns the session plus its unique (non-duplicate) ideas.
func (s SessionQueryService) Overview(ctx domain.Context, id string) (domain.Session, []domain.Idea, error) {
	const op = "sessions.Overview"
	session, err := s.Sessions.Get(ctx, id)
	if err != nil {
		return domain.Session{}, nil, fmt.Errorf("op=%s session=%s: %w", op, id, err)
	}
	ideas, err := s.Ideas.BySession(ctx, id, true)
	if err != nil {
		return domain.Session{}, nil, fmt.Errorf("op=%s session=%s: %w", op, id, err)
	}
	return session, ideas, nil
}

// List pages non-deleted sessions. The filter is normalized here so every
// transport gets the same bounds: limit in [1,100] defaulting to 20,
// offset at least 0.
func (s SessionQueryService) List(ctx domain.Context, f domain.SessionFilter) ([]domain.Session, int, error) {
	if f.Limit < 1 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	sessions, total, err := s.Sessions.List(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("op=sessions.List: %w", err)
	}
	return sessions, total, nil
}

// IdeasOf returns a session's ideas, optionally only the keepers. The
// session is loaded first so an unknown id reports not-found rather than
// an empty list.
func (s SessionQueryService) IdeasOf(ctx domain.Context, id string, uniqueOnly bool) ([]domain.Idea, error) {
	const op = "sessions.IdeasOf"
	if _, err := s.Sessions.Get(ctx, id); err != nil {
		return nil, fmt.Errorf("op=%s session=%s: %w", op, id, err)
	}
	ideas, err := s.Ideas.BySession(ctx, id, uniqueOnly)
	if err != nil {
		return nil, fmt.Errorf("op=%s session=%s: %w", op, id, err)
	}
	return ideas, nil
}

// Delete soft-deletes a session: hidden from listings, subtree intact.
func (s SessionQueryService) Delete(ctx domain.Context, id string) error {
	if err := s.Sessions.SoftDelete(ctx, id); err != nil {
		return fmt.Errorf("op=sessions.Delete session=%s: %w", id, err)
	}
	return nil
}
