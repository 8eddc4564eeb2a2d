package httpserver_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/ai"
	httpserver "github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/config"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/service/fanout"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/usecase"
)

const (
	testSessionID = "3f0c9a3e-55d9-4e0a-9a3f-6f1f5f2b7a10"
	testIdeaID    = "7b1d2e4f-8a90-4c6b-b1d2-0e3f4a5b6c7d"
	testJobID     = "01ARZ3NDEKTSV4RRFFQ69G5FAV"

	testStatement = "How can a mid-size city cut last-mile delivery emissions without raising costs?"
)

type stubSessions struct {
	sessions   map[string]domain.Session
	deleted    []string
	lastFilter domain.SessionFilter
	listOut    []domain.Session
	listTotal  int
}

func newStubSessions() *stubSessions {
	return &stubSessions{sessions: map[string]domain.Session{}}
}

func (s *stubSessions) Create(_ domain.Context, problem string, meta map[string]any) (domain.Session, error) {
	sess := domain.Session{
		ID:               testSessionID,
		ProblemStatement: problem,
		Status:           domain.SessionPending,
		Metadata:         meta,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *stubSessions) UpdateStatus(_ domain.Context, id string, status domain.SessionStatus) error {
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	sess.Status = status
	s.sessions[id] = sess
	return nil
}

func (s *stubSessions) Get(_ domain.Context, id string) (domain.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, fmt.Errorf("op=sessions.Get: %w", domain.ErrNotFound)
	}
	return sess, nil
}

func (s *stubSessions) List(_ domain.Context, f domain.SessionFilter) ([]domain.Session, int, error) {
	s.lastFilter = f
	return s.listOut, s.listTotal, nil
}

func (s *stubSessions) SoftDelete(_ domain.Context, id string) error {
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("op=sessions.SoftDelete: %w", domain.ErrNotFound)
	}
	s.deleted = append(s.deleted, id)
	return nil
}

type stubResponses struct {
	latest *domain.ProviderResponse
}

func (s *stubResponses) SaveSuccess(_ domain.Context, _ domain.ProviderResponse) (string, error) {
	return "resp-1", nil
}
func (s *stubResponses) SaveFailure(_ domain.Context, _ domain.ProviderResponse) error { return nil }
func (s *stubResponses) PurgeSuccesses(_ domain.Context, _ string) error               { return nil }
func (s *stubResponses) Latest(_ domain.Context, _ string) (*domain.ProviderResponse, error) {
	return s.latest, nil
}
func (s *stubResponses) ListBySession(_ domain.Context, _ string) ([]domain.ProviderResponse, error) {
	return nil, nil
}

type stubIdeas struct {
	bySession      []domain.Idea
	byID           map[string]domain.Idea
	lastUniqueOnly bool
}

func (s *stubIdeas) SaveIdeas(_ domain.Context, ideas []domain.Idea) ([]string, error) {
	ids := make([]string, len(ideas))
	for i := range ideas {
		ids[i] = fmt.Sprintf("idea-%d", i+1)
	}
	return ids, nil
}
func (s *stubIdeas) UpdateDuplicateRefs(_ domain.Context, _ []domain.DuplicateRef) error { return nil }
func (s *stubIdeas) BySession(_ domain.Context, _ string, uniqueOnly bool) ([]domain.Idea, error) {
	s.lastUniqueOnly = uniqueOnly
	return s.bySession, nil
}
func (s *stubIdeas) Get(_ domain.Context, id string) (domain.Idea, error) {
	idea, ok := s.byID[id]
	if !ok {
		return domain.Idea{}, fmt.Errorf("op=ideas.Get: %w", domain.ErrNotFound)
	}
	return idea, nil
}

type stubDeepenings struct {
	saved []domain.DeepeningRecord
}

func (s *stubDeepenings) Save(_ domain.Context, rec domain.DeepeningRecord) (string, error) {
	s.saved = append(s.saved, rec)
	return "b5e7a9c1-2d4f-4b6a-8c0e-1f3a5b7d9e0f", nil
}

type stubQueue struct {
	enqueued   []domain.ResearchTaskPayload
	enqueueErr error
	jobs       map[string]domain.Job
}

func (q *stubQueue) EnqueueResearch(_ domain.Context, p domain.ResearchTaskPayload) (string, error) {
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	q.enqueued = append(q.enqueued, p)
	return testJobID, nil
}

func (q *stubQueue) Job(_ domain.Context, id string) (domain.Job, error) {
	job, ok := q.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=queue.Job: %w", domain.ErrNotFound)
	}
	return job, nil
}

type stubAdapter struct {
	name string
	out  domain.RawResult
	err  error
}

func (a stubAdapter) Name() string { return a.name }
func (a stubAdapter) Call(_ domain.Context, _, _ string) (domain.RawResult, error) {
	if a.err != nil {
		return domain.RawResult{}, a.err
	}
	return a.out, nil
}

type serverFixture struct {
	sessions   *stubSessions
	responses  *stubResponses
	ideas      *stubIdeas
	deepenings *stubDeepenings
	queue      *stubQueue
	srv        *httpserver.Server
}

func newServerFixture(t *testing.T, entries ...fanout.Entry) *serverFixture {
	t.Helper()
	f := &serverFixture{
		sessions:   newStubSessions(),
		responses:  &stubResponses{},
		ideas:      &stubIdeas{byID: map[string]domain.Idea{}},
		deepenings: &stubDeepenings{},
		queue:      &stubQueue{jobs: map[string]domain.Job{}},
	}
	cfg := config.Config{AppEnv: "test", Port: 8080, MaxBodyBytes: 51200}
	intake := usecase.NewIntakeService(f.sessions, f.queue)
	deepening := usecase.NewDeepeningService(f.sessions, f.ideas, f.deepenings, fanout.NewExecutor(entries, false), ai.NewResponseParser())
	queries := usecase.NewSessionQueryService(f.sessions, f.responses, f.ideas)
	f.srv = httpserver.NewServer(cfg, intake, deepening, queries, nil, nil)
	return f
}

// newRouter mounts the API routes the way the app router does, without
// auth or rate limiting, so handlers see real chi URL params.
func (f *serverFixture) newRouter() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/research", f.srv.SubmitResearchHandler())
	r.Post("/api/v1/research/async", f.srv.SubmitResearchAsyncHandler())
	r.Get("/api/v1/research/job/{jobId}", f.srv.JobStatusHandler())
	r.Get("/api/v1/research/{sessionId}", f.srv.ResearchStatusHandler())
	r.Post("/api/v1/research/{sessionId}/deepen/{ideaId}", f.srv.DeepenIdeaHandler())
	r.Get("/api/v1/sessions", f.srv.ListSessionsHandler())
	r.Get("/api/v1/sessions/{id}", f.srv.SessionDetailHandler())
	r.Get("/api/v1/sessions/{id}/ideas", f.srv.SessionIdeasHandler())
	r.Delete("/api/v1/sessions/{id}", f.srv.DeleteSessionHandler())
	r.Get("/health", f.srv.HealthHandler())
	r.Get("/readyz", f.srv.ReadyzHandler())
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, rd)
	r.Header.Set("Accept", "application/json")
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

// errorCode digs the code out of the standard error envelope.
func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	require.Contains(t, body, "error")
	e, ok := body["error"].(map[string]any)
	require.True(t, ok)
	code, _ := e["code"].(string)
	return code
}
