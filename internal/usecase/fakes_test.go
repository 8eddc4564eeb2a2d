package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// In-memory repository fakes with error injection. IDs are sequential and
// predictable ("sess-1", "resp-2", ...) so tests can assert relationships.

type fakeSessions struct {
	mu         sync.Mutex
	seq        int
	sessions   map[string]domain.Session
	statusLog  map[string][]domain.SessionStatus
	deleted    []string
	lastFilter domain.SessionFilter

	createErr error
	updateErr error
	getErr    error
	listErr   error
	deleteErr error
	listOut   []domain.Session
	listTotal int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions:  map[string]domain.Session{},
		statusLog: map[string][]domain.SessionStatus{},
	}
}

func (f *fakeSessions) Create(_ context.Context, problem string, meta map[string]any) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return domain.Session{}, f.createErr
	}
	f.seq++
	s := domain.Session{
		ID:               fmt.Sprintf("sess-%d", f.seq),
		ProblemStatement: problem,
		Status:           domain.SessionPending,
		Metadata:         meta,
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeSessions) UpdateStatus(_ context.Context, id string, status domain.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return fmt.Errorf("op=fakeSessions.UpdateStatus: %w", domain.ErrNotFound)
	}
	s.Status = status
	f.sessions[id] = s
	f.statusLog[id] = append(f.statusLog[id], status)
	return nil
}

func (f *fakeSessions) Get(_ context.Context, id string) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.Session{}, f.getErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return domain.Session{}, fmt.Errorf("op=fakeSessions.Get: %w", domain.ErrNotFound)
	}
	return s, nil
}

func (f *fakeSessions) List(_ context.Context, fl domain.SessionFilter) ([]domain.Session, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = fl
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	return f.listOut, f.listTotal, nil
}

func (f *fakeSessions) SoftDelete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.sessions[id]; !ok {
		return fmt.Errorf("op=fakeSessions.SoftDelete: %w", domain.ErrNotFound)
	}
	f.deleted = append(f.deleted, id)
	return nil
}

// put seeds a session directly, bypassing Create's id assignment.
func (f *fakeSessions) put(s domain.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
}

func (f *fakeSessions) status(id string) domain.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id].Status
}

type fakeResponses struct {
	mu        sync.Mutex
	seq       int
	successes []domain.ProviderResponse
	failures  []domain.ProviderResponse
	purged    []string

	saveSuccessErr error
	saveFailureErr error
	purgeErr       error
	latestOut      *domain.ProviderResponse
	latestErr      error
	listOut        []domain.ProviderResponse
	listErr        error
}

func (f *fakeResponses) SaveSuccess(_ context.Context, r domain.ProviderResponse) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveSuccessErr != nil {
		return "", f.saveSuccessErr
	}
	f.seq++
	r.ID = fmt.Sprintf("resp-%d", f.seq)
	r.Status = domain.ResponseSuccess
	f.successes = append(f.successes, r)
	return r.ID, nil
}

func (f *fakeResponses) SaveFailure(_ context.Context, r domain.ProviderResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveFailureErr != nil {
		return f.saveFailureErr
	}
	f.seq++
	r.ID = fmt.Sprintf("resp-%d", f.seq)
	r.Status = domain.ResponseFailed
	f.failures = append(f.failures, r)
	return nil
}

func (f *fakeResponses) PurgeSuccesses(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purgeErr != nil {
		return f.purgeErr
	}
	f.purged = append(f.purged, sessionID)
	kept := f.successes[:0]
	for _, r := range f.successes {
		if r.SessionID != sessionID {
			kept = append(kept, r)
		}
	}
	f.successes = kept
	return nil
}

func (f *fakeResponses) Latest(_ context.Context, _ string) (*domain.ProviderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestOut, f.latestErr
}

func (f *fakeResponses) ListBySession(_ context.Context, sessionID string) ([]domain.ProviderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.listOut != nil {
		return f.listOut, nil
	}
	var out []domain.ProviderResponse
	for _, r := range append(append([]domain.ProviderResponse{}, f.successes...), f.failures...) {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeIdeas struct {
	mu      sync.Mutex
	seq     int
	batches [][]domain.Idea
	saved   []domain.Idea
	refs    []domain.DuplicateRef

	saveErr     error
	refsErr     error
	bySessionFn func(sessionID string, uniqueOnly bool) ([]domain.Idea, error)
	getOut      map[string]domain.Idea
	getErr      error
}

func (f *fakeIdeas) SaveIdeas(_ context.Context, ideas []domain.Idea) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	ids := make([]string, len(ideas))
	batch := make([]domain.Idea, len(ideas))
	for i, idea := range ideas {
		f.seq++
		idea.ID = fmt.Sprintf("idea-%d", f.seq)
		ids[i] = idea.ID
		batch[i] = idea
		f.saved = append(f.saved, idea)
	}
	f.batches = append(f.batches, batch)
	return ids, nil
}

func (f *fakeIdeas) UpdateDuplicateRefs(_ context.Context, updates []domain.DuplicateRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refsErr != nil {
		return f.refsErr
	}
	f.refs = append(f.refs, updates...)
	for _, u := range updates {
		for i := range f.saved {
			if f.saved[i].ID == u.IdeaID {
				dup, sim := u.DuplicateOf, u.Similarity
				f.saved[i].DuplicateOf = &dup
				f.saved[i].SimilarityToDuplicate = &sim
			}
		}
	}
	return nil
}

func (f *fakeIdeas) BySession(_ context.Context, sessionID string, uniqueOnly bool) ([]domain.Idea, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bySessionFn != nil {
		return f.bySessionFn(sessionID, uniqueOnly)
	}
	var out []domain.Idea
	for _, idea := range f.saved {
		if idea.SessionID != sessionID {
			continue
		}
		if uniqueOnly && idea.IsDuplicate {
			continue
		}
		out = append(out, idea)
	}
	return out, nil
}

func (f *fakeIdeas) Get(_ context.Context, id string) (domain.Idea, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.Idea{}, f.getErr
	}
	if idea, ok := f.getOut[id]; ok {
		return idea, nil
	}
	for _, idea := range f.saved {
		if idea.ID == id {
			return idea, nil
		}
	}
	return domain.Idea{}, fmt.Errorf("op=fakeIdeas.Get: %w", domain.ErrNotFound)
}

type fakeDeepenings struct {
	mu      sync.Mutex
	records []domain.DeepeningRecord
	saveErr error
}

func (f *fakeDeepenings) Save(_ context.Context, rec domain.DeepeningRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return "", f.saveErr
	}
	rec.ID = fmt.Sprintf("deep-%d", len(f.records)+1)
	f.records = append(f.records, rec)
	return rec.ID, nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	fn    func(texts []string) ([][]float32, error)
	calls [][]string
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, texts)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(texts)
	}
	return basisVectors(len(texts)), nil
}

// basisVectors returns n mutually orthogonal unit vectors so every idea
// lands in its own cluster with no duplicates.
func basisVectors(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, n)
		v[i] = 1
		out[i] = v
	}
	return out
}

type fakeQueue struct {
	mu         sync.Mutex
	seq        int
	enqueued   []domain.ResearchTaskPayload
	enqueueErr error
	jobs       map[string]domain.Job
	jobErr     error
}

func (f *fakeQueue) EnqueueResearch(_ context.Context, payload domain.ResearchTaskPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.seq++
	f.enqueued = append(f.enqueued, payload)
	return fmt.Sprintf("job-%d", f.seq), nil
}

func (f *fakeQueue) Job(_ context.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobErr != nil {
		return domain.Job{}, f.jobErr
	}
	job, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=fakeQueue.Job: %w", domain.ErrNotFound)
	}
	return job, nil
}

type fakeEvents struct {
	mu        sync.Mutex
	published []domain.SessionEvent
	err       error
}

func (f *fakeEvents) Publish(_ context.Context, ev domain.SessionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, ev)
	return nil
}

// fakeAdapter is a scriptable provider for fan-out entries.
type fakeAdapter struct {
	name string
	fn   func(ctx context.Context, system, user string) (domain.RawResult, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Call(ctx context.Context, system, user string) (domain.RawResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, system, user)
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Wire fixtures that satisfy the research and deepening schemas.

func ideaObject(title string, confidence float64) string {
	description := "A concrete, buildable approach that addresses the stated problem from a fresh angle."
	rationale := "Directly reduces the main bottleneck named in the statement."
	return fmt.Sprintf(`{"title":%q,"description":%q,"rationale":%q,"category":"technical","confidence_score":%g,"novelty_score":0.5,"tags":["infra","tooling"]}`,
		title, description, rationale, confidence)
}

func researchJSON(ideaObjects ...string) string {
	return `{"ideas":[` + strings.Join(ideaObjects, ",") + `]}`
}

const deepeningJSON = `{"deepening":{
  "idea_title": "Edge cache warmup",
  "depth_level": 2,
  "executive_summary": "Warm caches ahead of traffic spikes.",
  "key_insights": ["spikes are predictable", "cold starts dominate p99"],
  "detailed_analysis": "Pre-populating edge caches from the previous day's access logs removes the cold-start penalty that currently dominates tail latency during the morning ramp, at the cost of a bounded nightly batch job.",
  "action_items": [{"step": 1, "description": "replay yesterday's top keys", "priority": "high"}],
  "risks": [{"risk": "stale entries", "severity": "medium", "mitigation": "short TTL"}],
  "success_metrics": ["p99 below 200ms"],
  "resources_needed": ["log pipeline access"],
  "estimated_timeline": "two sprints",
  "confidence_score": 0.7
}}`
