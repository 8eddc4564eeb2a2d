package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). HTTP mapping lives in the httpserver adapter.
var (
	ErrValidation          = errors.New("validation failed")
	ErrAuth                = errors.New("authentication failed")
	ErrNotFound            = errors.New("not found")
	ErrIdeaSessionMismatch = errors.New("idea does not belong to session")
	ErrRateLimit           = errors.New("rate limited")
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderError       = errors.New("provider error")
	ErrParseError          = errors.New("provider output parse failed")
	ErrAllProvidersFailed  = errors.New("all providers failed")
	ErrEmbeddingError      = errors.New("embedding failed")
	ErrDatabaseError       = errors.New("database error")
	ErrInternal            = errors.New("internal error")
)

type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Session is the persistent record of one research invocation.
// Status transitions: pending -> processing -> {completed, failed}. A
// queue retry flips a failed session back to processing and re-runs it;
// completed is terminal.
type Session struct {
	ID               string         `json:"id"`
	ProblemStatement string         `json:"problemStatement"`
	Status           SessionStatus  `json:"status"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	DeletedAt        *time.Time     `json:"-"`
}

type ResponseStatus string

const (
	ResponseSuccess ResponseStatus = "success"
	ResponseFailed  ResponseStatus = "failed"
)

// ProviderResponse is one attempt row per session per provider. RawText is
// the body as returned, before parsing; it is kept even when parsing fails
// so the output can be audited.
type ProviderResponse struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"sessionId"`
	Provider         string         `json:"provider"`
	Model            string         `json:"model,omitempty"`
	Status           ResponseStatus `json:"status"`
	RawText          string         `json:"-"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
	PromptTokens     int            `json:"promptTokens"`
	CompletionTokens int            `json:"completionTokens"`
	LatencyMs        int64          `json:"latencyMs"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Idea categories (fixed set).
const (
	CategoryTechnical = "technical"
	CategoryBusiness  = "business"
	CategoryResearch  = "research"
	CategoryDesign    = "design"
	CategoryPolicy    = "policy"
	CategoryOther     = "other"
)

// Idea is one unit of model output with clustering and dedup annotations.
// Invariants: DuplicateOf, when set, points to an idea in the same session
// with IsDuplicate=false and confidence >= this idea's; a duplicate never
// points to another duplicate.
type Idea struct {
	ID                    string    `json:"id"`
	SessionID             string    `json:"sessionId"`
	ProviderResponseID    string    `json:"providerResponseId"`
	Provider              string    `json:"provider"`
	Title                 string    `json:"title"`
	Description           string    `json:"description"`
	Rationale             string    `json:"rationale"`
	Category              string    `json:"category"`
	ConfidenceScore       float64   `json:"confidenceScore"`
	NoveltyScore          float64   `json:"noveltyScore"`
	Tags                  []string  `json:"tags"`
	ClusterID             int       `json:"clusterId"`
	IsDuplicate           bool      `json:"isDuplicate"`
	DuplicateOf           *string   `json:"duplicateOf,omitempty"`
	SimilarityToDuplicate *float64  `json:"similarityToDuplicate,omitempty"`
	Embedding             []float32 `json:"-"`
	CreatedAt             time.Time `json:"createdAt"`
}

// DeepeningRecord is a single-provider elaboration of one persisted idea.
// The Result document keeps the model wire contract's snake_case keys.
type DeepeningRecord struct {
	ID               string           `json:"id"`
	SessionID        string           `json:"sessionId"`
	IdeaID           string           `json:"ideaId"`
	Provider         string           `json:"provider"`
	DepthLevel       int              `json:"depthLevel"`
	PromptUsed       string           `json:"-"`
	Result           DeepeningContent `json:"result"`
	PromptTokens     int              `json:"promptTokens"`
	CompletionTokens int              `json:"completionTokens"`
	LatencyMs        int64            `json:"latencyMs"`
	Status           ResponseStatus   `json:"status"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// Repositories (ports)

// SessionFilter narrows List. Limit is clamped to [1,100] by the caller.
type SessionFilter struct {
	Status *SessionStatus
	Limit  int
	Offset int
}

type SessionRepository interface {
	Create(ctx Context, problem string, meta map[string]any) (Session, error)
	UpdateStatus(ctx Context, id string, status SessionStatus) error
	Get(ctx Context, id string) (Session, error)
	List(ctx Context, f SessionFilter) ([]Session, int, error)
	SoftDelete(ctx Context, id string) error
}

type ResponseRepository interface {
	SaveSuccess(ctx Context, r ProviderResponse) (string, error)
	// SaveFailure records a failed attempt. Callers treat errors as
	// non-fatal: a lost failure row must not abort the pipeline.
	SaveFailure(ctx Context, r ProviderResponse) error
	// PurgeSuccesses removes a session's successful attempt rows and,
	// through the ownership cascade, their ideas. Failure rows remain.
	PurgeSuccesses(ctx Context, sessionID string) error
	// Latest returns nil without error when the session has no responses.
	Latest(ctx Context, sessionID string) (*ProviderResponse, error)
	ListBySession(ctx Context, sessionID string) ([]ProviderResponse, error)
}

// DuplicateRef resolves a duplicate's keeper to a stored idea id; applied
// in a second transaction after the initial bulk insert.
type DuplicateRef struct {
	IdeaID      string
	DuplicateOf string
	Similarity  float64
}

type IdeaRepository interface {
	// SaveIdeas inserts in input order within one transaction and returns
	// the inserted ids in that order.
	SaveIdeas(ctx Context, ideas []Idea) ([]string, error)
	UpdateDuplicateRefs(ctx Context, updates []DuplicateRef) error
	BySession(ctx Context, sessionID string, uniqueOnly bool) ([]Idea, error)
	Get(ctx Context, id string) (Idea, error)
}

type DeepeningRepository interface {
	Save(ctx Context, rec DeepeningRecord) (string, error)
}

// Context is an alias so domain signatures stay decoupled from the stdlib
// package name; adapters and usecases pass context.Context through.
type Context = context.Context
