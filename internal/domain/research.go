package domain

// RawResult is what one provider attempt returns before parsing.
type RawResult struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	LatencyMs        int64
}

// ProviderAdapter is the uniform contract over one LLM backend. Call
// failures wrap ErrProviderTimeout when the per-attempt deadline fired,
// otherwise ErrProviderError (rate limiting, server, client and transport
// failures after retries).
type ProviderAdapter interface {
	Name() string
	Call(ctx Context, systemPrompt, userPrompt string) (RawResult, error)
}

// Embedder vectorises text arrays preserving 1-to-1 index correspondence.
type Embedder interface {
	Embed(ctx Context, texts []string) ([][]float32, error)
}

// AttemptOutcome is one fan-out result: exactly one of Result or Err is set.
type AttemptOutcome struct {
	Provider string
	Result   *RawResult
	Err      error
}

// IdeaDraft is a parsed, validated idea before persistence enrichment.
// Tags follow the model wire contract, which is snake_case.
type IdeaDraft struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Rationale       string   `json:"rationale"`
	Category        string   `json:"category"`
	ConfidenceScore float64  `json:"confidence_score"`
	NoveltyScore    float64  `json:"novelty_score"`
	Tags            []string `json:"tags"`
}

// ActionItem and Risk are sub-documents of the deepening envelope; json
// tags follow the wire contract, which is snake_case.
type ActionItem struct {
	Step            int    `json:"step"`
	Description     string `json:"description"`
	Priority        string `json:"priority"`
	EstimatedEffort string `json:"estimated_effort,omitempty"`
}

type Risk struct {
	Risk       string `json:"risk"`
	Severity   string `json:"severity"`
	Mitigation string `json:"mitigation,omitempty"`
}

// DeepeningContent is the typed deepening result document.
type DeepeningContent struct {
	IdeaTitle         string       `json:"idea_title"`
	DepthLevel        int          `json:"depth_level"`
	ExecutiveSummary  string       `json:"executive_summary"`
	KeyInsights       []string     `json:"key_insights"`
	DetailedAnalysis  string       `json:"detailed_analysis"`
	ActionItems       []ActionItem `json:"action_items"`
	Risks             []Risk       `json:"risks"`
	SuccessMetrics    []string     `json:"success_metrics"`
	ResourcesNeeded   []string     `json:"resources_needed"`
	EstimatedTimeline string       `json:"estimated_timeline"`
	ConfidenceScore   float64      `json:"confidence_score"`
}

// ProviderStatus is the per-provider telemetry entry returned to callers.
type ProviderStatus struct {
	Provider string `json:"provider"`
	Success  bool   `json:"success"`
	Ideas    int    `json:"ideas"`
	Error    string `json:"error,omitempty"`
}

// DedupSummary aggregates the similarity pipeline's outcome.
type DedupSummary struct {
	TotalIdeas  int `json:"totalIdeas"`
	UniqueIdeas int `json:"uniqueIdeas"`
	Duplicates  int `json:"duplicates"`
	Clusters    int `json:"clusters"`
}

// ResearchOutput is the completed pipeline's result for one session. It
// is also the job result document, so tags follow the API contract.
type ResearchOutput struct {
	SessionID      string           `json:"sessionId"`
	Status         SessionStatus    `json:"status"`
	Summary        DedupSummary     `json:"summary"`
	UniqueIdeas    []Idea           `json:"uniqueIdeas"`
	ProviderStatus []ProviderStatus `json:"providerStatus"`
}
