package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/config"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/usecase"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Intake     usecase.IntakeService
	Deepening  usecase.DeepeningService
	Queries    usecase.SessionQueryService
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	startedAt  time.Time
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, intake usecase.IntakeService, deepening usecase.DeepeningService, queries usecase.SessionQueryService, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:        cfg,
		Intake:     intake,
		Deepening:  deepening,
		Queries:    queries,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
		startedAt:  time.Now(),
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func jobPollURL(jobID string) string {
	return "/api/v1/research/job/" + jobID
}

// negotiateJSON rejects requests that explicitly refuse JSON responses.
func (s *Server) negotiateJSON(w http.ResponseWriter, r *http.Request) bool {
	if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
		writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Success: false, Error: apiError{
			Code:    "VALIDATION",
			Message: "not acceptable",
			Details: map[string]any{"accept": a},
		}})
		return false
	}
	return true
}

// decodeJSON reads a capped JSON body into dst. An empty body leaves dst
// untouched so endpoints whose fields are all optional accept bare POSTs.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return true
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Success: false, Error: apiError{
				Code:    "VALIDATION",
				Message: "request body too large",
				Details: map[string]any{"maxBytes": s.Cfg.MaxBodyBytes},
			}})
			return false
		}
		s.writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrValidation), nil)
		return false
	}
}

type researchRequest struct {
	ProblemStatement string         `json:"problemStatement"`
	Metadata         map[string]any `json:"metadata"`
}

// SubmitResearchHandler pre-creates a pending session and enqueues the
// research job for it.
func (s *Server) SubmitResearchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.negotiateJSON(w, r) {
			return
		}
		var req researchRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		clean, verr := validateProblemStatement(req.ProblemStatement)
		if verr != nil {
			s.writeError(w, r, fmt.Errorf("%w: %s", domain.ErrValidation, verr.Message), []ValidationError{*verr})
			return
		}
		sessionID, jobID, err := s.Intake.Submit(r.Context(), clean, req.Metadata)
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"sessionId": sessionID,
			"jobId":     jobID,
			"pollUrl":   jobPollURL(jobID),
		})
	}
}

// SubmitResearchAsyncHandler enqueues a research job without a
// pre-created session; the worker creates one when the job runs.
func (s *Server) SubmitResearchAsyncHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.negotiateJSON(w, r) {
			return
		}
		var req researchRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		clean, verr := validateProblemStatement(req.ProblemStatement)
		if verr != nil {
			s.writeError(w, r, fmt.Errorf("%w: %s", domain.ErrValidation, verr.Message), []ValidationError{*verr})
			return
		}
		jobID, err := s.Intake.SubmitAsync(r.Context(), clean, req.Metadata)
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"jobId":   jobID,
			"pollUrl": jobPollURL(jobID),
		})
	}
}

// ResearchStatusHandler reports a session and its most recent provider
// attempt; clients poll it while the job runs.
func (s *Server) ResearchStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionId")
		if verr := validateUUID("sessionId", id); verr != nil {
			s.writeError(w, r, fmt.Errorf("%w: %s", domain.ErrValidation, verr.Message), []ValidationError{*verr})
			return
		}
		session, latest, err := s.Queries.Detail(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		body := map[string]any{"session": session}
		if latest != nil {
			body["latestLlmResponse"] = latest
		}
		writeJSON(w, http.StatusOK, body)
	}
}

type jobView struct {
	JobID        string          `json:"jobId"`
	State        string          `json:"state"`
	Progress     int             `json:"progress"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	FailedReason string          `json:"failedReason,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedOn  *time.Time      `json:"processedOn,omitempty"`
	FinishedOn   *time.Time      `json:"finishedOn,omitempty"`
}

// JobStatusHandler exposes queue state, progress and (on completion) the
// research output document for one job.
func (s *Server) JobStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobId")
		if verr := validateJobID(id); verr != nil {
			s.writeError(w, r, fmt.Errorf("%w: %s", domain.ErrValidation, verr.Message), []ValidationError{*verr})
			return
		}
		job, err := s.Intake.JobStatus(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		view := jobView{
			JobID:        job.ID,
			State:        string(job.State),
			Progress:     job.Progress,
			AttemptsMade: job.AttemptsMade,
			MaxAttempts:  job.MaxAttempts,
			FailedReason: job.FailedReason,
			CreatedAt:    job.CreatedAt,
			ProcessedOn:  job.ProcessedOn,
			FinishedOn:   job.FinishedOn,
		}
		if job.Result != "" {
			view.Result = json.RawMessage(job.Result)
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type deepenRequest struct {
	Provider   string `json:"provider" validate:"omitempty,max=100"`
	DepthLevel int    `json:"depthLevel" validate:"omitempty,min=1,max=3"`
}

// DeepenIdeaHandler runs a single-provider elaboration of one stored
// idea. Both body fields are optional: the default deepening provider
// and depth level 1 apply when absent.
func (s *Server) DeepenIdeaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.negotiateJSON(w, r) {
			return
		}
		sessionID := chi.URLParam(r, "sessionId")
		if verr := validateUUID("sessionId", sessionID); verr != nil {
			s.writeError(w, r, fmt.Errorf("%w: %s", domain.ErrValidation, verr.Message), []ValidationError{*verr})
			return
		}
		ideaID := chi.URLParam(r, "ideaId")
		if verr := validateUUID("ideaId", ideaID); verr != nil {
			s.writeError(w, r, fmt.Errorf("%w: %s", domain.ErrValidation, verr.Message), []ValidationError{*verr})
			return
		}
		var req deepenRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			var ve validator.ValidationErrors
			if errors.As(err, &ve) {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			s.writeError(w, r, fmt.Errorf("%w: invalid deepen request", domain.ErrValidation), verrs)
			return
		}
		rec, err := s.Deepening.Deepen(r.Context(), sessionID, ideaID, req.Provider, req.DepthLevel)
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// ListSessionsHandler pages through stored sessions, optionally filtered
// by status.
func (s *Server) ListSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f, verrs := parseSessionFilter(q.Get("limit"), q.Get("offset"), q.Get("status"))
		if len(verrs) > 0 {
			s.writeError(w, r, fmt.Errorf("%w: invalid query parameters", domain.ErrValidation), verrs)
			return
		}
		sessions, total, err := s.Queries.List(r.Context(), f)
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		if sessions == nil {
			sessions = []domain.Session{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions":   sessions,
			"pagination": map[string]int{"total": total, "limit": f.Limit, "offset": f.Offset},
		})
	}
}

// SessionDetailHandler returns one session with its unique ideas.
func (s *Server) SessionDetailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if verr := validateUUID("id", id); verr != nil {
			s.writeError(w, r, fmt.Errorf("%w: %s", domain.ErrValidation, verr.Message), []ValidationError{*verr})
			return
		}
		session, ideas, err := s.Queries.Overview(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		if ideas == nil {
			ideas = []domain.Idea{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": session, "uniqueIdeas": ideas})
	}
}

// SessionIdeasHandler lists a session's ideas; ?unique=true narrows to
// cluster keepers.
func (s *Server) SessionIdeasHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if verr := validateUUID("id", id); verr != nil {
			s.writeError(w, r, fmt.Errorf("%w: %s", domain.ErrValidation, verr.Message), []ValidationError{*verr})
			return
		}
		uniqueOnly, _ := strconv.ParseBool(r.URL.Query().Get("unique"))
		ideas, err := s.Queries.IdeasOf(r.Context(), id, uniqueOnly)
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		if ideas == nil {
			ideas = []domain.Idea{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ideas": ideas, "count": len(ideas)})
	}
}

// DeleteSessionHandler soft-deletes a session; its rows stay readable by
// direct id lookups but drop out of listings.
func (s *Server) DeleteSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if verr := validateUUID("id", id); verr != nil {
			s.writeError(w, r, fmt.Errorf("%w: %s", domain.ErrValidation, verr.Message), []ValidationError{*verr})
			return
		}
		if err := s.Queries.Delete(r.Context(), id); err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "session deleted"})
	}
}

// HealthHandler is the unauthenticated liveness probe.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   Version,
			"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		})
	}
}

// ReadyzHandler probes the backing stores and reports per-check status.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
