package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// IntakeService accepts research requests and hands them to the queue.
type IntakeService struct {
	Sessions domain.SessionRepository
	Queue    domain.Queue
}

func NewIntakeService(sessions domain.SessionRepository, queue domain.Queue) IntakeService {
	return IntakeService{Sessions: sessions, Queue: queue}
}

// Submit pre-creates a pending session so the caller can poll it right
// away, then enqueues the pipeline job pinned to that session.
func (s IntakeService) Submit(ctx domain.Context, problemStatement string, metadata map[string]any) (sessionID, jobID string, err error) {
	const op = "intake.Submit"

	session, err := s.Sessions.Create(ctx, problemStatement, metadata)
	if err != nil {
		return "", "", fmt.Errorf("op=%s: %w", op, err)
	}

	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["sessionId"] = session.ID

	jobID, err = s.Queue.EnqueueResearch(ctx, domain.ResearchTaskPayload{
		ProblemStatement: problemStatement,
		Metadata:         meta,
	})
	if err != nil {
		// Without a job the session would sit pending forever; flip it
		// so pollers see a terminal state. Best-effort.
		if uerr := s.Sessions.UpdateStatus(ctx, session.ID, domain.SessionFailed); uerr != nil {
			slog.Error("orphaned session not marked failed",
				slog.String("session_id", session.ID),
				slog.Any("error", uerr))
		}
		return "", "", fmt.Errorf("op=%s session=%s: %w", op, session.ID, err)
	}

	slog.Info("research accepted",
		slog.String("session_id", session.ID),
		slog.String("job_id", jobID))
	return session.ID, jobID, nil
}

// SubmitAsync enqueues without a pre-created session; the worker creates
// one when the job runs, so callers track progress by job id only.
func (s IntakeService) SubmitAsync(ctx domain.Context, problemStatement string, metadata map[string]any) (string, error) {
	const op = "intake.SubmitAsync"

	jobID, err := s.Queue.EnqueueResearch(ctx, domain.ResearchTaskPayload{
		ProblemStatement: problemStatement,
		Metadata:         metadata,
	})
	if err != nil {
		return "", fmt.Errorf("op=%s: %w", op, err)
	}
	slog.Info("research accepted without session", slog.String("job_id", jobID))
	return jobID, nil
}

// JobStatus returns the queue-side view of one job.
func (s IntakeService) JobStatus(ctx domain.Context, jobID string) (domain.Job, error) {
	return s.Queue.Job(ctx, jobID)
}
