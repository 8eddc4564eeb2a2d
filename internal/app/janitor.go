package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// SessionJanitor fails sessions stranded in processing. A session stays
// processing only while a worker attempt is live; one older than the
// stale cutoff belongs to a worker that died without flipping it, since
// queue retries re-enqueue the job rather than resume the row.
type SessionJanitor struct {
	sessions   domain.SessionRepository
	events     domain.EventPublisher // optional
	staleAfter time.Duration
	interval   time.Duration
}

func NewSessionJanitor(sessions domain.SessionRepository, events domain.EventPublisher, staleAfter, interval time.Duration) *SessionJanitor {
	if sessions == nil {
		return nil
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &SessionJanitor{
		sessions:   sessions,
		events:     events,
		staleAfter: staleAfter,
		interval:   interval,
	}
}

// Run sweeps once immediately, then on every tick until the context ends.
func (j *SessionJanitor) Run(ctx context.Context) {
	if j == nil || j.sessions == nil {
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("session janitor stopping")
			return
		case <-ticker.C:
			j.sweepOnce(ctx)
		}
	}
}

func (j *SessionJanitor) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("sessions.janitor")
	ctx, span := tracer.Start(ctx, "SessionJanitor.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-j.staleAfter)
	const pageSize = 100
	span.SetAttributes(
		attribute.Int("sessions.page_size", pageSize),
		attribute.Float64("sessions.stale_after_seconds", j.staleAfter.Seconds()),
	)

	processing := domain.SessionProcessing
	totalChecked := 0
	totalFailed := 0

	for offset := 0; ; {
		sessions, _, err := j.sessions.List(ctx, domain.SessionFilter{
			Status: &processing,
			Limit:  pageSize,
			Offset: offset,
		})
		if err != nil {
			span.RecordError(err)
			slog.Error("session janitor list failed", slog.Any("error", err))
			return
		}
		totalChecked += len(sessions)
		if len(sessions) == 0 {
			break
		}

		flipped := 0
		for _, sess := range sessions {
			if !sess.UpdatedAt.Before(cutoff) {
				continue
			}
			if err := j.sessions.UpdateStatus(ctx, sess.ID, domain.SessionFailed); err != nil {
				slog.Error("session janitor status flip failed",
					slog.String("session_id", sess.ID), slog.Any("error", err))
				continue
			}
			flipped++
			totalFailed++
			slog.Warn("stale processing session marked failed",
				slog.String("session_id", sess.ID),
				slog.Time("last_update", sess.UpdatedAt))
			if j.events != nil {
				ev := domain.SessionEvent{
					Type:      domain.EventSessionFailed,
					SessionID: sess.ID,
					Detail:    "stale processing session swept by janitor",
					At:        time.Now().UTC(),
				}
				if err := j.events.Publish(ctx, ev); err != nil {
					slog.Warn("janitor event not published",
						slog.String("session_id", sess.ID), slog.Any("error", err))
				}
			}
		}

		if len(sessions) < pageSize {
			break
		}
		// Flipped rows leave the processing filter, shifting later rows
		// down; advance past the retained rows only.
		offset += len(sessions) - flipped
	}

	span.SetAttributes(
		attribute.Int("sessions.total_checked", totalChecked),
		attribute.Int("sessions.total_failed", totalFailed),
	)
}
