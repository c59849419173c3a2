package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wcastil/AIStreamSocket/internal/domain"
	"github.com/wcastil/AIStreamSocket/internal/observability"
)

// ThreadService maps sessions to external conversation threads. Get-or-create
// runs under singleflight so concurrent requests for one session never race
// to create two threads.
type ThreadService struct {
	Threads   domain.ThreadRepository
	Assistant domain.AssistantClient
	MaxAge    time.Duration

	group singleflight.Group
}

// NewThreadService constructs a ThreadService with its dependencies.
func NewThreadService(threads domain.ThreadRepository, assistant domain.AssistantClient, maxAge time.Duration) *ThreadService {
	return &ThreadService{Threads: threads, Assistant: assistant, MaxAge: maxAge}
}

// EnsureThread returns the live external thread id for the session, creating
// and persisting a binding on first use. Reuse refreshes last_activity.
func (s *ThreadService) EnsureThread(ctx domain.Context, sessionID string) (string, error) {
	v, err, _ := s.group.Do(sessionID, func() (any, error) {
		b, err := s.Threads.GetActive(ctx, sessionID)
		if err == nil {
			if terr := s.Threads.Touch(ctx, sessionID); terr != nil {
				observability.LoggerFromContext(ctx).Warn("thread touch failed",
					slog.String("session_id", sessionID), slog.Any("error", terr))
			}
			return b.ThreadID, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return s.createBinding(ctx, sessionID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Rebind retires a stale binding and creates a fresh thread for the session.
// Called when the external thread id no longer resolves.
func (s *ThreadService) Rebind(ctx domain.Context, sessionID string) (string, error) {
	v, err, _ := s.group.Do("rebind:"+sessionID, func() (any, error) {
		if err := s.Threads.Deactivate(ctx, sessionID); err != nil {
			return nil, err
		}
		observability.LoggerFromContext(ctx).Info("replaced stale thread binding",
			slog.String("session_id", sessionID))
		return s.createBinding(ctx, sessionID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *ThreadService) createBinding(ctx domain.Context, sessionID string) (string, error) {
	threadID, err := s.Assistant.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("op=threads.ensure: %w", err)
	}
	now := time.Now().UTC()
	b := domain.ThreadBinding{
		SessionID:    sessionID,
		ThreadID:     threadID,
		IsActive:     true,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := s.Threads.Create(ctx, b); err != nil {
		// A concurrent writer may have won the partial unique index; fall
		// back to its binding instead of failing the request.
		if existing, gerr := s.Threads.GetActive(ctx, sessionID); gerr == nil {
			return existing.ThreadID, nil
		}
		return "", fmt.Errorf("op=threads.ensure: %w", err)
	}
	return threadID, nil
}

// Info returns the binding for a session regardless of activity state.
func (s *ThreadService) Info(ctx domain.Context, sessionID string) (domain.ThreadBinding, error) {
	return s.Threads.GetActive(ctx, sessionID)
}

// SweepInactive retires bindings idle for longer than MaxAge.
func (s *ThreadService) SweepInactive(ctx domain.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.MaxAge)
	n, err := s.Threads.SweepInactive(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.LoggerFromContext(ctx).Info("swept inactive threads", slog.Int("count", n))
	}
	return n, nil
}
