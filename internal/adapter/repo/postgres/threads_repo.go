package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/wcastil/AIStreamSocket/internal/domain"
)

// ThreadRepo persists session-to-external-thread bindings.
type ThreadRepo struct{ Pool PgxPool }

// NewThreadRepo constructs a ThreadRepo with the given pool.
func NewThreadRepo(p PgxPool) *ThreadRepo { return &ThreadRepo{Pool: p} }

// GetActive loads the live binding for a session.
func (r *ThreadRepo) GetActive(ctx domain.Context, sessionID string) (domain.ThreadBinding, error) {
	tracer := otel.Tracer("repo.session_threads")
	ctx, span := tracer.Start(ctx, "session_threads.GetActive")
	defer span.End()
	q := `SELECT session_id, thread_id, is_active, created_at, last_activity FROM session_threads WHERE session_id=$1 AND is_active`
	row := r.Pool.QueryRow(ctx, q, sessionID)
	var b domain.ThreadBinding
	if err := row.Scan(&b.SessionID, &b.ThreadID, &b.IsActive, &b.CreatedAt, &b.LastActivity); err != nil {
		if err == pgx.ErrNoRows {
			return domain.ThreadBinding{}, fmt.Errorf("op=thread.get_active: %w", domain.ErrNotFound)
		}
		return domain.ThreadBinding{}, fmt.Errorf("op=thread.get_active: %w", err)
	}
	return b, nil
}

// Create stores a new active binding. The partial unique index rejects a
// second active binding for the same session with a conflict.
func (r *ThreadRepo) Create(ctx domain.Context, b domain.ThreadBinding) error {
	tracer := otel.Tracer("repo.session_threads")
	ctx, span := tracer.Start(ctx, "session_threads.Create")
	defer span.End()
	now := time.Now().UTC()
	created := b.CreatedAt
	if created.IsZero() {
		created = now
	}
	last := b.LastActivity
	if last.IsZero() {
		last = now
	}
	q := `INSERT INTO session_threads (session_id, thread_id, is_active, created_at, last_activity) VALUES ($1,$2,TRUE,$3,$4)`
	if _, err := r.Pool.Exec(ctx, q, b.SessionID, b.ThreadID, created, last); err != nil {
		return fmt.Errorf("op=thread.create: %w", err)
	}
	return nil
}

// Touch refreshes last_activity on reuse.
func (r *ThreadRepo) Touch(ctx domain.Context, sessionID string) error {
	tracer := otel.Tracer("repo.session_threads")
	ctx, span := tracer.Start(ctx, "session_threads.Touch")
	defer span.End()
	q := `UPDATE session_threads SET last_activity=$2 WHERE session_id=$1 AND is_active`
	if _, err := r.Pool.Exec(ctx, q, sessionID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=thread.touch: %w", err)
	}
	return nil
}

// Deactivate retires the live binding for a session.
func (r *ThreadRepo) Deactivate(ctx domain.Context, sessionID string) error {
	tracer := otel.Tracer("repo.session_threads")
	ctx, span := tracer.Start(ctx, "session_threads.Deactivate")
	defer span.End()
	q := `UPDATE session_threads SET is_active=FALSE WHERE session_id=$1 AND is_active`
	if _, err := r.Pool.Exec(ctx, q, sessionID); err != nil {
		return fmt.Errorf("op=thread.deactivate: %w", err)
	}
	return nil
}

// SweepInactive marks bindings idle since before cutoff as inactive and
// returns how many were retired.
func (r *ThreadRepo) SweepInactive(ctx domain.Context, cutoff time.Time) (int, error) {
	tracer := otel.Tracer("repo.session_threads")
	ctx, span := tracer.Start(ctx, "session_threads.SweepInactive")
	defer span.End()
	q := `UPDATE session_threads SET is_active=FALSE WHERE is_active AND last_activity < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=thread.sweep: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
