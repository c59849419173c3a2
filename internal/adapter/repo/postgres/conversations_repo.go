package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/wcastil/AIStreamSocket/internal/domain"
)

// ConversationRepo persists and loads conversations from PostgreSQL.
type ConversationRepo struct{ Pool PgxPool }

// NewConversationRepo constructs a ConversationRepo with the given pool.
func NewConversationRepo(p PgxPool) *ConversationRepo { return &ConversationRepo{Pool: p} }

const conversationCols = `id, session_id, current_pass, first_pass_completed, second_pass_started_at, created_at, updated_at`

// GetOrCreate returns the conversation bound to sessionID, inserting it on
// first use. The ON CONFLICT upsert makes concurrent calls converge on one
// row for the same session.
func (r *ConversationRepo) GetOrCreate(ctx domain.Context, sessionID string) (domain.Conversation, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.GetOrCreate")
	defer span.End()
	if sessionID == "" {
		return domain.Conversation{}, fmt.Errorf("op=conversation.get_or_create: %w: session id required", domain.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	q := `INSERT INTO conversations (` + conversationCols + `)
	VALUES ($1, $2, 1, FALSE, NULL, $3, $3)
	ON CONFLICT (session_id) DO UPDATE SET updated_at = conversations.updated_at
	RETURNING ` + conversationCols
	row := r.Pool.QueryRow(ctx, q, uuid.New().String(), sessionID, now)
	c, err := scanConversation(row)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("op=conversation.get_or_create: %w", err)
	}
	return c, nil
}

// GetBySessionID loads a conversation by its session id.
func (r *ConversationRepo) GetBySessionID(ctx domain.Context, sessionID string) (domain.Conversation, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.GetBySessionID")
	defer span.End()
	q := `SELECT ` + conversationCols + ` FROM conversations WHERE session_id=$1`
	row := r.Pool.QueryRow(ctx, q, sessionID)
	c, err := scanConversation(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", domain.ErrNotFound)
		}
		return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", err)
	}
	return c, nil
}

// SetFirstPassCompleted marks the first pass as complete.
func (r *ConversationRepo) SetFirstPassCompleted(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.SetFirstPassCompleted")
	defer span.End()
	q := `UPDATE conversations SET first_pass_completed=TRUE, updated_at=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=conversation.set_first_pass_completed: %w", err)
	}
	return nil
}

// StartSecondPass sets current_pass=2 and records the transition time used
// by the orchestrator's question sequencing.
func (r *ConversationRepo) StartSecondPass(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.StartSecondPass")
	defer span.End()
	q := `UPDATE conversations SET current_pass=2, second_pass_started_at=$2, updated_at=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, at.UTC()); err != nil {
		return fmt.Errorf("op=conversation.start_second_pass: %w", err)
	}
	return nil
}

// List returns all conversations with message counts and pass flags, newest
// first. Operational/debug view.
func (r *ConversationRepo) List(ctx domain.Context) ([]domain.ConversationSummary, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.List")
	defer span.End()
	q := `SELECT c.id, COALESCE(c.session_id, ''), c.current_pass, c.first_pass_completed,
		(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id),
		EXISTS (SELECT 1 FROM person_models pm WHERE pm.conversation_id = c.id),
		c.created_at
	FROM conversations c ORDER BY c.created_at DESC`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=conversation.list: %w", err)
	}
	defer rows.Close()
	var out []domain.ConversationSummary
	for rows.Next() {
		var s domain.ConversationSummary
		if err := rows.Scan(&s.ID, &s.SessionID, &s.CurrentPass, &s.FirstPassCompleted, &s.MessageCount, &s.HasPersonModel, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=conversation.list: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=conversation.list: %w", err)
	}
	return out, nil
}

func scanConversation(row pgx.Row) (domain.Conversation, error) {
	var c domain.Conversation
	var sessionID *string
	if err := row.Scan(&c.ID, &sessionID, &c.CurrentPass, &c.FirstPassCompleted, &c.SecondPassStartedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Conversation{}, err
	}
	if sessionID != nil {
		c.SessionID = *sessionID
	}
	return c, nil
}
