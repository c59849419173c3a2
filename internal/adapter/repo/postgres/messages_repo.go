package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/wcastil/AIStreamSocket/internal/domain"
)

// MessageRepo persists and loads transcript messages. Messages are
// append-only; there is no update or delete path.
type MessageRepo struct{ Pool PgxPool }

// NewMessageRepo constructs a MessageRepo with the given pool.
func NewMessageRepo(p PgxPool) *MessageRepo { return &MessageRepo{Pool: p} }

// Append inserts a new message and returns its id (generates one if empty).
func (r *MessageRepo) Append(ctx domain.Context, m domain.Message) (string, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Append")
	defer span.End()
	if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
		return "", fmt.Errorf("op=message.append: %w: role %q", domain.ErrInvalidArgument, m.Role)
	}
	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}
	at := m.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	q := `INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, id, m.ConversationID, m.Role, m.Content, at); err != nil {
		return "", fmt.Errorf("op=message.append: %w", err)
	}
	return id, nil
}

// ListByConversation returns the full ordered history for a conversation.
// Ordering by (created_at, id) is the sole basis for replay.
func (r *MessageRepo) ListByConversation(ctx domain.Context, conversationID string) ([]domain.Message, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.ListByConversation")
	defer span.End()
	q := `SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id=$1 ORDER BY created_at, id`
	rows, err := r.Pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("op=message.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=message.list: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=message.list: %w", err)
	}
	return out, nil
}

// CountSince counts messages created at or after the given instant.
func (r *MessageRepo) CountSince(ctx domain.Context, conversationID string, since time.Time) (int, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.CountSince")
	defer span.End()
	q := `SELECT COUNT(*) FROM messages WHERE conversation_id=$1 AND created_at >= $2`
	var n int
	if err := r.Pool.QueryRow(ctx, q, conversationID, since.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=message.count_since: %w", err)
	}
	return n, nil
}

// CountByConversation counts all messages of a conversation.
func (r *MessageRepo) CountByConversation(ctx domain.Context, conversationID string) (int, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.CountByConversation")
	defer span.End()
	q := `SELECT COUNT(*) FROM messages WHERE conversation_id=$1`
	var n int
	if err := r.Pool.QueryRow(ctx, q, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=message.count: %w", err)
	}
	return n, nil
}
