package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/wcastil/AIStreamSocket/internal/domain"
)

// PersonModelRepo persists the extracted person model, at most one row per
// conversation.
type PersonModelRepo struct{ Pool PgxPool }

// NewPersonModelRepo constructs a PersonModelRepo with the given pool.
func NewPersonModelRepo(p PgxPool) *PersonModelRepo { return &PersonModelRepo{Pool: p} }

// Upsert inserts or replaces the person model for a conversation wholesale.
// The single-statement upsert keeps the write all-or-nothing.
func (r *PersonModelRepo) Upsert(ctx domain.Context, pm domain.PersonModel) error {
	tracer := otel.Tracer("repo.person_models")
	ctx, span := tracer.Start(ctx, "person_models.Upsert")
	defer span.End()
	dataJSON, err := json.Marshal(pm.DataModel)
	if err != nil {
		return fmt.Errorf("op=person_model.upsert: %w", err)
	}
	topics := pm.MissingTopics
	if topics == nil {
		topics = []string{}
	}
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("op=person_model.upsert: %w", err)
	}
	questions := pm.FollowUpQuestions
	if questions == nil {
		questions = []domain.FollowUpQuestion{}
	}
	questionsJSON, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("op=person_model.upsert: %w", err)
	}
	id := pm.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO person_models (id, conversation_id, data_model, missing_topics, follow_up_questions, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$6)
	ON CONFLICT (conversation_id)
	DO UPDATE SET data_model=EXCLUDED.data_model, missing_topics=EXCLUDED.missing_topics, follow_up_questions=EXCLUDED.follow_up_questions, updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, id, pm.ConversationID, dataJSON, topicsJSON, questionsJSON, now); err != nil {
		return fmt.Errorf("op=person_model.upsert: %w", err)
	}
	return nil
}

// GetByConversationID loads the person model for a conversation.
func (r *PersonModelRepo) GetByConversationID(ctx domain.Context, conversationID string) (domain.PersonModel, error) {
	tracer := otel.Tracer("repo.person_models")
	ctx, span := tracer.Start(ctx, "person_models.GetByConversationID")
	defer span.End()
	q := `SELECT id, conversation_id, data_model, missing_topics, follow_up_questions, created_at, updated_at FROM person_models WHERE conversation_id=$1`
	row := r.Pool.QueryRow(ctx, q, conversationID)
	var pm domain.PersonModel
	var dataJSON, topicsJSON, questionsJSON []byte
	if err := row.Scan(&pm.ID, &pm.ConversationID, &dataJSON, &topicsJSON, &questionsJSON, &pm.CreatedAt, &pm.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.PersonModel{}, fmt.Errorf("op=person_model.get: %w", domain.ErrNotFound)
		}
		return domain.PersonModel{}, fmt.Errorf("op=person_model.get: %w", err)
	}
	if err := json.Unmarshal(dataJSON, &pm.DataModel); err != nil {
		return domain.PersonModel{}, fmt.Errorf("op=person_model.get: %w", err)
	}
	if err := json.Unmarshal(topicsJSON, &pm.MissingTopics); err != nil {
		return domain.PersonModel{}, fmt.Errorf("op=person_model.get: %w", err)
	}
	if err := json.Unmarshal(questionsJSON, &pm.FollowUpQuestions); err != nil {
		return domain.PersonModel{}, fmt.Errorf("op=person_model.get: %w", err)
	}
	return pm, nil
}
