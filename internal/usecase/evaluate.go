package usecase

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/wcastil/AIStreamSocket/internal/domain"
	"github.com/wcastil/AIStreamSocket/internal/observability"
	"github.com/wcastil/AIStreamSocket/pkg/transcript"
)

//go:embed model_template.json
var modelTemplateJSON []byte

const extractionSystemPrompt = `You are an expert interviewer's analyst. Analyze the interview conversation and extract structured insights about the person into the JSON template below. Fill every field you have evidence for and leave the rest out entirely. Respond with JSON only, no prose.

Template:
%s`

const questionSystemPrompt = `You are an expert interviewer. Given a partially filled person model and the list of topics still missing from it, produce targeted follow-up questions for a second interview pass. Score each question 1-10 by how much signal it would recover. Respond with JSON only, shaped as {"questions": [{"question": "...", "score": 8, "rationale": "..."}]}.`

// EvaluationService turns a transcript into a PersonModel with ranked
// follow-up questions. Runs are gated per session: a minimum number of new
// messages and a cooldown window between runs.
type EvaluationService struct {
	Conversations domain.ConversationRepository
	Messages      domain.MessageRepository
	Models        domain.PersonModelRepository
	Chat          domain.ChatClient
	Gate          domain.CooldownGate

	Cooldown       time.Duration
	MinMessages    int
	MaxModelTokens int
}

func NewEvaluationService(
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	models domain.PersonModelRepository,
	chat domain.ChatClient,
	gate domain.CooldownGate,
	cooldown time.Duration,
	minMessages int,
) *EvaluationService {
	return &EvaluationService{
		Conversations: conversations,
		Messages:      messages,
		Models:        models,
		Chat:          chat,
		Gate:          gate,
		Cooldown:      cooldown,
		MinMessages:   minMessages,
	}
}

// Analyze evaluates the session's transcript and upserts the resulting
// PersonModel. It returns ErrNotReady when the eligibility gate rejects the
// run and ErrSchemaInvalid when the extraction output is not usable JSON.
func (s *EvaluationService) Analyze(ctx domain.Context, sessionID string) (domain.Evaluation, error) {
	log := observability.LoggerFromContext(ctx)

	conv, err := s.Conversations.GetBySessionID(ctx, sessionID)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("analyze: load conversation: %w", err)
	}
	history, err := s.Messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("analyze: load history: %w", err)
	}

	// Check the cheap message-count condition before consuming a cooldown
	// token, so an undersized transcript does not burn the window.
	if s.MinMessages > 0 && len(history) < s.MinMessages {
		return domain.Evaluation{}, fmt.Errorf("analyze: %d messages, need %d: %w", len(history), s.MinMessages, domain.ErrNotReady)
	}
	allowed, err := s.Gate.Allow(ctx, sessionID, s.Cooldown)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("analyze: cooldown gate: %w", err)
	}
	if !allowed {
		return domain.Evaluation{}, fmt.Errorf("analyze: cooldown active: %w", domain.ErrNotReady)
	}

	eval, err := s.run(ctx, conv, history)
	if err != nil {
		// A failed run should not lock the session out for the whole
		// window; clear it so the caller can retry.
		if rerr := s.Gate.Reset(ctx, sessionID); rerr != nil {
			log.Warn("cooldown reset failed", slog.String("session_id", sessionID), slog.Any("error", rerr))
		}
		observability.EvaluationsTotal.WithLabelValues("error").Inc()
		return domain.Evaluation{}, err
	}
	observability.EvaluationsTotal.WithLabelValues("ok").Inc()
	return eval, nil
}

func (s *EvaluationService) run(ctx domain.Context, conv domain.Conversation, history []domain.Message) (domain.Evaluation, error) {
	log := observability.LoggerFromContext(ctx)

	system := fmt.Sprintf(extractionSystemPrompt, string(modelTemplateJSON))
	raw, err := s.Chat.ChatJSON(ctx, system, transcript.Format(history), s.MaxModelTokens)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("analyze: extraction: %w", err)
	}

	var model map[string]any
	if err := json.Unmarshal([]byte(stripFences(raw)), &model); err != nil {
		return domain.Evaluation{}, fmt.Errorf("analyze: extraction output not json: %v: %w", err, domain.ErrSchemaInvalid)
	}

	var template map[string]any
	if err := json.Unmarshal(modelTemplateJSON, &template); err != nil {
		return domain.Evaluation{}, fmt.Errorf("analyze: template: %w", err)
	}
	missing := MissingTopics(template, model)

	questions, err := s.generateQuestions(ctx, model, missing)
	if err != nil {
		// Question generation is best-effort: a model without questions is
		// still a valid evaluation result.
		log.Warn("follow-up question generation failed", slog.Any("error", err))
		questions = nil
	}

	pm := domain.PersonModel{
		ConversationID:    conv.ID,
		DataModel:         model,
		MissingTopics:     missing,
		FollowUpQuestions: questions,
	}
	if err := s.Models.Upsert(ctx, pm); err != nil {
		return domain.Evaluation{}, fmt.Errorf("analyze: persist model: %w", err)
	}
	// A successful evaluation finishes the first pass; the explicit
	// mark-complete trigger remains for ending it without an analysis.
	if err := s.Conversations.SetFirstPassCompleted(ctx, conv.ID); err != nil {
		return domain.Evaluation{}, fmt.Errorf("analyze: mark first pass: %w", err)
	}

	log.Info("evaluation complete",
		slog.String("conversation_id", conv.ID),
		slog.Int("missing_topics", len(missing)),
		slog.Int("follow_up_questions", len(questions)))

	return domain.Evaluation{
		Model:             model,
		MissingTopics:     missing,
		FollowUpQuestions: questions,
	}, nil
}

func (s *EvaluationService) generateQuestions(ctx domain.Context, model map[string]any, missing []string) ([]domain.FollowUpQuestion, error) {
	payload := map[string]any{
		"person_model":   model,
		"missing_topics": missing,
	}
	user, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	raw, err := s.Chat.ChatJSON(ctx, questionSystemPrompt, string(user), s.MaxModelTokens)
	if err != nil {
		return nil, err
	}
	questions, err := parseQuestions(stripFences(raw))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(questions, func(i, j int) bool {
		return questions[i].Score > questions[j].Score
	})
	return questions, nil
}

// parseQuestions accepts both object entries and bare strings in the
// questions array.
func parseQuestions(raw string) ([]domain.FollowUpQuestion, error) {
	var envelope struct {
		Questions []json.RawMessage `json:"questions"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("questions output not json: %v: %w", err, domain.ErrSchemaInvalid)
	}
	out := make([]domain.FollowUpQuestion, 0, len(envelope.Questions))
	for _, entry := range envelope.Questions {
		var q domain.FollowUpQuestion
		if err := json.Unmarshal(entry, &q); err == nil && q.Question != "" {
			out = append(out, q)
			continue
		}
		var s string
		if err := json.Unmarshal(entry, &s); err == nil && s != "" {
			out = append(out, domain.FollowUpQuestion{Question: s})
		}
	}
	return out, nil
}

// MissingTopics walks the template and reports dotted paths the extracted
// model leaves unanswered. A key is missing when it is absent, when its value
// is falsy (zero is a valid answer), or when it is an empty list. The
// template's definition and example annotations are structural, not topics.
func MissingTopics(template, model map[string]any) []string {
	var missing []string
	walkMissing(template, model, "", &missing)
	return missing
}

func walkMissing(template, model map[string]any, prefix string, missing *[]string) {
	for key, tmplVal := range template {
		if key == "definition" || key == "example" {
			continue
		}
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		got, ok := model[key]
		if !ok {
			*missing = append(*missing, path)
			continue
		}
		if tmplMap, isMap := tmplVal.(map[string]any); isMap && !isLeaf(tmplMap) {
			gotMap, isGotMap := got.(map[string]any)
			if !isGotMap {
				*missing = append(*missing, path)
				continue
			}
			walkMissing(tmplMap, gotMap, path, missing)
			continue
		}
		if isEmptyValue(got) {
			*missing = append(*missing, path)
		}
	}
}

// isLeaf reports whether a template node is a field annotation rather than a
// nested category.
func isLeaf(node map[string]any) bool {
	for key := range node {
		if key != "definition" && key != "example" {
			return false
		}
	}
	return true
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	case bool:
		return !val
	case float64:
		// Zero is a meaningful answer for scaled fields.
		return false
	default:
		return false
	}
}

// stripFences removes a markdown code fence if the model wrapped its JSON in
// one despite the instruction not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
