package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	// ErrNotReady signals the evaluation eligibility gate: cooldown still
	// active or too few new messages since the last evaluation.
	ErrNotReady = errors.New("not ready")
	// ErrThreadGone signals an external thread id that no longer resolves;
	// callers recreate the binding and retry.
	ErrThreadGone      = errors.New("thread gone")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrSchemaInvalid   = errors.New("schema invalid")
	ErrInternal        = errors.New("internal error")
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Interview passes
const (
	PassFirst  = 1
	PassSecond = 2
)

// Conversation is the root of one interview session.
// Invariants: SessionID maps to at most one live conversation;
// CurrentPass moves 1->2 only when FirstPassCompleted is true and a
// PersonModel with follow-up questions exists.
type Conversation struct {
	ID                  string
	SessionID           string
	CurrentPass         int
	FirstPassCompleted  bool
	SecondPassStartedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ConversationSummary is the operational list view: counts instead of rows.
type ConversationSummary struct {
	ID                 string
	SessionID          string
	CurrentPass        int
	FirstPassCompleted bool
	MessageCount       int
	HasPersonModel     bool
	CreatedAt          time.Time
}

// Message is an append-only transcript entry. Ordering by CreatedAt is the
// sole basis for replay and windowing.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// FollowUpQuestion carries an optional relevance score (1-10) and rationale.
type FollowUpQuestion struct {
	Question  string  `json:"question"`
	Score     float64 `json:"score,omitempty"`
	Rationale string  `json:"rationale,omitempty"`
}

// PersonModel is the structured profile extracted from a transcript, at most
// one per conversation, replaced wholesale on each evaluation.
type PersonModel struct {
	ID                string
	ConversationID    string
	DataModel         map[string]any
	MissingTopics     []string
	FollowUpQuestions []FollowUpQuestion
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ThreadBinding maps a session to an external conversation thread.
type ThreadBinding struct {
	SessionID    string
	ThreadID     string
	IsActive     bool
	CreatedAt    time.Time
	LastActivity time.Time
}

// Evaluation is the engine's success payload.
type Evaluation struct {
	Model             map[string]any
	MissingTopics     []string
	FollowUpQuestions []FollowUpQuestion
}

// Repositories (ports)

type ConversationRepository interface {
	// GetOrCreate returns the conversation bound to sessionID, creating it
	// on first use. Never creates duplicates for the same session.
	GetOrCreate(ctx Context, sessionID string) (Conversation, error)
	GetBySessionID(ctx Context, sessionID string) (Conversation, error)
	SetFirstPassCompleted(ctx Context, id string) error
	// StartSecondPass sets current_pass=2 and records the transition time.
	StartSecondPass(ctx Context, id string, at time.Time) error
	List(ctx Context) ([]ConversationSummary, error)
}

type MessageRepository interface {
	Append(ctx Context, m Message) (string, error)
	ListByConversation(ctx Context, conversationID string) ([]Message, error)
	CountSince(ctx Context, conversationID string, since time.Time) (int, error)
	CountByConversation(ctx Context, conversationID string) (int, error)
}

type PersonModelRepository interface {
	// Upsert replaces data_model, missing_topics and follow_up_questions
	// wholesale for the conversation.
	Upsert(ctx Context, pm PersonModel) error
	GetByConversationID(ctx Context, conversationID string) (PersonModel, error)
}

type ThreadRepository interface {
	GetActive(ctx Context, sessionID string) (ThreadBinding, error)
	Create(ctx Context, b ThreadBinding) error
	Touch(ctx Context, sessionID string) error
	Deactivate(ctx Context, sessionID string) error
	SweepInactive(ctx Context, cutoff time.Time) (int, error)
}

// AssistantClient (port): the external stateful conversation capability.

type AssistantClient interface {
	CreateThread(ctx Context) (string, error)
	// AddMessage appends a user message; returns ErrThreadGone when the
	// thread id no longer resolves.
	AddMessage(ctx Context, threadID, content string) error
	// RunAndWait starts a run and polls until a terminal state or the
	// wall-clock bound, returning the newest assistant message text.
	RunAndWait(ctx Context, threadID string) (string, error)
}

// ChatClient (port): one-shot JSON-mode completion used by the evaluation
// engine and the ad-hoc probe follow-up.

type ChatClient interface {
	ChatJSON(ctx Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// CooldownGate (port): rate limits expensive evaluations per session.

type CooldownGate interface {
	// Allow reports whether an evaluation may run now for the session and,
	// when allowed, starts a new cooldown window.
	Allow(ctx Context, sessionID string, window time.Duration) (bool, error)
	// Reset clears the window so a failed evaluation can be retried promptly.
	Reset(ctx Context, sessionID string) error
}

// Context is an alias so the domain package stays decoupled from adapters;
// all implementations pass context.Context through.
type Context = context.Context
