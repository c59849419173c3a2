package usecase

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/wcastil/AIStreamSocket/internal/domain"
)

type mockConversationRepo struct{ mock.Mock }

func (m *mockConversationRepo) GetOrCreate(ctx domain.Context, sessionID string) (domain.Conversation, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(domain.Conversation), args.Error(1)
}

func (m *mockConversationRepo) GetBySessionID(ctx domain.Context, sessionID string) (domain.Conversation, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(domain.Conversation), args.Error(1)
}

func (m *mockConversationRepo) SetFirstPassCompleted(ctx domain.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockConversationRepo) StartSecondPass(ctx domain.Context, id string, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}

func (m *mockConversationRepo) List(ctx domain.Context) ([]domain.ConversationSummary, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.ConversationSummary), args.Error(1)
}

type mockMessageRepo struct{ mock.Mock }

func (m *mockMessageRepo) Append(ctx domain.Context, msg domain.Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

func (m *mockMessageRepo) ListByConversation(ctx domain.Context, conversationID string) ([]domain.Message, error) {
	args := m.Called(ctx, conversationID)
	return args.Get(0).([]domain.Message), args.Error(1)
}

func (m *mockMessageRepo) CountSince(ctx domain.Context, conversationID string, since time.Time) (int, error) {
	args := m.Called(ctx, conversationID, since)
	return args.Int(0), args.Error(1)
}

func (m *mockMessageRepo) CountByConversation(ctx domain.Context, conversationID string) (int, error) {
	args := m.Called(ctx, conversationID)
	return args.Int(0), args.Error(1)
}

type mockPersonModelRepo struct{ mock.Mock }

func (m *mockPersonModelRepo) Upsert(ctx domain.Context, pm domain.PersonModel) error {
	return m.Called(ctx, pm).Error(0)
}

func (m *mockPersonModelRepo) GetByConversationID(ctx domain.Context, conversationID string) (domain.PersonModel, error) {
	args := m.Called(ctx, conversationID)
	return args.Get(0).(domain.PersonModel), args.Error(1)
}

type mockThreadRepo struct{ mock.Mock }

func (m *mockThreadRepo) GetActive(ctx domain.Context, sessionID string) (domain.ThreadBinding, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(domain.ThreadBinding), args.Error(1)
}

func (m *mockThreadRepo) Create(ctx domain.Context, b domain.ThreadBinding) error {
	return m.Called(ctx, b).Error(0)
}

func (m *mockThreadRepo) Touch(ctx domain.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

func (m *mockThreadRepo) Deactivate(ctx domain.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

func (m *mockThreadRepo) SweepInactive(ctx domain.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

type mockAssistantClient struct{ mock.Mock }

func (m *mockAssistantClient) CreateThread(ctx domain.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockAssistantClient) AddMessage(ctx domain.Context, threadID, content string) error {
	return m.Called(ctx, threadID, content).Error(0)
}

func (m *mockAssistantClient) RunAndWait(ctx domain.Context, threadID string) (string, error) {
	args := m.Called(ctx, threadID)
	return args.String(0), args.Error(1)
}

type mockChatClient struct{ mock.Mock }

func (m *mockChatClient) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	args := m.Called(ctx, systemPrompt, userPrompt, maxTokens)
	return args.String(0), args.Error(1)
}

type mockCooldownGate struct{ mock.Mock }

func (m *mockCooldownGate) Allow(ctx domain.Context, sessionID string, window time.Duration) (bool, error) {
	args := m.Called(ctx, sessionID, window)
	return args.Bool(0), args.Error(1)
}

func (m *mockCooldownGate) Reset(ctx domain.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}
