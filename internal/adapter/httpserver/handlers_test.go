package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wcastil/AIStreamSocket/internal/adapter/ai/stub"
	"github.com/wcastil/AIStreamSocket/internal/config"
	"github.com/wcastil/AIStreamSocket/internal/domain"
	"github.com/wcastil/AIStreamSocket/internal/usecase"
)

// fakeStore is a minimal in-memory implementation of the repository ports,
// enough to drive the handlers through real usecase services.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]*domain.Conversation
	messages      map[string][]domain.Message
	models        map[string]domain.PersonModel
	threads       map[string]domain.ThreadBinding
	nextID        int
	clock         time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: map[string]*domain.Conversation{},
		messages:      map[string][]domain.Message{},
		models:        map[string]domain.PersonModel{},
		threads:       map[string]domain.ThreadBinding{},
		clock:         time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *fakeStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *fakeStore) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s_%d", prefix, s.nextID)
}

func (s *fakeStore) GetOrCreate(_ domain.Context, sessionID string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[sessionID]; ok {
		return *c, nil
	}
	now := s.tick()
	c := &domain.Conversation{ID: s.id("conv"), SessionID: sessionID, CurrentPass: domain.PassFirst, CreatedAt: now, UpdatedAt: now}
	s.conversations[sessionID] = c
	return *c, nil
}

func (s *fakeStore) GetBySessionID(_ domain.Context, sessionID string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[sessionID]; ok {
		return *c, nil
	}
	return domain.Conversation{}, domain.ErrNotFound
}

func (s *fakeStore) SetFirstPassCompleted(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.ID == id {
			c.FirstPassCompleted = true
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *fakeStore) StartSecondPass(_ domain.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.ID == id {
			c.CurrentPass = domain.PassSecond
			c.SecondPassStartedAt = &at
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *fakeStore) List(_ domain.Context) ([]domain.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ConversationSummary, 0, len(s.conversations))
	for _, c := range s.conversations {
		_, hasModel := s.models[c.ID]
		out = append(out, domain.ConversationSummary{
			ID: c.ID, SessionID: c.SessionID, CurrentPass: c.CurrentPass,
			FirstPassCompleted: c.FirstPassCompleted,
			MessageCount:       len(s.messages[c.ID]),
			HasPersonModel:     hasModel, CreatedAt: c.CreatedAt,
		})
	}
	return out, nil
}

func (s *fakeStore) Append(_ domain.Context, m domain.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.id("msg")
	m.CreatedAt = s.tick()
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return m.ID, nil
}

func (s *fakeStore) ListByConversation(_ domain.Context, conversationID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages[conversationID]...), nil
}

func (s *fakeStore) CountSince(_ domain.Context, conversationID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages[conversationID] {
		if !m.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CountByConversation(_ domain.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[conversationID]), nil
}

func (s *fakeStore) Upsert(_ domain.Context, pm domain.PersonModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm.ID = s.id("pm")
	s.models[pm.ConversationID] = pm
	return nil
}

func (s *fakeStore) GetByConversationID(_ domain.Context, conversationID string) (domain.PersonModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm, ok := s.models[conversationID]
	if !ok {
		return domain.PersonModel{}, domain.ErrNotFound
	}
	return pm, nil
}

func (s *fakeStore) GetActive(_ domain.Context, sessionID string) (domain.ThreadBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.threads[sessionID]
	if !ok || !b.IsActive {
		return domain.ThreadBinding{}, domain.ErrNotFound
	}
	return b, nil
}

func (s *fakeStore) Create(_ domain.Context, b domain.ThreadBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[b.SessionID] = b
	return nil
}

func (s *fakeStore) Touch(_ domain.Context, sessionID string) error { return nil }

func (s *fakeStore) Deactivate(_ domain.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.threads[sessionID]; ok {
		b.IsActive = false
		s.threads[sessionID] = b
	}
	return nil
}

func (s *fakeStore) SweepInactive(_ domain.Context, cutoff time.Time) (int, error) { return 0, nil }

type openGate struct{}

func (openGate) Allow(domain.Context, string, time.Duration) (bool, error) { return true, nil }
func (openGate) Reset(domain.Context, string) error                       { return nil }

type closedGate struct{}

func (closedGate) Allow(domain.Context, string, time.Duration) (bool, error) { return false, nil }
func (closedGate) Reset(domain.Context, string) error                        { return nil }

func newTestServer(t *testing.T, gate domain.CooldownGate) (*Server, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	ai := stub.New()
	cfg := config.Config{WSPingInterval: time.Second}
	threads := usecase.NewThreadService(store, ai, 24*time.Hour)
	evaluator := usecase.NewEvaluationService(store, store, store, ai, gate, 5*time.Minute, 1)
	interview := usecase.NewInterviewService(store, store, store, ai, ai, threads, evaluator, domain.DefaultDetector(), 0)
	return NewServer(cfg, interview, evaluator, threads, store, nil, nil), store
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func routerFor(srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Post("/chat", srv.ChatHandler())
	r.Post("/v1/chat/completions", srv.CompletionsHandler())
	r.Get("/conversations", srv.ConversationsHandler())
	r.Post("/evaluate-session/{session_id}", srv.EvaluateSessionHandler())
	r.Post("/mark-pass-complete/{session_id}", srv.MarkPassCompleteHandler())
	r.Post("/start-second-pass/{session_id}", srv.StartSecondPassHandler())
	r.Get("/threads/{session_id}", srv.ThreadInfoHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	return r
}

func TestChatHandler_HappyPath(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, openGate{})
	rec := doJSON(t, routerFor(srv), http.MethodPost, "/chat", map[string]string{
		"message":    "Hello",
		"session_id": "s1",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var reply usecase.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, "s1", reply.SessionID)
	assert.Equal(t, domain.PassFirst, reply.Pass)
	assert.NotEmpty(t, reply.Text)
}

func TestChatHandler_GeneratesSessionID(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, openGate{})
	rec := doJSON(t, routerFor(srv), http.MethodPost, "/chat", map[string]string{"message": "Hi"})

	require.Equal(t, http.StatusOK, rec.Code)
	var reply usecase.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.NotEmpty(t, reply.SessionID)
}

func TestChatHandler_MissingMessage(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, openGate{})
	rec := doJSON(t, routerFor(srv), http.MethodPost, "/chat", map[string]string{"session_id": "s1"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "INVALID_ARGUMENT", env.Error.Code)
}

func TestChatHandler_InvalidJSON(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, openGate{})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	routerFor(srv).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationsHandler_ListsSessions(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, openGate{})
	h := routerFor(srv)
	doJSON(t, h, http.MethodPost, "/chat", map[string]string{"message": "Hello", "session_id": "s1"})

	rec := doJSON(t, h, http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Conversations []struct {
			SessionID    string `json:"session_id"`
			MessageCount int    `json:"message_count"`
		} `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Conversations, 1)
	assert.Equal(t, "s1", out.Conversations[0].SessionID)
	assert.Equal(t, 2, out.Conversations[0].MessageCount)
}

func TestEvaluateSessionHandler_Success(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, openGate{})
	h := routerFor(srv)
	doJSON(t, h, http.MethodPost, "/chat", map[string]string{"message": "Hello", "session_id": "s1"})

	rec := doJSON(t, h, http.MethodPost, "/evaluate-session/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Success           bool                      `json:"success"`
		MissingTopics     []string                  `json:"missing_topics"`
		FollowUpQuestions []domain.FollowUpQuestion `json:"follow_up_questions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.Success)
	assert.Len(t, out.FollowUpQuestions, 2)
}

func TestEvaluateSessionHandler_CooldownReturns429(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, closedGate{})
	h := routerFor(srv)
	doJSON(t, h, http.MethodPost, "/chat", map[string]string{"message": "Hello", "session_id": "s1"})

	rec := doJSON(t, h, http.MethodPost, "/evaluate-session/s1", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "NOT_READY", env.Error.Code)
}

func TestEvaluateSessionHandler_UnknownSession(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, openGate{})
	rec := doJSON(t, routerFor(srv), http.MethodPost, "/evaluate-session/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// Unmet preconditions are the caller's mistake: both the incomplete first
// pass and the missing question list answer 400, while an unknown session
// stays 404.
func TestStartSecondPassHandler_PreconditionsReturn400(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, openGate{})
	h := routerFor(srv)
	doJSON(t, h, http.MethodPost, "/chat", map[string]string{"message": "Hello", "session_id": "s1"})

	rec := doJSON(t, h, http.MethodPost, "/start-second-pass/s1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "INVALID_ARGUMENT", env.Error.Code)

	// First pass done but never evaluated: still a bad request, not a 404.
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, "/mark-pass-complete/s1", nil).Code)
	conv, err := store.GetBySessionID(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, conv.FirstPassCompleted)
	rec = doJSON(t, h, http.MethodPost, "/start-second-pass/s1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/start-second-pass/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// A successful evaluation finishes the first pass on its own, so the second
// pass can start without an explicit mark-pass-complete call.
func TestEvaluateThenStartSecondPass(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, openGate{})
	h := routerFor(srv)
	doJSON(t, h, http.MethodPost, "/chat", map[string]string{"message": "Hello", "session_id": "s1"})
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, "/evaluate-session/s1", nil).Code)

	rec := doJSON(t, h, http.MethodPost, "/start-second-pass/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "second_pass_started", out.Status)
	assert.Contains(t, out.Message, "second interview pass")
}

func TestThreadInfoHandler(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, openGate{})
	h := routerFor(srv)
	doJSON(t, h, http.MethodPost, "/chat", map[string]string{"message": "Hello", "session_id": "s1"})

	rec := doJSON(t, h, http.MethodGet, "/threads/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		ThreadID string `json:"thread_id"`
		IsActive bool   `json:"is_active"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.NotEmpty(t, out.ThreadID)
	assert.True(t, out.IsActive)

	rec = doJSON(t, h, http.MethodGet, "/threads/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadyzHandler_ReportsFailures(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, openGate{})
	srv.DBCheck = func(domain.Context) error { return nil }
	srv.RedisCheck = func(domain.Context) error { return fmt.Errorf("connection refused") }

	rec := doJSON(t, routerFor(srv), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestReadyzHandler_AllOK(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, openGate{})
	srv.DBCheck = func(domain.Context) error { return nil }
	srv.RedisCheck = func(domain.Context) error { return nil }

	rec := doJSON(t, routerFor(srv), http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
