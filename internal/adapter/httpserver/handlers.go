package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/wcastil/AIStreamSocket/internal/config"
	"github.com/wcastil/AIStreamSocket/internal/domain"
	"github.com/wcastil/AIStreamSocket/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg           config.Config
	Interview     *usecase.InterviewService
	Evaluator     *usecase.EvaluationService
	Threads       *usecase.ThreadService
	Conversations domain.ConversationRepository
	DBCheck       func(ctx context.Context) error
	RedisCheck    func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, interview *usecase.InterviewService, evaluator *usecase.EvaluationService, threads *usecase.ThreadService, conversations domain.ConversationRepository, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:           cfg,
		Interview:     interview,
		Evaluator:     evaluator,
		Threads:       threads,
		Conversations: conversations,
		DBCheck:       dbCheck,
		RedisCheck:    redisCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type chatRequest struct {
	Message   string `json:"message" validate:"required,max=8000"`
	SessionID string `json:"session_id" validate:"omitempty,max=100"`
}

// decodeChatRequest parses and validates the conversational request body,
// assigning a fresh session id when the client did not send one.
func decodeChatRequest(r *http.Request) (chatRequest, error) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return chatRequest{}, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(req); err != nil {
		return chatRequest{}, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument)
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return req, nil
}

// ChatHandler runs one interview turn and returns the assistant's reply.
func (s *Server) ChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Cap body size to prevent abuse.
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		req, err := decodeChatRequest(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		reply, err := s.Interview.HandleMessage(r.Context(), req.SessionID, req.Message)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

// ConversationsHandler lists all conversations with message counts.
func (s *Server) ConversationsHandler() http.HandlerFunc {
	type item struct {
		ID                 string    `json:"id"`
		SessionID          string    `json:"session_id"`
		CurrentPass        int       `json:"current_pass"`
		FirstPassCompleted bool      `json:"first_pass_completed"`
		MessageCount       int       `json:"message_count"`
		HasPersonModel     bool      `json:"has_person_model"`
		CreatedAt          time.Time `json:"created_at"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		summaries, err := s.Conversations.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]item, 0, len(summaries))
		for _, c := range summaries {
			out = append(out, item{
				ID:                 c.ID,
				SessionID:          c.SessionID,
				CurrentPass:        c.CurrentPass,
				FirstPassCompleted: c.FirstPassCompleted,
				MessageCount:       c.MessageCount,
				HasPersonModel:     c.HasPersonModel,
				CreatedAt:          c.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
	}
}

func sessionParam(r *http.Request) (string, error) {
	id := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if id == "" {
		return "", fmt.Errorf("%w: session_id missing", domain.ErrInvalidArgument)
	}
	return id, nil
}

// EvaluateSessionHandler triggers transcript evaluation out of band.
func (s *Server) EvaluateSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := sessionParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		eval, err := s.Evaluator.Analyze(r.Context(), sessionID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":             true,
			"model":               eval.Model,
			"missing_topics":      eval.MissingTopics,
			"follow_up_questions": eval.FollowUpQuestions,
		})
	}
}

// MarkPassCompleteHandler flags the first interview pass as finished.
func (s *Server) MarkPassCompleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := sessionParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Interview.MarkFirstPassComplete(r.Context(), sessionID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "first_pass_completed"})
	}
}

// StartSecondPassHandler transitions a session into the follow-up pass and
// returns the opening preview text.
func (s *Server) StartSecondPassHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := sessionParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		preview, err := s.Interview.AdvanceToSecondPass(r.Context(), sessionID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "second_pass_started", "message": preview})
	}
}

// ThreadInfoHandler exposes the session's external thread binding.
func (s *Server) ThreadInfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := sessionParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		b, err := s.Threads.Info(r.Context(), sessionID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id":    b.SessionID,
			"thread_id":     b.ThreadID,
			"is_active":     b.IsActive,
			"created_at":    b.CreatedAt,
			"last_activity": b.LastActivity,
		})
	}
}

// ReadyzHandler probes DB and Redis and reports per-dependency status.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
