package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wcastil/AIStreamSocket/internal/domain"
)

// Chat-completions compatibility layer. Clients built against the common
// completions wire format can talk to the interviewer without changes: the
// newest user message becomes the turn input and the user field carries the
// session identity.

type completionsRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	User     string `json:"user"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type completionChoice struct {
	Index        int            `json:"index"`
	Message      *choiceMessage `json:"message,omitempty"`
	Delta        *choiceMessage `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason"`
}

type choiceMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

// CompletionsHandler serves POST /v1/chat/completions, as a single object or
// as an SSE delta stream when stream is true.
func (s *Server) CompletionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req completionsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		text := lastUserMessage(req)
		if text == "" {
			writeError(w, r, fmt.Errorf("%w: no user message", domain.ErrInvalidArgument), nil)
			return
		}
		sessionID := req.User
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		reply, err := s.Interview.HandleMessage(r.Context(), sessionID, text)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		model := req.Model
		if model == "" {
			model = "interview-orchestrator"
		}
		id := "chatcmpl-" + uuid.NewString()
		created := time.Now().Unix()

		if !req.Stream {
			stop := "stop"
			writeJSON(w, http.StatusOK, completionResponse{
				ID:      id,
				Object:  "chat.completion",
				Created: created,
				Model:   model,
				Choices: []completionChoice{{
					Message:      &choiceMessage{Role: domain.RoleAssistant, Content: reply.Text},
					FinishReason: &stop,
				}},
			})
			return
		}
		s.streamCompletion(w, r, id, model, created, reply.Text)
	}
}

// streamCompletion emits the reply as SSE deltas, one word per chunk, then a
// closing chunk with finish_reason stop and the [DONE] marker.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, id, model string, created int64, text string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("op=completions.stream: streaming unsupported: %w", domain.ErrInternal), nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(choice completionChoice) bool {
		chunk := completionResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []completionChoice{choice},
		}
		b, err := json.Marshal(chunk)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	words := strings.Fields(text)
	for i, word := range words {
		content := word
		if i < len(words)-1 {
			content += " "
		}
		if r.Context().Err() != nil {
			return
		}
		if !emit(completionChoice{Delta: &choiceMessage{Role: domain.RoleAssistant, Content: content}}) {
			return
		}
	}
	stop := "stop"
	emit(completionChoice{Delta: &choiceMessage{}, FinishReason: &stop})
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func lastUserMessage(req completionsRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			return strings.TrimSpace(req.Messages[i].Content)
		}
	}
	return ""
}
