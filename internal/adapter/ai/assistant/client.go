// Package assistant implements the external completion capability on top of
// the OpenAI Assistants API: stateful threads, runs polled to a terminal
// status, and one-shot JSON-mode completions for extraction.
package assistant

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"github.com/wcastil/AIStreamSocket/internal/config"
	"github.com/wcastil/AIStreamSocket/internal/domain"
	"github.com/wcastil/AIStreamSocket/internal/observability"
)

// Client implements domain.AssistantClient and domain.ChatClient.
type Client struct {
	api         *openai.Client
	assistantID string
	model       string
	policy      PollPolicy
}

// New constructs a client from configuration.
func New(cfg config.Config) *Client {
	oc := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		oc.BaseURL = cfg.OpenAIBaseURL
	}
	return &Client{
		api:         openai.NewClientWithConfig(oc),
		assistantID: cfg.OpenAIAssistantID,
		model:       cfg.ExtractionModel,
		policy: PollPolicy{
			InitialInterval:    cfg.RunPollInitial,
			Multiplier:         cfg.RunPollMultiplier,
			MaxInterval:        cfg.RunPollMax,
			MaxWallClock:       cfg.RunWallClock,
			MaxRetrieveRetries: cfg.RunRetrieveRetries,
		},
	}
}

// CreateThread creates a fresh external conversation thread.
func (c *Client) CreateThread(ctx domain.Context) (string, error) {
	t, err := c.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("op=assistant.create_thread: %w: %v", domain.ErrUpstreamFailure, err)
	}
	return t.ID, nil
}

// AddMessage appends a user message to the thread. A thread id the upstream
// no longer resolves maps to domain.ErrThreadGone so callers can rebind.
func (c *Client) AddMessage(ctx domain.Context, threadID, content string) error {
	_, err := c.api.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    string(openai.ThreadMessageRoleUser),
		Content: content,
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("op=assistant.add_message: %w", domain.ErrThreadGone)
		}
		return fmt.Errorf("op=assistant.add_message: %w: %v", domain.ErrUpstreamFailure, err)
	}
	return nil
}

// RunAndWait starts a run on the thread and polls its status under the
// client's PollPolicy until a terminal state, then returns the newest
// assistant message text.
func (c *Client) RunAndWait(ctx domain.Context, threadID string) (string, error) {
	run, err := c.api.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: c.assistantID})
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("op=assistant.create_run: %w", domain.ErrThreadGone)
		}
		return "", fmt.Errorf("op=assistant.create_run: %w: %v", domain.ErrUpstreamFailure, err)
	}

	start := time.Now()
	var terminal openai.RunStatus
	err = Await(ctx, c.policy, func(ctx domain.Context) (bool, error) {
		r, rerr := c.api.RetrieveRun(ctx, threadID, run.ID)
		if rerr != nil {
			return false, rerr
		}
		switch r.Status {
		case openai.RunStatusCompleted:
			terminal = r.Status
			return true, nil
		case openai.RunStatusFailed, openai.RunStatusCancelled, openai.RunStatusExpired:
			terminal = r.Status
			return false, backoff.Permanent(fmt.Errorf("op=assistant.run: %w: run status %s", domain.ErrUpstreamFailure, r.Status))
		default:
			return false, nil
		}
	})
	observability.AssistantRunDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		status := string(terminal)
		if status == "" {
			status = "timeout"
		}
		observability.AssistantRunsTotal.WithLabelValues(status).Inc()
		observability.LoggerFromContext(ctx).Error("assistant run did not complete",
			slog.String("thread_id", threadID),
			slog.String("run_id", run.ID),
			slog.Any("error", err))
		return "", err
	}
	observability.AssistantRunsTotal.WithLabelValues(string(openai.RunStatusCompleted)).Inc()

	return c.latestAssistantMessage(ctx, threadID)
}

// latestAssistantMessage fetches the newest assistant message on the thread.
func (c *Client) latestAssistantMessage(ctx domain.Context, threadID string) (string, error) {
	limit := 20
	order := "desc"
	msgs, err := c.api.ListMessage(ctx, threadID, &limit, &order, nil, nil, nil)
	if err != nil {
		return "", fmt.Errorf("op=assistant.list_messages: %w: %v", domain.ErrUpstreamFailure, err)
	}
	for _, m := range msgs.Messages {
		if m.Role != string(openai.ThreadMessageRoleAssistant) {
			continue
		}
		return messageText(m), nil
	}
	return "", fmt.Errorf("op=assistant.list_messages: %w: no assistant message after completed run", domain.ErrUpstreamFailure)
}

// messageText unwraps the first text content part, falling back to a string
// coercion when the expected shape is absent.
func messageText(m openai.Message) string {
	for _, part := range m.Content {
		if part.Text != nil && part.Text.Value != "" {
			return part.Text.Value
		}
	}
	return fmt.Sprintf("%v", m.Content)
}

// ChatJSON runs a one-shot JSON-mode chat completion with the configured
// extraction model.
func (c *Client) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if maxTokens > 0 {
		req.MaxTokens = maxTokens
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("op=assistant.chat_json: %w: %v", domain.ErrUpstreamFailure, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("op=assistant.chat_json: %w: empty choices", domain.ErrUpstreamFailure)
	}
	return resp.Choices[0].Message.Content, nil
}

func isNotFound(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusNotFound
	}
	return false
}
