// Package stub provides a fast, deterministic assistant client for local
// development and tests.
package stub

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/wcastil/AIStreamSocket/internal/domain"
)

// Client implements domain.AssistantClient and domain.ChatClient without
// network I/O. Replies cycle deterministically per thread.
type Client struct {
	mu      sync.Mutex
	threads map[string][]string
	runs    map[string]int
}

// New constructs an empty stub client.
func New() *Client {
	return &Client{threads: map[string][]string{}, runs: map[string]int{}}
}

var cannedReplies = []string{
	"Thank you for sharing. What values guide your biggest decisions?",
	"That is interesting. How do you usually respond under pressure?",
	"Could you tell me about a time you changed your mind on something important?",
}

// CreateThread returns a fresh synthetic thread id.
func (c *Client) CreateThread(_ domain.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := fmt.Sprintf("thread_stub_%d", len(c.threads)+1)
	c.threads[id] = nil
	return id, nil
}

// AddMessage records the message; unknown thread ids report ErrThreadGone
// like the real upstream.
func (c *Client) AddMessage(_ domain.Context, threadID, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.threads[threadID]; !ok {
		return fmt.Errorf("op=stub.add_message: %w", domain.ErrThreadGone)
	}
	c.threads[threadID] = append(c.threads[threadID], content)
	return nil
}

// RunAndWait returns the next canned reply for the thread.
func (c *Client) RunAndWait(_ domain.Context, threadID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.threads[threadID]; !ok {
		return "", fmt.Errorf("op=stub.run: %w", domain.ErrThreadGone)
	}
	n := c.runs[threadID]
	c.runs[threadID] = n + 1
	return cannedReplies[n%len(cannedReplies)], nil
}

// ChatJSON answers extraction prompts with a minimal filled model and
// question-generation prompts with a fixed ranked list.
func (c *Client) ChatJSON(_ domain.Context, systemPrompt, _ string, _ int) (string, error) {
	if strings.Contains(systemPrompt, "follow-up questions") {
		out := map[string]any{
			"questions": []map[string]any{
				{"question": "What personal value do you refuse to compromise on?", "score": 9, "rationale": "core values unexplored"},
				{"question": "How do you rebuild trust after a conflict?", "score": 7, "rationale": "relationship dynamics missing"},
			},
		}
		b, _ := json.Marshal(out)
		return string(b), nil
	}
	out := map[string]any{
		"core_values": map[string]any{
			"personal": "honesty",
		},
	}
	b, _ := json.Marshal(out)
	return string(b), nil
}
