// Package transcript provides small helpers for rendering and windowing
// conversation transcripts.
package transcript

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/wcastil/AIStreamSocket/internal/domain"
)

// Format renders messages as "ROLE: content" lines, one per message, in the
// order given.
func Format(msgs []domain.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, strings.ToUpper(m.Role)+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// encoding returns the cl100k_base encoding shared by the GPT-4 family.
// A nil return means token counting is unavailable and callers fall back to
// a character heuristic.
func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, using character heuristic", slog.Any("error", err))
			return
		}
		enc = e
	})
	return enc
}

// CountTokens returns the token count of s, approximating with len/4 when
// the encoding cannot be loaded.
func CountTokens(s string) int {
	if e := encoding(); e != nil {
		return len(e.Encode(s, nil, nil))
	}
	return (len(s) + 3) / 4
}

// Window returns the longest suffix of msgs whose rendered transcript fits
// within budget tokens. The newest messages win; a non-positive budget
// returns msgs unchanged.
func Window(msgs []domain.Message, budget int) []domain.Message {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}
	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := CountTokens(strings.ToUpper(msgs[i].Role) + ": " + msgs[i].Content)
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}
	return msgs[start:]
}
