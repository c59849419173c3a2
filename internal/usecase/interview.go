package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wcastil/AIStreamSocket/internal/domain"
	"github.com/wcastil/AIStreamSocket/internal/observability"
	"github.com/wcastil/AIStreamSocket/pkg/transcript"
)

const probeSystemPrompt = `You are an empathetic interviewer. The person just shared something emotionally loaded. Ask exactly one short, gentle clarifying question that invites them to go deeper. Respond with JSON only, shaped as {"question": "..."}.`

// Canned replies for trigger outcomes. These are in-band assistant text, not
// errors: the chat surface always answers conversationally.
const (
	replyFirstPassMarked = "Thanks, I've marked the first interview pass as complete. Say \"start second interview\" whenever you're ready for the follow-up questions."
	replyInterviewEnded  = "Thank you for the conversation. The interview is now closed, and everything you shared has been recorded."
	replyEvalNotReady    = "I don't have enough new material to analyze yet. Let's keep talking a little longer and I'll take another look."
	replyEvalFailed      = "I hit a problem while analyzing the interview. Would you like to continue in the standard format while I sort that out?"
	replyMarkFailed      = "I couldn't record the first pass as complete just now. Please try that again in a moment."
	replyNoFirstPass     = "The first interview pass isn't finished yet. Say \"mark interview complete\" or \"evaluate interview\" first, then we can move on."
	replyNoQuestions     = "I don't have follow-up questions prepared for this session yet. Try \"evaluate interview\" first so I can work out what to ask."
	replySecondPassDone  = "That covers everything I wanted to follow up on. Thank you for your openness, this has been a genuinely useful conversation."
	replyRunTimeout      = "I'm taking longer than expected to respond. Please give me a moment and send your message again."
	replyRunFailed       = "Something went wrong on my side while composing a reply. Please try sending that again."
)

// Precondition failures for the second-pass transition. Both unwrap to
// ErrInvalidArgument so the HTTP surface reports a bad request rather than a
// missing resource; the chat surface tells them apart for its reply text.
var (
	errFirstPassIncomplete = fmt.Errorf("first pass not completed: %w", domain.ErrInvalidArgument)
	errNoFollowUpQuestions = fmt.Errorf("no follow-up questions prepared: %w", domain.ErrInvalidArgument)
)

// Reply is what the conversational surfaces return for one user message.
type Reply struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	Text           string `json:"text"`
	Pass           int    `json:"pass"`
}

// InterviewService drives the two-pass interview state machine. It owns
// message persistence, trigger dispatch, pass-2 question sequencing and the
// default assistant round trip.
type InterviewService struct {
	Conversations domain.ConversationRepository
	Messages      domain.MessageRepository
	Models        domain.PersonModelRepository
	Assistant     domain.AssistantClient
	Chat          domain.ChatClient
	Threads       *ThreadService
	Evaluator     *EvaluationService
	Detector      *domain.Detector

	HistoryTokenBudget int

	mu        sync.Mutex
	overrides map[string]string
	now       func() time.Time
}

func NewInterviewService(
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	models domain.PersonModelRepository,
	assistant domain.AssistantClient,
	chat domain.ChatClient,
	threads *ThreadService,
	evaluator *EvaluationService,
	detector *domain.Detector,
	historyTokenBudget int,
) *InterviewService {
	return &InterviewService{
		Conversations:      conversations,
		Messages:           messages,
		Models:             models,
		Assistant:          assistant,
		Chat:               chat,
		Threads:            threads,
		Evaluator:          evaluator,
		Detector:           detector,
		HistoryTokenBudget: historyTokenBudget,
		overrides:          make(map[string]string),
		now:                time.Now,
	}
}

// SetSessionOverride rebinds incoming traffic for fromSession onto
// toSession. Debug aid for inspecting a live session under a second client;
// an empty toSession clears the override.
func (s *InterviewService) SetSessionOverride(fromSession, toSession string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if toSession == "" {
		delete(s.overrides, fromSession)
		return
	}
	s.overrides[fromSession] = toSession
}

func (s *InterviewService) resolveSession(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to, ok := s.overrides[sessionID]; ok {
		return to
	}
	return sessionID
}

// HandleMessage runs one turn of the interview. The user message is
// persisted before anything else so trigger handling and upstream failures
// never lose transcript entries. Upstream failures come back as in-band
// apologetic text, not errors; only invalid input and storage failures
// surface as errors.
func (s *InterviewService) HandleMessage(ctx domain.Context, sessionID, text string) (Reply, error) {
	if text == "" {
		return Reply{}, fmt.Errorf("handle message: empty message: %w", domain.ErrInvalidArgument)
	}
	sessionID = s.resolveSession(sessionID)
	log := observability.LoggerFromContext(ctx)

	conv, err := s.Conversations.GetOrCreate(ctx, sessionID)
	if err != nil {
		return Reply{}, fmt.Errorf("handle message: conversation: %w", err)
	}
	if _, err := s.Messages.Append(ctx, domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        text,
	}); err != nil {
		return Reply{}, fmt.Errorf("handle message: persist user message: %w", err)
	}

	reply := func(text string) Reply {
		return Reply{ConversationID: conv.ID, SessionID: sessionID, Text: text, Pass: conv.CurrentPass}
	}

	switch s.Detector.Classify(text) {
	case domain.TriggerMarkComplete:
		if err := s.MarkFirstPassComplete(ctx, sessionID); err != nil {
			log.Warn("mark complete failed", slog.Any("error", err))
			return reply(replyMarkFailed), nil
		}
		return s.persistAssistant(ctx, reply(replyFirstPassMarked))
	case domain.TriggerEndInterview:
		return s.persistAssistant(ctx, reply(replyInterviewEnded))
	case domain.TriggerEvaluate:
		eval, err := s.Evaluator.Analyze(ctx, sessionID)
		switch {
		case errors.Is(err, domain.ErrNotReady):
			return s.persistAssistant(ctx, reply(replyEvalNotReady))
		case err != nil:
			log.Error("evaluation failed", slog.Any("error", err))
			return reply(replyEvalFailed), nil
		}
		return s.persistAssistant(ctx, reply(evaluationSummary(eval)))
	case domain.TriggerAdvancePass:
		preview, err := s.AdvanceToSecondPass(ctx, sessionID)
		switch {
		case errors.Is(err, errFirstPassIncomplete):
			return s.persistAssistant(ctx, reply(replyNoFirstPass))
		case errors.Is(err, errNoFollowUpQuestions):
			return s.persistAssistant(ctx, reply(replyNoQuestions))
		case err != nil:
			return Reply{}, err
		}
		conv.CurrentPass = domain.PassSecond
		return reply(preview), nil
	}

	if conv.CurrentPass == domain.PassSecond {
		return s.secondPassTurn(ctx, conv, text, reply)
	}
	return s.firstPassTurn(ctx, conv, text, reply)
}

// MarkFirstPassComplete flags the session's first pass as finished. Exposed
// to both the chat trigger and the explicit endpoint.
func (s *InterviewService) MarkFirstPassComplete(ctx domain.Context, sessionID string) error {
	conv, err := s.Conversations.GetBySessionID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("mark pass complete: %w", err)
	}
	if err := s.Conversations.SetFirstPassCompleted(ctx, conv.ID); err != nil {
		return fmt.Errorf("mark pass complete: %w", err)
	}
	return nil
}

// AdvanceToSecondPass transitions the conversation into the follow-up pass
// and returns the opening text previewing the prepared questions. The
// preview is persisted as an assistant message so pass-2 sequencing counts
// it as the first exchange's assistant half. Unmet preconditions come back
// as errFirstPassIncomplete or errNoFollowUpQuestions; ErrNotFound is
// reserved for an unknown session.
func (s *InterviewService) AdvanceToSecondPass(ctx domain.Context, sessionID string) (string, error) {
	conv, err := s.Conversations.GetBySessionID(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("start second pass: %w", err)
	}
	if !conv.FirstPassCompleted {
		return "", fmt.Errorf("start second pass: %w", errFirstPassIncomplete)
	}
	pm, err := s.Models.GetByConversationID(ctx, conv.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("start second pass: %w", errNoFollowUpQuestions)
	}
	if err != nil {
		return "", fmt.Errorf("start second pass: %w", err)
	}
	if len(pm.FollowUpQuestions) == 0 {
		return "", fmt.Errorf("start second pass: %w", errNoFollowUpQuestions)
	}

	at := s.now().UTC()
	if err := s.Conversations.StartSecondPass(ctx, conv.ID, at); err != nil {
		return "", fmt.Errorf("start second pass: %w", err)
	}

	preview := fmt.Sprintf(
		"Welcome to the second interview pass. I have %d follow-up questions based on our first conversation. Let's start with the first one:\n\n%s",
		len(pm.FollowUpQuestions), pm.FollowUpQuestions[0].Question)
	if _, err := s.Messages.Append(ctx, domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        preview,
	}); err != nil {
		return "", fmt.Errorf("start second pass: persist preview: %w", err)
	}
	return preview, nil
}

// secondPassTurn walks the prepared follow-up questions in score order. The
// index is derived from the number of messages persisted since the pass
// transition: each answered question contributes a user and an assistant
// row, so count/2 names the next question. When the list runs out the
// interview is closed with a final message instead of cycling.
//
// An emotionally loaded answer gets one ad-hoc clarifying question in place
// of the next scripted one. The clarifying reply is not persisted: the
// scripted index must not advance past a question that was never asked, and
// the index is counted from persisted rows.
func (s *InterviewService) secondPassTurn(ctx domain.Context, conv domain.Conversation, text string, reply func(string) Reply) (Reply, error) {
	if conv.SecondPassStartedAt == nil {
		return Reply{}, fmt.Errorf("second pass turn: missing transition time: %w", domain.ErrInternal)
	}
	if s.Detector.HasProbeCue(text) {
		if probe, ok := s.probeQuestion(ctx, conv); ok {
			return reply(probe), nil
		}
	}
	pm, err := s.Models.GetByConversationID(ctx, conv.ID)
	if err != nil {
		return Reply{}, fmt.Errorf("second pass turn: %w", err)
	}
	count, err := s.Messages.CountSince(ctx, conv.ID, *conv.SecondPassStartedAt)
	if err != nil {
		return Reply{}, fmt.Errorf("second pass turn: %w", err)
	}
	idx := count / 2
	if idx >= len(pm.FollowUpQuestions) {
		return s.persistAssistant(ctx, reply(replySecondPassDone))
	}
	return s.persistAssistant(ctx, reply(pm.FollowUpQuestions[idx].Question))
}

// probeQuestion asks the chat model for one ad-hoc clarifying question when
// the user's message carries an emotionally loaded cue. Failure falls back
// to the scripted sequencing.
func (s *InterviewService) probeQuestion(ctx domain.Context, conv domain.Conversation) (string, bool) {
	history, err := s.Messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		return "", false
	}
	windowed := transcript.Window(history, s.HistoryTokenBudget)
	raw, err := s.Chat.ChatJSON(ctx, probeSystemPrompt, transcript.Format(windowed), 0)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("probe question failed", slog.Any("error", err))
		return "", false
	}
	var out struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil || out.Question == "" {
		return "", false
	}
	return out.Question, true
}

// firstPassTurn is the default round trip through the external assistant
// thread. A stale thread id is replaced once, reseeding the new thread with
// the windowed transcript so the assistant keeps its context.
func (s *InterviewService) firstPassTurn(ctx domain.Context, conv domain.Conversation, text string, reply func(string) Reply) (Reply, error) {
	log := observability.LoggerFromContext(ctx)

	threadID, err := s.Threads.EnsureThread(ctx, conv.SessionID)
	if err != nil {
		return Reply{}, fmt.Errorf("first pass turn: %w", err)
	}

	err = s.Assistant.AddMessage(ctx, threadID, text)
	if errors.Is(err, domain.ErrThreadGone) {
		threadID, err = s.reseedThread(ctx, conv, text)
	}
	if err != nil {
		return Reply{}, fmt.Errorf("first pass turn: add message: %w", err)
	}

	answer, err := s.Assistant.RunAndWait(ctx, threadID)
	switch {
	case errors.Is(err, domain.ErrUpstreamTimeout):
		// The run may still complete upstream; its late answer is
		// deliberately not persisted.
		log.Warn("assistant run timed out", slog.String("session_id", conv.SessionID))
		return reply(replyRunTimeout), nil
	case err != nil:
		log.Error("assistant run failed", slog.String("session_id", conv.SessionID), slog.Any("error", err))
		return reply(replyRunFailed), nil
	}
	return s.persistAssistant(ctx, reply(answer))
}

// reseedThread replaces a stale binding and replays the windowed transcript
// into the fresh thread before retrying the user's message.
func (s *InterviewService) reseedThread(ctx domain.Context, conv domain.Conversation, text string) (string, error) {
	threadID, err := s.Threads.Rebind(ctx, conv.SessionID)
	if err != nil {
		return "", fmt.Errorf("rebind: %w", err)
	}
	history, err := s.Messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		return "", fmt.Errorf("rebind history: %w", err)
	}
	windowed := transcript.Window(history, s.HistoryTokenBudget)
	if len(windowed) > 0 {
		seed := "Context from our conversation so far:\n" + transcript.Format(windowed)
		if err := s.Assistant.AddMessage(ctx, threadID, seed); err != nil {
			return "", fmt.Errorf("seed context: %w", err)
		}
	}
	if err := s.Assistant.AddMessage(ctx, threadID, text); err != nil {
		return "", err
	}
	return threadID, nil
}

func (s *InterviewService) persistAssistant(ctx domain.Context, r Reply) (Reply, error) {
	if _, err := s.Messages.Append(ctx, domain.Message{
		ConversationID: r.ConversationID,
		Role:           domain.RoleAssistant,
		Content:        r.Text,
	}); err != nil {
		return Reply{}, fmt.Errorf("persist assistant message: %w", err)
	}
	return r, nil
}

func evaluationSummary(eval domain.Evaluation) string {
	if len(eval.FollowUpQuestions) == 0 {
		return "I've analyzed our conversation and built your profile. I couldn't come up with further follow-up questions, so we've covered the ground well."
	}
	return fmt.Sprintf(
		"I've analyzed our conversation and built your profile. There are %d topics I'd still like to explore, and I've prepared %d follow-up questions. Say \"start second interview\" when you're ready.",
		len(eval.MissingTopics), len(eval.FollowUpQuestions))
}
