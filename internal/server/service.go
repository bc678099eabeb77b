package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xwysyy/KG-RAG/internal/agent"
)

// fallbackAnswer is returned when a run completes without producing
// any usable final answer.
const fallbackAnswer = "Sorry, I could not produce a usable answer this time."

// Runner executes one orchestration run. *agent.Controller satisfies it;
// tests substitute scripted fakes.
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest, sink agent.EmitFunc) (*agent.RunResult, error)
}

// ProfileReader loads a user's formatted profile for prompt personalization.
type ProfileReader func(ctx context.Context, userID string) (string, error)

// MemoryWriter commits profile proposals mined from a finished turn.
type MemoryWriter func(ctx context.Context, conversation, userID string) (int, error)

// StreamEvent is one server-sent event: a name plus a JSON-encodable payload.
type StreamEvent struct {
	Name string
	Data any
}

// SendFunc delivers one stream event to the client. A returned error
// means the client is gone; the service stops sending but still
// finishes the turn's persistence.
type SendFunc func(StreamEvent) error

// ChatService coordinates session persistence, profile context, the
// orchestration run, and the post-turn memory write.
type ChatService struct {
	runner        Runner
	sessions      *SessionStore
	readProfile   ProfileReader
	writeMemory   MemoryWriter
	historyRounds int
	logger        *zap.Logger
}

// ChatServiceDeps holds ChatService dependencies. ReadProfile and
// WriteMemory are optional; nil disables personalization or the memory
// write respectively.
type ChatServiceDeps struct {
	Runner        Runner
	Sessions      *SessionStore
	ReadProfile   ProfileReader
	WriteMemory   MemoryWriter
	HistoryRounds int
	Logger        *zap.Logger
}

func NewChatService(d ChatServiceDeps) *ChatService {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.HistoryRounds <= 0 {
		d.HistoryRounds = 5
	}
	return &ChatService{
		runner:        d.Runner,
		sessions:      d.Sessions,
		readProfile:   d.ReadProfile,
		writeMemory:   d.WriteMemory,
		historyRounds: d.HistoryRounds,
		logger:        d.Logger,
	}
}

// TurnResult is the outcome of one blocking chat turn.
type TurnResult struct {
	Session             *SessionRecord  `json:"session"`
	UserMessage         *MessageRecord  `json:"question"`
	AssistantMessage    *MessageRecord  `json:"answer"`
	FinalAnswer         string          `json:"final_answer"`
	Iteration           int             `json:"iteration"`
	Todos               []agent.SubTask `json:"todos"`
	IntermediateResults []string        `json:"intermediate_results"`
	HistoryRoundsUsed   int             `json:"history_rounds_used"`
}

type preparedTurn struct {
	session     *SessionRecord
	userMessage *MessageRecord
	runReq      agent.RunRequest
	roundsUsed  int
}

func (s *ChatService) prepareTurn(ctx context.Context, sessionID, userID, question string) (*preparedTurn, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("question cannot be empty")
	}

	session, err := s.sessions.GetOwnedSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	rounds, err := s.sessions.RecentRounds(ctx, sessionID, s.historyRounds)
	if err != nil {
		return nil, err
	}
	userMessage, err := s.sessions.AppendMessage(ctx, sessionID, "user", question)
	if err != nil {
		return nil, err
	}

	profile := ""
	if s.readProfile != nil {
		profile, err = s.readProfile(ctx, userID)
		if err != nil {
			s.logger.Warn("profile read failed, continuing without personalization",
				zap.String("user_id", userID), zap.Error(err))
			profile = ""
		}
	}

	return &preparedTurn{
		session:     session,
		userMessage: userMessage,
		runReq: agent.RunRequest{
			Question:        question,
			UserProfile:     profile,
			DialogueHistory: FormatHistory(rounds),
		},
		roundsUsed: len(rounds),
	}, nil
}

// Ask runs one blocking chat turn and persists both sides of it.
func (s *ChatService) Ask(ctx context.Context, sessionID, userID, question string) (*TurnResult, error) {
	turn, err := s.prepareTurn(ctx, sessionID, userID, question)
	if err != nil {
		return nil, err
	}

	result, err := s.runner.Run(ctx, turn.runReq, nil)
	if err != nil {
		return nil, fmt.Errorf("chat turn failed: %w", err)
	}
	return s.finishTurn(ctx, turn, result)
}

// AskStream runs one chat turn, forwarding run events to send as they
// happen. The envelope is metadata, then interleaved state and custom
// events, then done. The memory write runs after done so the client
// never waits on it.
func (s *ChatService) AskStream(ctx context.Context, sessionID, userID, question string, send SendFunc) error {
	turn, err := s.prepareTurn(ctx, sessionID, userID, question)
	if err != nil {
		return err
	}

	sendErr := send(StreamEvent{Name: "metadata", Data: map[string]any{
		"session_id":   sessionID,
		"user_message": turn.userMessage,
	}})

	events := make(chan agent.Event, 256)
	var (
		result *agent.RunResult
		runErr error
	)
	go func() {
		defer close(events)
		result, runErr = s.runner.Run(ctx, turn.runReq, func(ev agent.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
	}()

	for ev := range events {
		if sendErr != nil {
			continue // client gone, keep draining so the run finishes
		}
		if ev.Type == agent.EventState {
			sendErr = send(StreamEvent{Name: "state", Data: ev.State})
		} else {
			sendErr = send(StreamEvent{Name: "custom", Data: ev})
		}
	}

	if runErr != nil {
		if ctx.Err() != nil {
			// Cancelled turns persist nothing further and skip the
			// memory write entirely.
			return runErr
		}
		s.logger.Error("chat run failed", zap.String("session_id", sessionID), zap.Error(runErr))
		if sendErr == nil {
			_ = send(StreamEvent{Name: "error", Data: map[string]string{
				"detail": "failed to process chat turn",
			}})
		}
		return runErr
	}

	turnResult, err := s.finishTurnStream(ctx, turn, result)
	if err != nil {
		return err
	}
	if sendErr == nil {
		_ = send(StreamEvent{Name: "done", Data: map[string]any{
			"assistant_message": turnResult.AssistantMessage,
			"final_answer":      turnResult.FinalAnswer,
		}})
	}
	s.updateProfileFromTurn(ctx, userID, turn.runReq.Question, turnResult.FinalAnswer)
	return nil
}

func (s *ChatService) finishTurn(ctx context.Context, turn *preparedTurn, result *agent.RunResult) (*TurnResult, error) {
	out, err := s.finishTurnStream(ctx, turn, result)
	if err != nil {
		return nil, err
	}
	s.updateProfileFromTurn(ctx, turn.session.UserID, turn.runReq.Question, out.FinalAnswer)
	return out, nil
}

func (s *ChatService) finishTurnStream(ctx context.Context, turn *preparedTurn, result *agent.RunResult) (*TurnResult, error) {
	answer := strings.TrimSpace(result.FinalAnswer)
	if answer == "" {
		answer = fallbackAnswer
	}
	assistantMessage, err := s.sessions.AppendMessage(ctx, turn.session.SessionID, "assistant", answer)
	if err != nil {
		return nil, fmt.Errorf("failed to persist answer: %w", err)
	}
	return &TurnResult{
		Session:             turn.session,
		UserMessage:         turn.userMessage,
		AssistantMessage:    assistantMessage,
		FinalAnswer:         answer,
		Iteration:           result.Rounds,
		Todos:               result.SubTasks,
		IntermediateResults: result.Results,
		HistoryRoundsUsed:   turn.roundsUsed,
	}, nil
}

// updateProfileFromTurn feeds the finished exchange to the memory write
// pipeline. Failures are logged, never surfaced: profile writes must not
// break the chat path. The write outlives request cancellation since the
// turn itself already completed.
func (s *ChatService) updateProfileFromTurn(ctx context.Context, userID, question, answer string) {
	if s.writeMemory == nil {
		return
	}
	conversation := fmt.Sprintf("User: %s\nAssistant: %s", question, answer)
	if _, err := s.writeMemory(context.WithoutCancel(ctx), conversation, userID); err != nil {
		s.logger.Warn("profile update failed", zap.String("user_id", userID), zap.Error(err))
	}
}
