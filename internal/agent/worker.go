package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xwysyy/KG-RAG/internal/llm"
	"github.com/xwysyy/KG-RAG/internal/tools"
)

const (
	maxObservationChars = 2000
	maxResultChars      = 4000
)

// Worker executes one sub-task with a text-protocol reasoning loop:
// the model alternates Thought/Action/Action Input turns with tool
// observations until it produces a Final Answer or exhausts its step
// budget.
type Worker struct {
	model    chatModel
	registry *tools.Registry
	maxSteps int
	logger   *zap.Logger
}

// NewWorker creates a worker bound to a tool registry.
func NewWorker(model chatModel, registry *tools.Registry, maxSteps int, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxSteps <= 0 {
		maxSteps = 6
	}
	return &Worker{model: model, registry: registry, maxSteps: maxSteps, logger: logger}
}

// toolArgs maps the single-line Action Input onto the tool's first
// required argument, falling back to "query".
func (w *Worker) toolArgs(toolName, input string) map[string]any {
	key := "query"
	if t := w.registry.Get(toolName); t != nil && len(t.Schema.Required) > 0 {
		key = t.Schema.Required[0]
	}
	return map[string]any{key: input}
}

// Run executes the sub-task and returns its answer. Tool failures
// become observations the model can react to; only context
// cancellation and model transport errors abort the task.
func (w *Worker) Run(ctx context.Context, task SubTask, sink EmitFunc) (string, error) {
	names := w.registry.Names()
	allowed := make(map[string]bool)
	for _, name := range names {
		allowed[name] = true
	}
	alternatives := strings.Join(names, " | ")

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: buildWorkerSystemPrompt(w.registry.Describe(), alternatives)},
		{Role: llm.RoleUser, Content: task.Content},
	}
	didRepair := false

	for step := 1; step <= w.maxSteps; step++ {
		if !contextAlive(ctx) {
			return "", ctx.Err()
		}

		text, err := w.model.Chat(ctx, messages)
		if err != nil {
			return "", fmt.Errorf("worker step %d: %w", step, err)
		}
		text = strings.TrimSpace(text)

		if final, ok := ParseFinalAnswer(text); ok {
			return final, nil
		}

		action := ParseReActAction(text, allowed)
		if action == nil {
			if didRepair {
				// Unparseable even after repair: degrade to the raw
				// text rather than failing the sub-task.
				w.logger.Warn("worker output unparseable after repair, returning raw text",
					zap.String("subtask", task.ID), zap.Int("step", step))
				return text, nil
			}
			didRepair = true
			w.logger.Warn("worker output unparseable, attempting format repair",
				zap.String("subtask", task.ID), zap.Int("step", step))

			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: text},
				llm.Message{Role: llm.RoleUser, Content: buildFormatRepairPrompt(alternatives)})
			repaired, err := w.model.Chat(ctx, messages)
			if err != nil {
				return "", fmt.Errorf("worker format repair: %w", err)
			}
			text = strings.TrimSpace(repaired)

			if final, ok := ParseFinalAnswer(text); ok {
				return final, nil
			}
			action = ParseReActAction(text, allowed)
			if action == nil {
				w.logger.Warn("worker output still unparseable, returning raw text",
					zap.String("subtask", task.ID), zap.Int("step", step))
				return text, nil
			}
		}

		callID := uuid.NewString()
		thought := ExtractThought(text)
		args := w.toolArgs(action.Tool, action.Input)

		emit(sink, Event{
			Type:      EventSubTaskToolCall,
			SubTaskID: task.ID,
			ToolCall: &ToolCall{
				ID:      callID,
				Name:    action.Tool,
				Args:    args,
				Thought: thought,
				Status:  ToolCallPending,
			},
		})

		observation, invokeErr := w.registry.Invoke(ctx, action.Tool, args)
		if invokeErr != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			observation = fmt.Sprintf("Error: tool '%s' failed: %v", action.Tool, invokeErr)
			w.logger.Warn("tool invocation failed inside worker",
				zap.String("subtask", task.ID), zap.String("tool", action.Tool),
				zap.Error(invokeErr))
		}

		status := ToolCallCompleted
		if invokeErr != nil {
			status = ToolCallError
		}
		emit(sink, Event{
			Type:      EventSubTaskToolCall,
			SubTaskID: task.ID,
			ToolCall: &ToolCall{
				ID:     callID,
				Status: status,
				Result: truncateRunes(observation, maxObservationChars),
			},
		})

		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: text},
			llm.Message{Role: llm.RoleUser, Content: "Observation: " + observation})
	}

	// Step budget exhausted: demand a final answer from what was
	// observed so far.
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: forcedAnswerPrompt})
	text, err := w.model.Chat(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("worker forced answer: %w", err)
	}
	text = strings.TrimSpace(text)
	if final, ok := ParseFinalAnswer(text); ok {
		return final, nil
	}
	return text, nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
