// Package agent implements the orchestration engine: a plan, execute,
// aggregate, judge loop over ReAct workers that share a tool registry.
package agent

import "context"

// Phase is the lifecycle stage of a run.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
	PhaseReviewing Phase = "reviewing"
	PhaseAnswering Phase = "answering"
	PhaseCompleted Phase = "completed"
)

// SubTaskStatus tracks a sub-task through its execution.
type SubTaskStatus string

const (
	StatusPending    SubTaskStatus = "pending"
	StatusInProgress SubTaskStatus = "in_progress"
	StatusCompleted  SubTaskStatus = "completed"
)

// SubTask is one unit of the plan, executed by a single worker.
type SubTask struct {
	ID       string        `json:"id"`
	Content  string        `json:"content"`
	ToolHint string        `json:"tool_hint,omitempty"`
	Status   SubTaskStatus `json:"status"`
}

// EventType identifies run event payloads.
type EventType string

const (
	// EventState carries a full state snapshot after a phase change.
	EventState EventType = "state"

	// Incremental model output, tagged with the emitting scope.
	EventReasoningDelta EventType = "reasoning_delta"
	EventContentDelta   EventType = "content_delta"
	EventReasoningReset EventType = "reasoning_reset"
	EventContentReset   EventType = "content_reset"

	// Sub-task lifecycle events.
	EventSubTaskStatus   EventType = "subtask_status"
	EventSubTaskResult   EventType = "subtask_result"
	EventSubTaskToolCall EventType = "subtask_tool_call"
)

// Scopes for delta events. They tell the consumer which display area
// an incremental chunk belongs to.
const (
	ScopePlanning  = "planning"
	ScopeReviewing = "reviewing"
	ScopeAnswering = "answering"
)

// ToolCallStatus is the lifecycle of one tool invocation inside a
// worker step.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
)

// ToolCall describes a worker tool invocation. A pending event carries
// the call details; the follow-up event reuses the ID and adds the
// status and result.
type ToolCall struct {
	ID      string         `json:"id"`
	Name    string         `json:"name,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Thought string         `json:"thought,omitempty"`
	Status  ToolCallStatus `json:"status"`
	Result  string         `json:"result,omitempty"`
}

// StateSnapshot is the externally visible run state.
type StateSnapshot struct {
	Phase       Phase     `json:"phase"`
	SubTasks    []SubTask `json:"todos"`
	Round       int       `json:"iteration"`
	FinalAnswer string    `json:"final_answer,omitempty"`
}

// Event is one entry in a run's ordered event stream.
type Event struct {
	Type      EventType      `json:"type"`
	Scope     string         `json:"scope,omitempty"`
	Delta     string         `json:"delta,omitempty"`
	State     *StateSnapshot `json:"state,omitempty"`
	SubTaskID string         `json:"sub_task_id,omitempty"`
	Status    SubTaskStatus  `json:"status,omitempty"`
	Result    string         `json:"result,omitempty"`
	ToolCall  *ToolCall      `json:"tool_call,omitempty"`
}

// EmitFunc receives run events in order. Implementations must not
// block; slow consumers should buffer or drop.
type EmitFunc func(Event)

// emit forwards an event, tolerating a nil sink so the engine can run
// headless (CLI one-shot mode, tests).
func emit(sink EmitFunc, ev Event) {
	if sink != nil {
		sink(ev)
	}
}

// contextAlive reports whether the run context is still live.
func contextAlive(ctx context.Context) bool {
	return ctx.Err() == nil
}
