package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xwysyy/KG-RAG/internal/llm"
)

// controllerModel scripts a full run: plan responses, worker answers,
// judge verdicts, and the final answer, dispatched by prompt content.
func controllerModel(judgeVerdicts []string) *mockChat {
	judgeIdx := 0
	return &mockChat{ChatFunc: func(ctx context.Context, messages []llm.Message) (string, error) {
		last := messages[len(messages)-1].Content
		system := messages[0].Content

		switch {
		case strings.Contains(last, "judging whether"):
			v := judgeVerdicts[judgeIdx]
			if judgeIdx < len(judgeVerdicts)-1 {
				judgeIdx++
			}
			return v, nil
		case strings.Contains(last, "algorithm knowledge expert"),
			strings.Contains(last, "Retrieved Information") && strings.Contains(last, "Guidelines"):
			return "Here is the final answer about BFS.", nil
		case strings.Contains(system, "Plan Agent"):
			if strings.Contains(last, "Re-plan") {
				return `[{"id":3,"task":"task-gap","tool_hint":"web_search"}]`, nil
			}
			return `[{"id":1,"task":"task-one","tool_hint":"vector_search"},{"id":2,"task":"task-two","tool_hint":"graph_query"}]`, nil
		default:
			// Worker turns.
			return answerFor(messages), nil
		}
	}}
}

func newTestController(t *testing.T, model chatModel, maxRounds int) *Controller {
	t.Helper()
	registry := newTestRegistry(t, "hit", nil)
	planner := NewPlanner(model, 2, nil)
	pool := NewPool(NewWorker(model, registry, 6, nil), 3, nil)
	return NewController(planner, pool, maxRounds, nil)
}

func phaseSequence(events []Event) []Phase {
	var phases []Phase
	for _, ev := range events {
		if ev.Type == EventState {
			phases = append(phases, ev.State.Phase)
		}
	}
	return phases
}

func TestControllerSingleRound(t *testing.T) {
	model := controllerModel([]string{"SUFFICIENT"})
	c := newTestController(t, model, 3)

	sink, events := collectEvents()
	result, err := c.Run(context.Background(), RunRequest{Question: "what is BFS"}, sink)
	require.NoError(t, err)

	assert.Equal(t, "Here is the final answer about BFS.", result.FinalAnswer)
	assert.Equal(t, 1, result.Rounds)
	require.Len(t, result.SubTasks, 2)
	for _, task := range result.SubTasks {
		assert.Equal(t, StatusCompleted, task.Status)
	}

	assert.Equal(t, []Phase{
		PhaseIdle, PhasePlanning, PhaseExecuting, PhaseReviewing,
		PhaseAnswering, PhaseCompleted,
	}, phaseSequence(events()))
}

func TestControllerReplansWhenInsufficient(t *testing.T) {
	model := controllerModel([]string{"INSUFFICIENT - need more", "SUFFICIENT"})
	c := newTestController(t, model, 3)

	sink, events := collectEvents()
	result, err := c.Run(context.Background(), RunRequest{Question: "deep question"}, sink)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Rounds)
	// Second round ran the re-planned task set.
	require.Len(t, result.SubTasks, 1)
	assert.Equal(t, "task-gap", result.SubTasks[0].Content)

	assert.Equal(t, []Phase{
		PhaseIdle,
		PhasePlanning, PhaseExecuting, PhaseReviewing,
		PhasePlanning, PhaseExecuting, PhaseReviewing,
		PhaseAnswering, PhaseCompleted,
	}, phaseSequence(events()))
}

func TestControllerTerminatesAtRoundBudget(t *testing.T) {
	// Judge never satisfied; the forced verdict on the final round
	// must still end the run.
	model := controllerModel([]string{"INSUFFICIENT - never enough"})
	c := newTestController(t, model, 2)

	result, err := c.Run(context.Background(), RunRequest{Question: "q"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Rounds)
	assert.NotEmpty(t, result.FinalAnswer)
}

func TestControllerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &mockChat{ChatFunc: func(c context.Context, messages []llm.Message) (string, error) {
		system := messages[0].Content
		if strings.Contains(system, "Plan Agent") {
			return `[{"id":1,"task":"task-one","tool_hint":"vector_search"}]`, nil
		}
		// First worker turn cancels the run.
		cancel()
		<-c.Done()
		return "", c.Err()
	}}
	c := newTestController(t, model, 3)

	sink, events := collectEvents()
	_, err := c.Run(ctx, RunRequest{Question: "q"}, sink)
	assert.ErrorIs(t, err, context.Canceled)

	// No answering or completed snapshot after cancellation.
	for _, phase := range phaseSequence(events()) {
		assert.NotEqual(t, PhaseAnswering, phase)
		assert.NotEqual(t, PhaseCompleted, phase)
	}
}

func TestControllerLastSnapshotCarriesAnswer(t *testing.T) {
	model := controllerModel([]string{"SUFFICIENT"})
	c := newTestController(t, model, 3)

	sink, events := collectEvents()
	_, err := c.Run(context.Background(), RunRequest{Question: "q"}, sink)
	require.NoError(t, err)

	evs := events()
	var final *StateSnapshot
	for _, ev := range evs {
		if ev.Type == EventState {
			final = ev.State
		}
	}
	require.NotNil(t, final)
	assert.Equal(t, PhaseCompleted, final.Phase)
	assert.Equal(t, "Here is the final answer about BFS.", final.FinalAnswer)
	assert.Equal(t, 1, final.Round)
}
