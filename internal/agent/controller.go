package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Controller drives a run through its phases:
//
//	idle -> planning -> executing -> reviewing -> { planning | answering } -> completed
//
// The reviewing phase loops back to planning at most MaxRounds-1
// times; the judge forces a sufficient verdict on the final round, so
// every run terminates. Cancelling the context stops the run at the
// next phase boundary and no answer is produced.
type Controller struct {
	planner   *Planner
	pool      *Pool
	maxRounds int
	logger    *zap.Logger
}

// NewController wires the engine together.
func NewController(planner *Planner, pool *Pool, maxRounds int, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRounds <= 0 {
		maxRounds = 3
	}
	return &Controller{planner: planner, pool: pool, maxRounds: maxRounds, logger: logger}
}

// RunRequest is one question to answer.
type RunRequest struct {
	Question        string
	UserProfile     string
	DialogueHistory string
}

// RunResult is the terminal state of a completed run.
type RunResult struct {
	FinalAnswer string
	SubTasks    []SubTask
	Results     []string
	Rounds      int
}

func (c *Controller) snapshot(sink EmitFunc, phase Phase, tasks []SubTask, round int, answer string) {
	emit(sink, Event{Type: EventState, State: &StateSnapshot{
		Phase:       phase,
		SubTasks:    tasks,
		Round:       round,
		FinalAnswer: answer,
	}})
}

// Run executes the full loop for one question. Events flow to sink in
// order; the returned result mirrors the final state snapshot.
func (c *Controller) Run(ctx context.Context, req RunRequest, sink EmitFunc) (*RunResult, error) {
	c.snapshot(sink, PhaseIdle, nil, 0, "")

	var (
		tasks   []SubTask
		results []string
		round   int
	)

	for {
		round++
		if !contextAlive(ctx) {
			return nil, ctx.Err()
		}

		c.snapshot(sink, PhasePlanning, tasks, round, "")
		planned, err := c.planner.Plan(ctx, PlanRequest{
			Question:        req.Question,
			UserProfile:     req.UserProfile,
			DialogueHistory: req.DialogueHistory,
			PriorResults:    results,
			Round:           round,
			MaxRounds:       c.maxRounds,
		}, sink)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", round, err)
		}
		tasks = planned

		if !contextAlive(ctx) {
			return nil, ctx.Err()
		}
		c.snapshot(sink, PhaseExecuting, tasks, round, "")
		roundResults, updated, err := c.pool.Run(ctx, tasks, sink)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", round, err)
		}
		tasks = updated
		results = roundResults

		if !contextAlive(ctx) {
			return nil, ctx.Err()
		}
		c.snapshot(sink, PhaseReviewing, tasks, round, "")
		sufficient, verdict, err := c.planner.Judge(ctx, req.Question, results, round, c.maxRounds, sink)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", round, err)
		}
		if sufficient {
			break
		}
		c.logger.Info("results judged insufficient, re-planning",
			zap.Int("round", round), zap.String("verdict", truncateForLog(verdict)))
	}

	if !contextAlive(ctx) {
		return nil, ctx.Err()
	}
	c.snapshot(sink, PhaseAnswering, tasks, round, "")
	answer, err := c.planner.Respond(ctx, req.Question, req.UserProfile, req.DialogueHistory, results, sink)
	if err != nil {
		return nil, err
	}

	c.snapshot(sink, PhaseCompleted, tasks, round, answer)
	return &RunResult{
		FinalAnswer: answer,
		SubTasks:    tasks,
		Results:     results,
		Rounds:      round,
	}, nil
}
