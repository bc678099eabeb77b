package agent

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool fans sub-tasks out to workers under a concurrency ceiling and
// fans their results back in, preserving plan order. A failing
// sub-task degrades to an error result; it never aborts siblings.
type Pool struct {
	worker      *Worker
	concurrency int64
	logger      *zap.Logger
}

// NewPool creates a pool around a shared worker. The worker holds no
// per-task state, so one instance serves all sub-tasks.
func NewPool(worker *Worker, concurrency int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Pool{worker: worker, concurrency: int64(concurrency), logger: logger}
}

// Run executes all sub-tasks and returns their results in plan order
// along with the tasks carrying final statuses. Events from concurrent
// workers are serialized before reaching the sink.
func (p *Pool) Run(ctx context.Context, tasks []SubTask, sink EmitFunc) ([]string, []SubTask, error) {
	if len(tasks) == 0 {
		return []string{"No sub-tasks to execute."}, nil, nil
	}

	// Workers run concurrently but the event stream is ordered, so
	// all emissions funnel through one mutex.
	var emitMu sync.Mutex
	orderedSink := func(ev Event) {
		emitMu.Lock()
		defer emitMu.Unlock()
		emit(sink, ev)
	}

	updated := make([]SubTask, len(tasks))
	copy(updated, tasks)
	results := make([]string, len(tasks))

	sem := semaphore.NewWeighted(p.concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for i := range tasks {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			task := tasks[i]
			updated[i].Status = StatusInProgress
			orderedSink(Event{Type: EventSubTaskStatus, SubTaskID: task.ID, Status: StatusInProgress})

			answer, err := p.worker.Run(gctx, task, orderedSink)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.logger.Warn("sub-task failed",
					zap.String("subtask", task.ID), zap.Error(err))
				answer = "ERROR: sub-task failed"
			}

			updated[i].Status = StatusCompleted
			orderedSink(Event{
				Type:      EventSubTaskResult,
				SubTaskID: task.ID,
				Result:    truncateRunes(answer, maxResultChars),
			})
			orderedSink(Event{Type: EventSubTaskStatus, SubTaskID: task.ID, Status: StatusCompleted})

			results[i] = fmt.Sprintf("[Sub-task %s] %s\n-> %s", task.ID, task.Content, answer)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, updated, err
	}
	return results, updated, nil
}
