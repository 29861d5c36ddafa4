package scheduler

import (
	"context"
	"fmt"
	"time"

	"nald_import/internal/pipeline"
	"nald_import/platform/logger"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/semaphore"
)

type subscription struct {
	handler pipeline.Handler
	sem     *semaphore.Weighted
}

// Subscribe registers the handler for a stage. The per-stage limit is held by
// a semaphore inside the shared asynq server.
func (q *Queue) Subscribe(stage string, concurrency int, h pipeline.Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.subscriptions[stage]; exists {
		return fmt.Errorf("stage %s already subscribed", stage)
	}
	q.subscriptions[stage] = &subscription{handler: h, sem: semaphore.NewWeighted(int64(concurrency))}
	return nil
}

func (q *Queue) OnComplete(stage string, hook pipeline.CompletionHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks[stage] = append(q.hooks[stage], hook)
}

// Run serves every subscribed stage until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	queues := make(map[string]int, len(q.subscriptions))
	mux := asynq.NewServeMux()
	for stage := range q.subscriptions {
		queues[queueName(q.prefix, stage)] = 1
		mux.HandleFunc(stage, q.handleStageTask)
	}
	q.mu.Unlock()

	if len(queues) == 0 {
		return fmt.Errorf("no stages subscribed")
	}

	server := asynq.NewServer(q.opt, asynq.Config{
		Concurrency: q.concurrency,
		Queues:      queues,
		BaseContext: func() context.Context { return ctx },
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return retryDelay(n)
		},
	})

	if err := server.Start(mux); err != nil {
		return err
	}
	q.log.Info("queue worker started", "queues", len(queues), "concurrency", q.concurrency)

	<-ctx.Done()
	server.Shutdown()
	q.log.Info("queue worker stopped")
	return nil
}

func (q *Queue) handleStageTask(ctx context.Context, task *asynq.Task) error {
	job, err := ParseStageTask(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if id, ok := asynq.GetTaskID(ctx); ok {
		job.ID = id
		ctx = context.WithValue(ctx, logger.JobIDKey, id)
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	job.Attempt = retried + 1

	q.mu.Lock()
	sub, ok := q.subscriptions[job.Stage]
	hooks := append([]pipeline.CompletionHook(nil), q.hooks[job.Stage]...)
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, fmt.Errorf("%w: %s", pipeline.ErrUnknownStage, job.Stage))
	}

	if err := sub.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	started := time.Now()
	outcome, runErr := sub.handler(ctx, job)
	sub.sem.Release(1)

	// Hooks fire once per job: on success, or when the retry budget is spent.
	if runErr != nil && retried < maxRetry {
		q.log.Warn("stage attempt failed, retrying", "stage", job.Stage, "singleton_key", job.SingletonKey, "attempt", job.Attempt, "error", runErr)
		return runErr
	}

	c := pipeline.Completion{Job: job, Outcome: outcome, Err: runErr, Elapsed: time.Since(started)}
	for _, hook := range hooks {
		hook(context.WithoutCancel(ctx), c)
	}
	if runErr != nil {
		// The hooks own the failure. Completing the task releases its unique
		// lock so the key can be triggered again.
		q.log.Error("stage failed after final attempt", "stage", job.Stage, "singleton_key", job.SingletonKey, "attempt", job.Attempt, "error", runErr)
	}
	return nil
}

// retryDelay grows by ten seconds per retry up to maxRetryDelay.
func retryDelay(retried int) time.Duration {
	return min(time.Duration(retried+1)*10*time.Second, maxRetryDelay)
}
