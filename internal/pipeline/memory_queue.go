package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nald_import/platform/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrQueueClosed is returned by Publish after Close.
var ErrQueueClosed = errors.New("pipeline: queue closed")

// MemoryQueue is an in-process Queue. Jobs run on goroutines bounded per
// stage by the subscriber's concurrency; delivery is at-least-once within the
// retry budget. Nothing survives a restart.
type MemoryQueue struct {
	mu      sync.Mutex
	workers map[string]*memoryWorker
	hooks   map[string][]CompletionHook
	held    map[string]heldKey

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Logger
	now    func() time.Time
}

type memoryWorker struct {
	handler    Handler
	sem        *semaphore.Weighted
	generation uint64
}

type heldKey struct {
	jobID   string
	expires time.Time
}

func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryQueue{
		workers: make(map[string]*memoryWorker),
		hooks:   make(map[string][]CompletionHook),
		held:    make(map[string]heldKey),
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
		now:     time.Now,
	}
}

func (q *MemoryQueue) Subscribe(stage string, concurrency int, h Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.workers[stage]; exists {
		return fmt.Errorf("pipeline: stage %s already has a subscriber", stage)
	}
	q.workers[stage] = &memoryWorker{handler: h, sem: semaphore.NewWeighted(int64(concurrency))}
	return nil
}

func (q *MemoryQueue) OnComplete(stage string, hook CompletionHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks[stage] = append(q.hooks[stage], hook)
}

func (q *MemoryQueue) Publish(ctx context.Context, job Job, opts PublishOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if q.ctx.Err() != nil {
		return "", ErrQueueClosed
	}

	q.mu.Lock()
	w, ok := q.workers[job.Stage]
	if !ok {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s has no subscriber", ErrUnknownStage, job.Stage)
	}
	if opts.SingletonKey != "" {
		job.SingletonKey = opts.SingletonKey
	}
	if job.SingletonKey != "" {
		if h, taken := q.held[job.SingletonKey]; taken && !q.expired(h) {
			q.mu.Unlock()
			return "", ErrDuplicateJob
		}
	}
	job.ID = uuid.NewString()
	q.holdLocked(job, opts.ExpireIn)
	generation := w.generation
	q.wg.Add(1)
	q.mu.Unlock()

	go q.run(w, generation, job, opts)
	return job.ID, nil
}

// DeleteQueue drops the stage's jobs that are still waiting for a worker slot.
// Jobs already running finish normally.
func (q *MemoryQueue) DeleteQueue(_ context.Context, stage string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.workers[stage]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	w.generation++
	return nil
}

// Wait blocks until every published job, including jobs published by
// completion hooks, has finished.
func (q *MemoryQueue) Wait() {
	q.wg.Wait()
}

// Close cancels running jobs and waits for their goroutines.
func (q *MemoryQueue) Close() {
	q.cancel()
	q.wg.Wait()
}

func (q *MemoryQueue) run(w *memoryWorker, generation uint64, job Job, opts PublishOptions) {
	defer q.wg.Done()

	if err := w.sem.Acquire(q.ctx, 1); err != nil {
		q.release(job)
		return
	}

	q.mu.Lock()
	dropped := w.generation != generation
	q.mu.Unlock()
	if dropped {
		w.sem.Release(1)
		q.release(job)
		q.log.Info("dropped job from deleted queue", "stage", job.Stage, "singleton_key", job.SingletonKey)
		return
	}

	started := time.Now()
	var (
		outcome Outcome
		err     error
	)
	for attempt := 1; attempt <= opts.MaxRetry+1; attempt++ {
		job.Attempt = attempt
		if !q.renewHold(job, opts.ExpireIn) {
			// The key expired and a newer job owns it; running this attempt
			// would put two invocations on one key.
			w.sem.Release(1)
			q.log.Info("abandoned job superseded on its singleton key", "stage", job.Stage, "singleton_key", job.SingletonKey, "attempt", attempt)
			return
		}
		outcome, err = q.attempt(w.handler, job, opts.ExpireIn)
		if err == nil || q.ctx.Err() != nil {
			break
		}
		if attempt <= opts.MaxRetry {
			q.log.Warn("stage attempt failed, retrying", "stage", job.Stage, "singleton_key", job.SingletonKey, "attempt", attempt, "error", err)
		}
	}
	w.sem.Release(1)
	q.release(job)

	c := Completion{Job: job, Outcome: outcome, Err: err, Elapsed: time.Since(started)}
	q.mu.Lock()
	hooks := append([]CompletionHook(nil), q.hooks[job.Stage]...)
	q.mu.Unlock()
	for _, hook := range hooks {
		hook(q.ctx, c)
	}
}

func (q *MemoryQueue) attempt(h Handler, job Job, expireIn time.Duration) (outcome Outcome, err error) {
	ctx := context.WithValue(q.ctx, logger.JobIDKey, job.ID)
	if expireIn > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, expireIn)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: stage %s panicked: %v", job.Stage, r)
		}
	}()
	return h(ctx, job)
}

func (q *MemoryQueue) holdLocked(job Job, expireIn time.Duration) {
	if job.SingletonKey == "" {
		return
	}
	h := heldKey{jobID: job.ID}
	if expireIn > 0 {
		h.expires = q.now().Add(expireIn)
	}
	q.held[job.SingletonKey] = h
}

// renewHold restarts the expiry of the job's key at the start of an attempt
// and reports whether the job still owns it. Jobs without a key always run.
func (q *MemoryQueue) renewHold(job Job, expireIn time.Duration) bool {
	if job.SingletonKey == "" {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if h, ok := q.held[job.SingletonKey]; ok && h.jobID != job.ID {
		return false
	}
	q.holdLocked(job, expireIn)
	return true
}

func (q *MemoryQueue) release(job Job) {
	if job.SingletonKey == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if h, ok := q.held[job.SingletonKey]; ok && h.jobID == job.ID {
		delete(q.held, job.SingletonKey)
	}
}

func (q *MemoryQueue) expired(h heldKey) bool {
	return !h.expires.IsZero() && !q.now().Before(h.expires)
}
