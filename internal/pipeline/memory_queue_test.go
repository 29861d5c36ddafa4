package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nald_import/platform/logger"
)

const msgUnexpectedPublishErr = "unexpected publish error: %v"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// blockingHandler runs until release is closed and signals started on entry.
func blockingHandler(started chan<- string, release <-chan struct{}) Handler {
	return func(ctx context.Context, job Job) (Outcome, error) {
		started <- job.SingletonKey
		select {
		case <-release:
			return Outcome{Processed: 1}, nil
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
}

func TestMemoryQueueRejectsDuplicateSingleton(t *testing.T) {
	q := NewMemoryQueue(logger.Discard())
	defer q.Close()

	started := make(chan string, 4)
	release := make(chan struct{})
	if err := q.Subscribe("nald.licence", 4, blockingHandler(started, release)); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	job := Job{Stage: "nald.licence", Param: "01/123", SingletonKey: SingletonKey("nald.licence", "01/123")}
	opts := PublishOptions{ExpireIn: time.Minute}

	if _, err := q.Publish(context.Background(), job, opts); err != nil {
		t.Fatalf(msgUnexpectedPublishErr, err)
	}
	<-started

	if _, err := q.Publish(context.Background(), job, opts); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob while running, got %v", err)
	}

	other := Job{Stage: "nald.licence", Param: "01/456", SingletonKey: SingletonKey("nald.licence", "01/456")}
	if _, err := q.Publish(context.Background(), other, opts); err != nil {
		t.Fatalf("expected a different key to be admitted, got %v", err)
	}
	<-started

	close(release)
	q.Wait()

	if _, err := q.Publish(context.Background(), job, opts); err != nil {
		t.Fatalf("expected key to be released after completion, got %v", err)
	}
	<-started
	q.Wait()
}

func TestMemoryQueueReleasesExpiredSingleton(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue(logger.Discard())
	q.now = clock.Now
	defer q.Close()

	started := make(chan string, 2)
	release := make(chan struct{})
	if err := q.Subscribe("nald.snapshot", 2, blockingHandler(started, release)); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	job := Job{Stage: "nald.snapshot", SingletonKey: "nald.snapshot"}
	opts := PublishOptions{ExpireIn: time.Hour}
	if _, err := q.Publish(context.Background(), job, opts); err != nil {
		t.Fatalf(msgUnexpectedPublishErr, err)
	}
	<-started

	clock.Advance(2 * time.Hour)
	if _, err := q.Publish(context.Background(), job, opts); err != nil {
		t.Fatalf("expected expired key to admit a new job, got %v", err)
	}
	<-started

	close(release)
	q.Wait()
}

func TestMemoryQueueRetriesUntilSuccess(t *testing.T) {
	q := NewMemoryQueue(logger.Discard())
	defer q.Close()

	var calls atomic.Int32
	err := q.Subscribe("nald.parties", 1, func(context.Context, Job) (Outcome, error) {
		if calls.Add(1) < 3 {
			return Outcome{}, errors.New("transient")
		}
		return Outcome{Processed: 5}, nil
	})
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	done := make(chan Completion, 1)
	q.OnComplete("nald.parties", func(_ context.Context, c Completion) { done <- c })

	if _, err := q.Publish(context.Background(), Job{Stage: "nald.parties", SingletonKey: "nald.parties"}, PublishOptions{MaxRetry: 2}); err != nil {
		t.Fatalf(msgUnexpectedPublishErr, err)
	}
	q.Wait()

	c := <-done
	if !c.Succeeded() || c.Job.Attempt != 3 || c.Outcome.Processed != 5 {
		t.Fatalf("expected success on attempt 3, got attempt %d err %v", c.Job.Attempt, c.Err)
	}
}

func TestMemoryQueueReportsExhaustedRetries(t *testing.T) {
	q := NewMemoryQueue(logger.Discard())
	defer q.Close()

	err := q.Subscribe("nald.licences", 1, func(context.Context, Job) (Outcome, error) {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	done := make(chan Completion, 1)
	q.OnComplete("nald.licences", func(_ context.Context, c Completion) { done <- c })

	if _, err := q.Publish(context.Background(), Job{Stage: "nald.licences", SingletonKey: "nald.licences"}, PublishOptions{MaxRetry: 1}); err != nil {
		t.Fatalf(msgUnexpectedPublishErr, err)
	}
	q.Wait()

	c := <-done
	if c.Succeeded() || c.Job.Attempt != 2 {
		t.Fatalf("expected failure after 2 attempts, got attempt %d err %v", c.Job.Attempt, c.Err)
	}
}

func TestMemoryQueueDeleteQueueDropsWaitingJobs(t *testing.T) {
	q := NewMemoryQueue(logger.Discard())
	defer q.Close()

	started := make(chan string, 2)
	release := make(chan struct{})
	if err := q.Subscribe("nald.party", 1, blockingHandler(started, release)); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	var completions atomic.Int32
	q.OnComplete("nald.party", func(context.Context, Completion) { completions.Add(1) })

	first := Job{Stage: "nald.party", SingletonKey: "nald.party.1:1"}
	second := Job{Stage: "nald.party", SingletonKey: "nald.party.1:2"}
	if _, err := q.Publish(context.Background(), first, PublishOptions{}); err != nil {
		t.Fatalf(msgUnexpectedPublishErr, err)
	}
	<-started
	if _, err := q.Publish(context.Background(), second, PublishOptions{}); err != nil {
		t.Fatalf(msgUnexpectedPublishErr, err)
	}

	if err := q.DeleteQueue(context.Background(), "nald.party"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	close(release)
	q.Wait()

	if got := completions.Load(); got != 1 {
		t.Fatalf("expected only the running job to complete, got %d completions", got)
	}
	if _, err := q.Publish(context.Background(), second, PublishOptions{}); err != nil {
		t.Fatalf("expected dropped job's key to be released, got %v", err)
	}
	q.Wait()
}

func TestMemoryQueueUnknownStage(t *testing.T) {
	q := NewMemoryQueue(logger.Discard())
	defer q.Close()

	if _, err := q.Publish(context.Background(), Job{Stage: "missing"}, PublishOptions{}); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
}

func TestMemoryQueueHoldsKeyAcrossRetries(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue(logger.Discard())
	q.now = clock.Now
	defer q.Close()

	retrying := make(chan struct{})
	release := make(chan struct{})
	var running, peak atomic.Int32
	err := q.Subscribe("nald.licence", 2, func(ctx context.Context, job Job) (Outcome, error) {
		if n := running.Add(1); n > peak.Load() {
			peak.Store(n)
		}
		defer running.Add(-1)
		if job.Attempt == 1 {
			// The first attempt outlives the key's expiry before failing.
			clock.Advance(2 * time.Hour)
			return Outcome{}, errors.New("timed out")
		}
		if job.Attempt == 2 {
			close(retrying)
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Outcome{Processed: 1}, nil
	})
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	job := Job{Stage: "nald.licence", Param: "01/123", SingletonKey: SingletonKey("nald.licence", "01/123")}
	opts := PublishOptions{ExpireIn: time.Hour, MaxRetry: 1}
	if _, err := q.Publish(context.Background(), job, opts); err != nil {
		t.Fatalf(msgUnexpectedPublishErr, err)
	}
	<-retrying

	if _, err := q.Publish(context.Background(), job, opts); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected the retrying job to hold its key, got %v", err)
	}
	close(release)
	q.Wait()

	if got := peak.Load(); got != 1 {
		t.Fatalf("expected one invocation at a time, got %d", got)
	}
}

func TestMemoryQueueReleasesKeyAfterFinalFailure(t *testing.T) {
	q := NewMemoryQueue(logger.Discard())
	defer q.Close()

	if err := q.Subscribe("nald.parties", 1, func(context.Context, Job) (Outcome, error) {
		return Outcome{}, errors.New("import schema unavailable")
	}); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	failed := make(chan Completion, 1)
	q.OnComplete("nald.parties", func(_ context.Context, c Completion) { failed <- c })

	job := Job{Stage: "nald.parties", SingletonKey: "nald.parties"}
	if _, err := q.Publish(context.Background(), job, PublishOptions{ExpireIn: time.Hour}); err != nil {
		t.Fatalf(msgUnexpectedPublishErr, err)
	}
	q.Wait()
	if c := <-failed; c.Succeeded() {
		t.Fatal("expected a failed completion")
	}

	if _, err := q.Publish(context.Background(), job, PublishOptions{ExpireIn: time.Hour}); err != nil {
		t.Fatalf("expected a manual retry to be admitted after failure, got %v", err)
	}
	q.Wait()
}

func TestMemoryQueueAbandonsJobSupersededWhileQueued(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue(logger.Discard())
	q.now = clock.Now
	defer q.Close()

	started := make(chan string, 1)
	release := make(chan struct{})
	var runs sync.Map
	err := q.Subscribe("nald.party", 1, func(ctx context.Context, job Job) (Outcome, error) {
		n, _ := runs.LoadOrStore(job.Param, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)
		if job.Param == "1:100" {
			started <- job.Param
			<-release
		}
		return Outcome{Processed: 1}, nil
	})
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	opts := PublishOptions{ExpireIn: time.Hour}
	blocker := Job{Stage: "nald.party", Param: "1:100", SingletonKey: SingletonKey("nald.party", "1:100")}
	queued := Job{Stage: "nald.party", Param: "1:200", SingletonKey: SingletonKey("nald.party", "1:200")}
	if _, err := q.Publish(context.Background(), blocker, opts); err != nil {
		t.Fatalf(msgUnexpectedPublishErr, err)
	}
	<-started
	if _, err := q.Publish(context.Background(), queued, opts); err != nil {
		t.Fatalf(msgUnexpectedPublishErr, err)
	}

	// The queued job's key lapses before it gets a slot and is taken over.
	clock.Advance(2 * time.Hour)
	if _, err := q.Publish(context.Background(), queued, opts); err != nil {
		t.Fatalf("expected the expired key to admit a new job, got %v", err)
	}
	close(release)
	q.Wait()

	n, ok := runs.Load("1:200")
	if !ok || n.(*atomic.Int32).Load() != 1 {
		t.Fatalf("expected one invocation for 1:200, got %v", n)
	}
}
